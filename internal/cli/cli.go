// ============================================================================
// Falcon-Queue CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   falconq                        # Root command
//   ├── run                        # Start the queue engine
//   │   └── --with-demo-handlers  # Register built-in demo handlers
//   ├── submit                     # Submit tasks
//   │   ├── --file, -f            # Batch submit from a JSON file
//   │   └── --type/--agent/...    # Or a single task from flags
//   ├── status <task-id>           # View one task
//   │   └── --history             # Include the audit trail
//   ├── workers                    # List registered workers
//   ├── metrics                    # Show queue statistics
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// Configuration Management:
//   Uses YAML format config file (default: configs/default.yaml)
//   Configuration items include:
//   - store: SQLite database path
//   - scheduler: tick interval, running timeout, handler timeout
//   - workers: heartbeat/staleness tuning plus the agents to register
//   - retry: backoff ladder
//   - metrics: Prometheus exposition + aggregator cache tuning
//   - cleanup: retention windows
//
// run Command:
//   Starts the complete queue engine:
//   1. Load config file
//   2. Create engine, register configured agents
//   3. Start Metrics HTTP server (if enabled)
//   4. Listen for system signals (SIGINT, SIGTERM)
//   5. Gracefully shutdown, draining in-flight tasks
//
//   Examples:
//     ./falconq run
//     ./falconq run -c custom-config.yaml --with-demo-handlers
//
// submit Command:
//   Submit a single task from flags, or batch submit from a JSON file.
//   JSON format (array of task specs):
//   [
//     {
//       "type": "transcode",
//       "agent_type": "media",
//       "payload": {"file": "intro.mp4"},
//       "priority": "high"
//     }
//   ]
//
//   Examples:
//     ./falconq submit --type transcode --agent media --payload '{"file":"a.mp4"}'
//     ./falconq submit -f tasks.json
//
// Signal Handling:
//   run command captures SIGINT / SIGTERM and performs the graceful
//   shutdown sequence (stop intake, drain workers, close store).
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/falcon-queue/internal/engine"
	"github.com/ChuLiYu/falcon-queue/internal/metrics"
	"github.com/ChuLiYu/falcon-queue/pkg/types"
)

// AgentConfig 單一 worker 的註冊參數
type AgentConfig struct {
	AgentType     string   `yaml:"agent_type"`
	Capabilities  []string `yaml:"capabilities"`
	MaxConcurrent int      `yaml:"max_concurrent_tasks"`
}

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`

	Scheduler struct {
		Interval       time.Duration `yaml:"interval"`
		RunningTimeout time.Duration `yaml:"running_timeout"`
		ExecTimeout    time.Duration `yaml:"exec_timeout"`
	} `yaml:"scheduler"`

	Workers struct {
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		StaleAfter        time.Duration `yaml:"stale_after"`
		IdlePoll          time.Duration `yaml:"idle_poll"`
		Agents            []AgentConfig `yaml:"agents"`
	} `yaml:"workers"`

	Retry struct {
		Backoff []time.Duration `yaml:"backoff"`
	} `yaml:"retry"`

	Metrics struct {
		Enabled           bool          `yaml:"enabled"`
		Port              int           `yaml:"port"`
		RecomputeInterval time.Duration `yaml:"recompute_interval"`
		CacheStaleness    time.Duration `yaml:"cache_staleness"`
	} `yaml:"metrics"`

	Cleanup struct {
		Interval           time.Duration `yaml:"interval"`
		CompletedRetention time.Duration `yaml:"completed_retention"`
		LogRetention       time.Duration `yaml:"log_retention"`
	} `yaml:"cleanup"`
}

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "falconq",
		Short: "Falcon-Queue: a persistent priority-aware task queue",
		Long: `Falcon-Queue is a task scheduling and execution engine with:
- SQLite-backed durability
- Strict priority scheduling with dependencies
- Automatic retries with backoff and a dead-letter queue
- Prometheus metrics`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildWorkersCommand())
	rootCmd.AddCommand(buildMetricsCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var withDemoHandlers bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the Falcon-Queue engine",
		Long:  "Start the engine with the workers declared in the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(withDemoHandlers)
		},
	}

	cmd.Flags().BoolVar(&withDemoHandlers, "with-demo-handlers", false, "register a built-in echo handler for every configured agent type")

	return cmd
}

func runEngine(withDemoHandlers bool) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Printf("Starting Falcon-Queue with config: %s\n", configFile)
	log.Printf("Store: %s, Agents: %d\n", cfg.Store.Path, len(cfg.Workers.Agents))

	eng, err := engine.New(engineConfig(cfg, cfg.Metrics.Enabled))
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	if withDemoHandlers {
		for _, agent := range cfg.Workers.Agents {
			eng.RegisterAgentHandler(agent.AgentType, demoHandler())
		}
	}

	ctx := context.Background()
	for _, agent := range cfg.Workers.Agents {
		id, err := eng.RegisterAgent(ctx, agent.AgentType, agent.Capabilities, agent.MaxConcurrent)
		if err != nil {
			return fmt.Errorf("failed to register agent %q: %w", agent.AgentType, err)
		}
		log.Printf("Registered worker %s (agent_type=%s, max_concurrent=%d)\n",
			id, agent.AgentType, agent.MaxConcurrent)
	}

	if cfg.Metrics.Enabled {
		go func() {
			log.Printf("Starting metrics server on :%d\n", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	if err := eng.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	log.Println("Engine started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Println("\nReceived shutdown signal, stopping gracefully...")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := eng.Stop(stopCtx); err != nil {
		return fmt.Errorf("shutdown did not complete cleanly: %w", err)
	}

	log.Println("Engine stopped. Goodbye!")
	return nil
}

// demoHandler 內建示範 handler：原樣回傳 payload，
// payload 帶 sleep_ms 時先模擬該時長的工作
func demoHandler() types.TaskHandler {
	return types.HandlerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var p struct {
			SleepMs int `json:"sleep_ms"`
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, fmt.Errorf("demo payload must be a JSON object: %w", err)
			}
		}
		if p.SleepMs > 0 {
			select {
			case <-time.After(time.Duration(p.SleepMs) * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return payload, nil
	})
}

// ============================================================================
// submit
// ============================================================================

func buildSubmitCommand() *cobra.Command {
	var (
		taskFile   string
		taskType   string
		agentType  string
		payload    string
		priority   string
		maxRetries int
		dependsOn  []string
		delay      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit tasks to the queue",
		Long:  "Submit a single task from flags, or batch submit from a JSON file (array of task specs)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskFile != "" {
				return submitFromFile(taskFile)
			}
			if taskType == "" || agentType == "" {
				return fmt.Errorf("either --file or both --type and --agent are required")
			}
			return submitSingle(taskType, agentType, payload, priority, maxRetries, dependsOn, delay)
		},
	}

	cmd.Flags().StringVarP(&taskFile, "file", "f", "", "JSON file containing task definitions")
	cmd.Flags().StringVar(&taskType, "type", "", "task type (selects the handler)")
	cmd.Flags().StringVar(&agentType, "agent", "", "agent type that must execute the task")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload handed to the handler")
	cmd.Flags().StringVar(&priority, "priority", "", "urgent, high, medium or low (default medium)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", -1, "retry budget (default 3)")
	cmd.Flags().StringArrayVar(&dependsOn, "depends-on", nil, "task id that must complete first (repeatable)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay before the task becomes eligible to run")

	return cmd
}

func submitSingle(taskType, agentType, payload, priority string, maxRetries int, dependsOn []string, delay time.Duration) error {
	spec := types.TaskSpec{
		Type:      taskType,
		AgentType: agentType,
	}
	if payload != "" {
		if !json.Valid([]byte(payload)) {
			return fmt.Errorf("payload is not valid JSON")
		}
		spec.Payload = json.RawMessage(payload)
	}

	var opts []engine.SubmitOption
	if priority != "" {
		p, err := types.ParsePriority(priority)
		if err != nil {
			return err
		}
		opts = append(opts, engine.WithPriority(p))
	}
	if maxRetries >= 0 {
		opts = append(opts, engine.WithMaxRetries(maxRetries))
	}
	for _, dep := range dependsOn {
		opts = append(opts, engine.WithDependencies(types.TaskID(dep)))
	}
	if delay > 0 {
		opts = append(opts, engine.WithScheduledAt(time.Now().UTC().Add(delay)))
	}

	return withEngine(func(ctx context.Context, eng *engine.Engine) error {
		id, err := eng.SubmitTask(ctx, spec, opts...)
		if err != nil {
			return fmt.Errorf("failed to submit task: %w", err)
		}
		fmt.Println(id)
		return nil
	})
}

func submitFromFile(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read task file: %w", err)
	}

	var specs []types.TaskSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return fmt.Errorf("failed to parse task file: %w", err)
	}

	return withEngine(func(ctx context.Context, eng *engine.Engine) error {
		successCount := 0
		for i, spec := range specs {
			id, err := eng.SubmitTask(ctx, spec)
			if err != nil {
				log.Printf("Failed to submit task %d (%s): %v\n", i, spec.Type, err)
				continue
			}
			fmt.Println(id)
			successCount++
		}
		log.Printf("Successfully submitted %d/%d tasks\n", successCount, len(specs))
		return nil
	})
}

// ============================================================================
// status / workers / metrics
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var showHistory bool

	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show the status of one task",
		Long:  "Display status, retry budget, timestamps and optionally the audit trail of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(types.TaskID(args[0]), showHistory)
		},
	}

	cmd.Flags().BoolVar(&showHistory, "history", false, "include the execution audit trail")

	return cmd
}

func showStatus(id types.TaskID, showHistory bool) error {
	return withEngine(func(ctx context.Context, eng *engine.Engine) error {
		view, err := eng.TaskStatus(ctx, id)
		if err != nil {
			return err
		}

		fmt.Println("\n╔═══════════════════════════════════════════════════════════╗")
		fmt.Println("║                 Falcon-Queue Task Status                  ║")
		fmt.Println("╚═══════════════════════════════════════════════════════════╝")
		fmt.Println()
		fmt.Printf("  Task:        %s\n", view.ID)
		fmt.Printf("  Status:      %s\n", view.Status)
		fmt.Printf("  Progress:    %.0f%%\n", view.Progress*100)
		fmt.Printf("  Retries:     %d/%d\n", view.RetryCount, view.MaxRetries)
		if view.Error != "" {
			fmt.Printf("  Last Error:  %s\n", view.Error)
		}
		if len(view.WaitingOn) > 0 {
			fmt.Printf("  Waiting On:  %v\n", view.WaitingOn)
		}
		fmt.Println()
		fmt.Printf("  Created:     %s\n", view.CreatedAt.Local().Format(time.RFC3339))
		fmt.Printf("  Scheduled:   %s\n", view.ScheduledAt.Local().Format(time.RFC3339))
		if view.StartedAt != nil {
			fmt.Printf("  Started:     %s\n", view.StartedAt.Local().Format(time.RFC3339))
		}
		if view.CompletedAt != nil {
			fmt.Printf("  Completed:   %s\n", view.CompletedAt.Local().Format(time.RFC3339))
		}
		if len(view.Result) > 0 {
			fmt.Printf("\n  Result:      %s\n", string(view.Result))
		}

		if showHistory {
			history, err := eng.TaskHistory(ctx, id)
			if err != nil {
				return err
			}
			fmt.Println("\n  Audit Trail:")
			for _, entry := range history {
				line := fmt.Sprintf("  %s  %-16s", entry.CreatedAt.Local().Format("15:04:05.000"), entry.Action)
				if entry.WorkerID != "" {
					line += fmt.Sprintf("  worker=%s", entry.WorkerID)
				}
				if entry.Detail != "" {
					line += fmt.Sprintf("  %s", entry.Detail)
				}
				fmt.Println(line)
			}
		}
		fmt.Println()
		return nil
	})
}

func buildWorkersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List registered workers",
		Long:  "Display every registered worker with its load and heartbeat",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showWorkers()
		},
	}
}

func showWorkers() error {
	return withEngine(func(ctx context.Context, eng *engine.Engine) error {
		agents, err := eng.AgentStatus(ctx)
		if err != nil {
			return err
		}

		fmt.Println("\n👷 Registered Workers:")
		if len(agents) == 0 {
			fmt.Println("  └─ none (run 'falconq run' to start workers)")
			fmt.Println()
			return nil
		}

		ids := make([]types.WorkerID, 0, len(agents))
		for id := range agents {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			a := agents[id]
			fmt.Printf("  ├─ %s\n", id)
			fmt.Printf("  │    agent_type: %s, status: %s, load: %d/%d, completed: %d\n",
				a.AgentType, a.Status, a.CurrentLoad, a.MaxConcurrent, a.Completed)
			fmt.Printf("  │    heartbeat: %s ago\n", time.Since(a.LastHeartbeat).Round(time.Second))
		}
		fmt.Println()
		return nil
	})
}

func buildMetricsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show queue statistics",
		Long:  "Display aggregate queue statistics computed from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showMetrics()
		},
	}
}

func showMetrics() error {
	return withEngine(func(ctx context.Context, eng *engine.Engine) error {
		m, err := eng.QueueMetrics(ctx)
		if err != nil {
			return err
		}

		fmt.Println("\n📊 Queue Statistics:")
		fmt.Printf("  ├─ Total Tasks:    %d\n", m.Total)
		fmt.Printf("  ├─ ⏳ Pending:      %d\n", m.Pending)
		fmt.Printf("  ├─ 🔄 Running:      %d\n", m.Running)
		fmt.Printf("  ├─ 🔁 Retrying:     %d\n", m.Retrying)
		fmt.Printf("  ├─ ✅ Completed:    %d\n", m.Completed)
		fmt.Printf("  ├─ 🚫 Cancelled:    %d\n", m.Cancelled)
		fmt.Printf("  └─ ❌ Dead Letter:  %d\n", m.DeadLetter)
		fmt.Println()
		fmt.Printf("📈 Success Rate:     %.1f%%\n", m.SuccessRate*100)
		fmt.Printf("⏱  Avg Exec Time:    %.0f ms\n", m.AvgExecMillis)
		fmt.Printf("🚀 Throughput:       %.2f tasks/hour\n", m.ThroughputPerHour)
		fmt.Println()
		return nil
	})
}

// ============================================================================
// 共用
// ============================================================================

// withEngine 以一次性模式執行 fn：開啟儲存層但不啟動任何背景迴圈，
// 結束時關閉。供 submit/status/workers/metrics 等單發命令使用。
func withEngine(fn func(ctx context.Context, eng *engine.Engine) error) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	eng, err := engine.New(engineConfig(cfg, false))
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}

	ctx := context.Background()
	opErr := fn(ctx, eng)
	if err := eng.Stop(ctx); err != nil && opErr == nil {
		opErr = err
	}
	return opErr
}

// engineConfig 將 YAML 配置映射為引擎配置
func engineConfig(cfg *Config, enableProm bool) engine.Config {
	return engine.Config{
		StorePath:          cfg.Store.Path,
		SchedulerInterval:  cfg.Scheduler.Interval,
		RunningTimeout:     cfg.Scheduler.RunningTimeout,
		ExecTimeout:        cfg.Scheduler.ExecTimeout,
		HeartbeatInterval:  cfg.Workers.HeartbeatInterval,
		StaleAfter:         cfg.Workers.StaleAfter,
		IdlePoll:           cfg.Workers.IdlePoll,
		MetricsInterval:    cfg.Metrics.RecomputeInterval,
		MetricsStaleness:   cfg.Metrics.CacheStaleness,
		CleanupInterval:    cfg.Cleanup.Interval,
		CompletedRetention: cfg.Cleanup.CompletedRetention,
		LogRetention:       cfg.Cleanup.LogRetention,
		Backoff:            cfg.Retry.Backoff,
		EnablePrometheus:   enableProm,
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}

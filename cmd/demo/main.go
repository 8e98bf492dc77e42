package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/falcon-queue/internal/engine"
	"github.com/ChuLiYu/falcon-queue/pkg/types"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Workers struct {
		Agents []struct {
			AgentType     string   `yaml:"agent_type"`
			Capabilities  []string `yaml:"capabilities"`
			MaxConcurrent int      `yaml:"max_concurrent_tasks"`
		} `yaml:"agents"`
	} `yaml:"workers"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <start|recover>")
		os.Exit(1)
	}

	mode := os.Args[1]
	cfg, err := loadConfig("configs/default.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 演示用的短間隔與退避階梯，讓重試與逾時回收在幾秒內可見
	engConfig := engine.Config{
		StorePath:          cfg.Store.Path,
		SchedulerInterval:  200 * time.Millisecond,
		RunningTimeout:     5 * time.Second,
		ExecTimeout:        30 * time.Second,
		HeartbeatInterval:  time.Second,
		StaleAfter:         10 * time.Second,
		IdlePoll:           200 * time.Millisecond,
		MetricsInterval:    time.Second,
		MetricsStaleness:   50 * time.Millisecond,
		CleanupInterval:    2 * time.Second,
		CompletedRetention: 24 * time.Hour,
		LogRetention:       24 * time.Hour,
		Backoff:            []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second},
	}

	eng, err := engine.New(engConfig)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	eng.RegisterAgentHandler("demo", echoHandler())
	eng.RegisterHandler("flaky", flakyHandler())
	eng.RegisterHandler("doomed", types.HandlerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return nil, fmt.Errorf("simulated permanent failure")
	}))

	if err := eng.Start(); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	ctx := context.Background()
	for _, agent := range cfg.Workers.Agents {
		if _, err := eng.RegisterAgent(ctx, agent.AgentType, agent.Capabilities, agent.MaxConcurrent); err != nil {
			log.Fatalf("Failed to register agent %s: %v", agent.AgentType, err)
		}
	}

	fmt.Printf("✓ Engine started (mode: %s, store: %s)\n", mode, cfg.Store.Path)

	// Setup signal handling early
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if mode == "start" {
		time.Sleep(500 * time.Millisecond)

		// Check if we have tasks from a previous run first
		stats, err := eng.QueueMetrics(ctx)
		if err != nil {
			log.Fatalf("Failed to read queue metrics: %v", err)
		}

		if stats.Total > 0 {
			fmt.Printf("\n⚠️  Found existing tasks from previous run (recovered from the store!)\n")
			printStats("Current Status (after restart)", stats)
			fmt.Printf("\n💡 This proves: every task lives in SQLite, not in memory!\n")
			fmt.Printf("   Delete %s to start fresh\n", cfg.Store.Path)
		} else {
			submitted := submitDemoTasks(ctx, eng)
			fmt.Printf("✓ Submitted %d tasks (mixed priorities, one workflow, one flaky, one doomed)\n", submitted)
			fmt.Printf("\n⚡ Tasks are being processed by the demo agents...\n")
			fmt.Printf("💡 Press Ctrl+C NOW (within ~2 seconds) to leave tasks pending,\n")
			fmt.Printf("   then run 'go run cmd/demo/main.go recover' to watch them survive!\n\n")

			// Show status updates every 100ms to catch tasks mid-flight
			for i := 0; i < 20; i++ {
				select {
				case <-sigChan:
					shutdown(eng)
					return
				case <-time.After(100 * time.Millisecond):
					stats, err = eng.QueueMetrics(ctx)
					if err == nil && (stats.Pending > 0 || stats.Running > 0 || stats.Retrying > 0) {
						fmt.Printf("📊 Status: Pending=%d, Running=%d, Retrying=%d, Completed=%d, DeadLetter=%d\n",
							stats.Pending, stats.Running, stats.Retrying, stats.Completed, stats.DeadLetter)
					}
				}
			}

			stats, _ = eng.QueueMetrics(ctx)
			printStats("Status Snapshot (after 2 seconds)", stats)

			if stats.Retrying > 0 {
				fmt.Printf("\n🔁 The flaky task is waiting out its backoff before the next attempt\n")
			}
			if stats.DeadLetter > 0 {
				fmt.Printf("☠️  The doomed task exhausted its retries and landed in the dead-letter queue\n")
			}
		}
	} else if mode == "recover" {
		// Show immediate status after restart (before workers pick things up again)
		time.Sleep(500 * time.Millisecond)

		stats, err := eng.QueueMetrics(ctx)
		if err != nil {
			log.Fatalf("Failed to read queue metrics: %v", err)
		}
		printStats("Immediate Status After Restart", stats)

		if stats.Total > 0 {
			fmt.Printf("\n✓ Found %d tasks in the store from the previous run!\n", stats.Total)
			fmt.Printf("  (Tasks stuck in 'running' are re-queued once the running timeout expires)\n")
		}

		// Wait a bit and show final status
		fmt.Printf("\n⏳ Waiting 8 seconds for stuck tasks to time out and finish...\n")
		time.Sleep(8 * time.Second)

		stats, _ = eng.QueueMetrics(ctx)
		printStats("Final Status (after processing)", stats)
	}

	// Wait for signal
	<-sigChan
	shutdown(eng)
}

func submitDemoTasks(ctx context.Context, eng *engine.Engine) int {
	submitted := 0
	priorities := []types.Priority{types.PriorityUrgent, types.PriorityHigh, types.PriorityMedium, types.PriorityLow}

	for i := 1; i <= 12; i++ {
		payload, _ := json.Marshal(map[string]any{"n": i, "work_ms": 150})
		_, err := eng.SubmitTask(ctx, types.TaskSpec{
			Type:      "echo",
			AgentType: "demo",
			Payload:   payload,
		}, engine.WithPriority(priorities[i%len(priorities)]))
		if err != nil {
			log.Printf("submit echo task %d: %v", i, err)
			continue
		}
		submitted++
	}

	// 三步工作流：extract → transform → load
	steps := []types.WorkflowStep{
		{StepID: "extract", TaskType: "flaky", AgentType: "demo", Payload: json.RawMessage(`{"id":"wf-extract"}`)},
		{StepID: "transform", TaskType: "echo", AgentType: "demo", DependsOn: []string{"extract"}},
		{StepID: "load", TaskType: "echo", AgentType: "demo", DependsOn: []string{"transform"}},
	}
	if ids, err := eng.SubmitWorkflow(ctx, steps); err != nil {
		log.Printf("submit workflow: %v", err)
	} else {
		submitted += len(ids)
	}

	// 注定失敗的任務，示範重試耗盡後進入死信佇列
	two := 2
	if _, err := eng.SubmitTask(ctx, types.TaskSpec{
		Type:       "doomed",
		AgentType:  "demo",
		MaxRetries: &two,
	}); err != nil {
		log.Printf("submit doomed task: %v", err)
	} else {
		submitted++
	}

	return submitted
}

// echoHandler 模擬真實工作負載：睡 work_ms 毫秒後原樣回傳 payload
func echoHandler() types.TaskHandler {
	return types.HandlerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var req struct {
			WorkMs int `json:"work_ms"`
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &req)
		}
		if req.WorkMs > 0 {
			select {
			case <-time.After(time.Duration(req.WorkMs) * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return payload, nil
	})
}

// flakyHandler 以 payload 的 id 欄位記錄嘗試次數，第三次才成功
func flakyHandler() types.TaskHandler {
	var attempts sync.Map
	return types.HandlerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var req struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(payload, &req)

		n, _ := attempts.LoadOrStore(req.ID, new(int))
		count := n.(*int)
		*count++
		if *count < 3 {
			return nil, fmt.Errorf("transient failure (attempt %d)", *count)
		}
		return json.RawMessage(`{"ok":true}`), nil
	})
}

func printStats(title string, stats types.QueueMetrics) {
	fmt.Printf("\n📊 %s:\n", title)
	fmt.Printf("  Pending:     %d\n", stats.Pending)
	fmt.Printf("  Running:     %d\n", stats.Running)
	fmt.Printf("  Retrying:    %d\n", stats.Retrying)
	fmt.Printf("  Completed:   %d\n", stats.Completed)
	fmt.Printf("  Dead-Letter: %d\n", stats.DeadLetter)
	fmt.Printf("  ─────────────────\n")
	fmt.Printf("  Total:       %d\n", stats.Total)
	if stats.Completed > 0 {
		fmt.Printf("  Success:     %.0f%%\n", stats.SuccessRate*100)
	}
}

func shutdown(eng *engine.Engine) {
	fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		log.Printf("engine stop: %v", err)
	}
	fmt.Println("✓ Engine stopped")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

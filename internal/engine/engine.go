// ============================================================================
// Falcon-Queue Engine - 系統核心協調器
// ============================================================================
//
// Package: internal/engine
// 文件: engine.go
// 功能: 對外的唯一門面，組裝並協調所有模組
//
// 架構設計:
//   這是整個系統的"大腦"，負責組裝以下組件：
//   - Store:      SQLite 持久化與原子認領
//   - Registry:   worker 生命週期與認領迴圈
//   - Scheduler:  時間驅動的狀態推進（重試回隊、逾時回收、喚醒）
//   - Executor:   handler 執行與結果落地
//   - Retry:      退避與死信路由
//   - Aggregator: 佇列統計與快取
//   - Janitor:    保留期清理
//   - Cron:       週期性任務模板提交
//
// 生命週期:
//   New(config) 開啟儲存層並完成全部接線，但不啟動任何迴圈。
//   Start() 啟動所有背景迴圈；Stop(ctx) 依序關閉：
//   1. 停止收件（後續 Submit 一律拒絕）
//   2. cron -> scheduler：不再產生新的輸入
//   3. registry：等待執行中的任務自然結束
//   4. janitor -> aggregator：最後一次統計刷新後停止
//   5. 關閉儲存層
//
// 並發安全:
//   Engine 本身只持有生命週期旗標的鎖；所有資料一致性由儲存層的
//   條件式 UPDATE 保證，不存在全域大鎖。
//
// ============================================================================

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ChuLiYu/falcon-queue/internal/executor"
	"github.com/ChuLiYu/falcon-queue/internal/janitor"
	"github.com/ChuLiYu/falcon-queue/internal/metrics"
	"github.com/ChuLiYu/falcon-queue/internal/registry"
	"github.com/ChuLiYu/falcon-queue/internal/retry"
	"github.com/ChuLiYu/falcon-queue/internal/scheduler"
	"github.com/ChuLiYu/falcon-queue/internal/store"
	"github.com/ChuLiYu/falcon-queue/pkg/types"
)

var log = slog.Default()

const (
	// DefaultMaxRetries 未指定時的重試次數上限
	DefaultMaxRetries = 3
	// DefaultAwaitPoll AwaitTask 的預設輪詢週期
	DefaultAwaitPoll = 100 * time.Millisecond
)

// ErrEngineStopped 引擎已停止，不再接受提交
var ErrEngineStopped = errors.New("engine is stopped")

// ============================================================================
// 配置
// ============================================================================

// Config Engine 配置。零值欄位使用各組件的預設。
type Config struct {
	StorePath string // SQLite 檔案路徑；空字串使用 ":memory:"（非持久，限測試）

	SchedulerInterval time.Duration // 調度迴圈週期
	RunningTimeout    time.Duration // Running 任務的卡死閾值
	ExecTimeout       time.Duration // 單次 handler 執行的超時上限

	HeartbeatInterval time.Duration // worker 心跳刷新週期
	StaleAfter        time.Duration // 心跳逾時門檻
	IdlePoll          time.Duration // worker 無喚醒時的保底輪詢週期

	MetricsInterval  time.Duration // 統計重算週期
	MetricsStaleness time.Duration // 統計快取有效期

	CleanupInterval    time.Duration // 清理迴圈週期
	CompletedRetention time.Duration // 已完成任務保留期
	LogRetention       time.Duration // 執行日誌保留期

	Backoff []time.Duration // 重試退避層級，空值使用預設表

	EnablePrometheus bool // 是否註冊 Prometheus collector（行程內只能啟用一次）
}

// ============================================================================
// Engine
// ============================================================================

// Engine 任務佇列引擎
type Engine struct {
	cfg       Config
	store     *store.Store
	handlers  *executor.HandlerRegistry
	retryMgr  *retry.Manager
	exec      *executor.Executor
	collector *metrics.Collector
	agg       *metrics.Aggregator
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	janitor   *janitor.Janitor
	cron      *cron.Cron

	mu      sync.Mutex
	started bool
	stopped bool
}

// New 建立 Engine 並完成全部組件接線。此時尚未啟動任何背景迴圈。
func New(cfg Config) (*Engine, error) {
	path := cfg.StorePath
	if path == "" {
		path = ":memory:"
	}

	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var collector *metrics.Collector
	if cfg.EnablePrometheus {
		collector = metrics.NewCollector()
	}

	handlers := executor.NewHandlerRegistry()
	retryMgr := retry.NewManager(st, retry.NewPolicy(cfg.Backoff))
	exec := executor.New(st, retryMgr, handlers, collector, cfg.ExecTimeout)
	reg := registry.New(st, exec, collector, registry.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleAfter:        cfg.StaleAfter,
		IdlePoll:          cfg.IdlePoll,
	})
	sched := scheduler.New(st, retryMgr, reg, collector, cfg.SchedulerInterval, cfg.RunningTimeout)
	jan := janitor.New(st, reg, cfg.CleanupInterval, cfg.CompletedRetention, cfg.LogRetention)
	agg := metrics.NewAggregator(st, collector, cfg.MetricsInterval, cfg.MetricsStaleness)

	return &Engine{
		cfg:       cfg,
		store:     st,
		handlers:  handlers,
		retryMgr:  retryMgr,
		exec:      exec,
		collector: collector,
		agg:       agg,
		registry:  reg,
		scheduler: sched,
		janitor:   jan,
		cron:      cron.New(),
	}, nil
}

// Start 啟動所有背景迴圈。重複呼叫與停止後重啟都會回傳錯誤。
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrEngineStopped
	}
	if e.started {
		return errors.New("engine already started")
	}
	e.started = true

	e.registry.Start()
	e.scheduler.Start()
	e.janitor.Start()
	e.agg.Start()
	e.cron.Start()

	log.Info("engine started", "store", e.cfg.StorePath)
	return nil
}

// Stop 優雅關閉引擎
//
// 關閉順序：
//  1. 標記 stopped，拒絕後續提交
//  2. cron / scheduler 停止，不再有新的輸入或狀態推進
//  3. registry 停止：通知所有 worker 迴圈，等待執行中的任務結束
//  4. janitor 停止；aggregator 做最後一次刷新後停止
//  5. 關閉儲存層
//
// 未啟動過的引擎只關閉儲存層（一次性 CLI 操作走這條路）。
// ctx 到期時提前返回 ctx 的錯誤，關閉流程仍在背景繼續完成。
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		log.Info("engine already stopped")
		return nil
	}
	e.stopped = true
	started := e.started
	e.mu.Unlock()

	if !started {
		if err := e.store.Close(); err != nil {
			return fmt.Errorf("close store: %w", err)
		}
		return nil
	}

	log.Info("stopping engine...")

	done := make(chan struct{})
	go func() {
		defer close(done)

		<-e.cron.Stop().Done()
		e.scheduler.Stop()
		e.registry.Stop()
		e.janitor.Stop()

		// 最後一次統計刷新，讓關閉前的完成數落入快照
		if _, err := e.agg.Refresh(context.Background()); err != nil {
			log.Error("final metrics refresh failed", "error", err)
		}
		e.agg.Stop()

		if err := e.store.Close(); err != nil {
			log.Error("store close failed", "error", err)
		}
		log.Info("engine stopped")
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown interrupted: %w", ctx.Err())
	}
}

// ============================================================================
// 任務提交
// ============================================================================

// SubmitOption 在 TaskSpec 之上疊加提交參數
type SubmitOption func(*types.TaskSpec)

// WithPriority 指定優先級
func WithPriority(p types.Priority) SubmitOption {
	return func(s *types.TaskSpec) { s.Priority = p }
}

// WithMaxRetries 指定重試次數上限
func WithMaxRetries(n int) SubmitOption {
	return func(s *types.TaskSpec) { s.MaxRetries = &n }
}

// WithDependencies 指定前置任務
func WithDependencies(ids ...types.TaskID) SubmitOption {
	return func(s *types.TaskSpec) { s.Dependencies = append(s.Dependencies, ids...) }
}

// WithScheduledAt 指定最早可調度時間（延遲執行）
func WithScheduledAt(t time.Time) SubmitOption {
	return func(s *types.TaskSpec) { s.ScheduledAt = &t }
}

// WithMetadata 附加一筆標註
func WithMetadata(key, value string) SubmitOption {
	return func(s *types.TaskSpec) {
		if s.Metadata == nil {
			s.Metadata = make(map[string]string)
		}
		s.Metadata[key] = value
	}
}

// SubmitTask 提交單一任務，回傳分配的任務 ID。
//
// 驗證失敗時同步回傳 ValidationError，不會建立任何任務。
// 未指定的欄位使用預設：priority=medium、max_retries=3、
// scheduled_at=now。
func (e *Engine) SubmitTask(ctx context.Context, spec types.TaskSpec, opts ...SubmitOption) (types.TaskID, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return "", ErrEngineStopped
	}
	e.mu.Unlock()

	for _, opt := range opts {
		opt(&spec)
	}
	if err := types.ValidateSpec(&spec); err != nil {
		return "", err
	}

	task := taskFromSpec(&spec, time.Now().UTC())
	if err := e.store.SaveTask(ctx, task); err != nil {
		return "", err
	}
	if e.collector != nil {
		e.collector.RecordSubmitted()
	}
	e.registry.Notify(task.AgentType)

	log.Info("task submitted",
		"task_id", task.ID,
		"type", task.Type,
		"agent_type", task.AgentType,
		"priority", task.Priority)
	return task.ID, nil
}

// taskFromSpec 將驗證過的規格展開成帶預設值的任務
func taskFromSpec(spec *types.TaskSpec, now time.Time) *types.Task {
	priority := spec.Priority
	if priority == "" {
		priority = types.PriorityMedium
	}
	maxRetries := DefaultMaxRetries
	if spec.MaxRetries != nil {
		maxRetries = *spec.MaxRetries
	}
	scheduledAt := now
	if spec.ScheduledAt != nil {
		scheduledAt = spec.ScheduledAt.UTC()
	}

	return &types.Task{
		ID:           types.TaskID("t-" + uuid.NewString()),
		Type:         spec.Type,
		AgentType:    spec.AgentType,
		Payload:      spec.Payload,
		Priority:     priority,
		Dependencies: spec.Dependencies,
		MaxRetries:   maxRetries,
		Status:       types.StatusPending,
		ScheduledAt:  scheduledAt,
		CreatedAt:    now,
		UpdatedAt:    now,
		Metadata:     spec.Metadata,
	}
}

// ============================================================================
// Worker 與 handler 註冊
// ============================================================================

// RegisterAgent 註冊一個 worker 並啟動其認領迴圈，回傳分配的 worker ID
func (e *Engine) RegisterAgent(ctx context.Context, agentType string, capabilities []string, maxConcurrent int) (types.WorkerID, error) {
	id, err := e.registry.Register(ctx, agentType, capabilities, maxConcurrent)
	if err != nil {
		return "", err
	}
	e.refreshWorkerGauge(ctx)
	return id, nil
}

// DeregisterAgent 停止並移除一個 worker
func (e *Engine) DeregisterAgent(ctx context.Context, id types.WorkerID) error {
	if err := e.registry.Deregister(ctx, id); err != nil {
		return err
	}
	e.refreshWorkerGauge(ctx)
	return nil
}

// RegisterHandler 為特定任務 type 綁定 handler。綁定在註冊時解析，
// 之後提交的該 type 任務一律由此 handler 執行。
func (e *Engine) RegisterHandler(taskType string, h types.TaskHandler) {
	e.handlers.RegisterType(taskType, h)
	log.Info("handler registered", "task_type", taskType)
}

// RegisterAgentHandler 為整個 agent_type 綁定預設 handler，
// 處理所有沒有 type 專屬 handler 的任務
func (e *Engine) RegisterAgentHandler(agentType string, h types.TaskHandler) {
	e.handlers.RegisterAgentDefault(agentType, h)
	log.Info("agent default handler registered", "agent_type", agentType)
}

func (e *Engine) refreshWorkerGauge(ctx context.Context) {
	if e.collector == nil {
		return
	}
	workers, err := e.store.ListWorkers(ctx)
	if err != nil {
		log.Error("worker gauge refresh failed", "error", err)
		return
	}
	e.collector.UpdateWorkerGauge(len(workers))
}

// ============================================================================
// 查詢介面
// ============================================================================

// TaskStatusView 任務狀態查詢結果
type TaskStatusView struct {
	ID         types.TaskID    `json:"id"`
	Status     types.Status    `json:"status"`
	Progress   float64         `json:"progress"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`

	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// WaitingOn 尚未完成的前置任務（僅 pending 任務會填寫）
	WaitingOn []types.TaskID `json:"waiting_on,omitempty"`
}

// AgentStatusView 單一 worker 的狀態查詢結果
type AgentStatusView struct {
	AgentType     string             `json:"agent_type"`
	Status        types.WorkerStatus `json:"status"`
	CurrentTaskID types.TaskID       `json:"current_task_id,omitempty"`
	CurrentLoad   int                `json:"current_load"`
	MaxConcurrent int                `json:"max_concurrent_tasks"`
	Completed     int64              `json:"completed_tasks"`
	Capabilities  []string           `json:"capabilities,omitempty"`
	LastHeartbeat time.Time          `json:"last_heartbeat"`
}

// TaskStatus 查詢單一任務的狀態。未知 ID 回傳 NotFoundError。
func (e *Engine) TaskStatus(ctx context.Context, id types.TaskID) (*TaskStatusView, error) {
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &TaskStatusView{
		ID:          task.ID,
		Status:      task.Status,
		Progress:    progressOf(task.Status),
		RetryCount:  task.RetryCount,
		MaxRetries:  task.MaxRetries,
		Error:       task.ErrorMessage,
		Result:      task.Result,
		ScheduledAt: task.ScheduledAt,
		StartedAt:   task.StartedAt,
		CompletedAt: task.CompletedAt,
		CreatedAt:   task.CreatedAt,
		UpdatedAt:   task.UpdatedAt,
	}

	if task.Status == types.StatusPending && len(task.Dependencies) > 0 {
		waiting, err := e.store.UnsatisfiedDeps(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve waiting dependencies: %w", err)
		}
		view.WaitingOn = waiting
	}
	return view, nil
}

// progressOf 由狀態估算進度：終態 1.0，執行中 0.5，其餘 0.0
func progressOf(s types.Status) float64 {
	switch {
	case s.Terminal():
		return 1.0
	case s == types.StatusRunning:
		return 0.5
	}
	return 0.0
}

// CancelTask 取消一個尚未開始執行的任務。
// 僅 pending/retrying 可取消（回傳 true）；其餘狀態 no-op 回傳 false。
// 重複取消回傳 false，不報錯。
func (e *Engine) CancelTask(ctx context.Context, id types.TaskID) (bool, error) {
	cancelled, err := e.store.CancelTask(ctx, id)
	if err != nil {
		return false, err
	}
	if cancelled {
		if e.collector != nil {
			e.collector.RecordCancelled()
		}
		log.Info("task cancelled", "task_id", id)
	}
	return cancelled, nil
}

// QueueMetrics 回傳佇列層級統計（快取時效內直接回傳快照）
func (e *Engine) QueueMetrics(ctx context.Context) (types.QueueMetrics, error) {
	return e.agg.Snapshot(ctx)
}

// AgentStatus 回傳所有在籍 worker 的狀態
func (e *Engine) AgentStatus(ctx context.Context) (map[types.WorkerID]AgentStatusView, error) {
	workers, err := e.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[types.WorkerID]AgentStatusView, len(workers))
	for _, w := range workers {
		out[w.ID] = AgentStatusView{
			AgentType:     w.AgentType,
			Status:        w.Status,
			CurrentTaskID: w.CurrentTaskID,
			CurrentLoad:   w.CurrentLoad,
			MaxConcurrent: w.MaxConcurrent,
			Completed:     w.Completed,
			Capabilities:  w.Capabilities,
			LastHeartbeat: w.LastHeartbeat,
		}
	}
	return out, nil
}

// TaskHistory 回傳任務的完整審計軌跡。
// 日誌保留期比任務本身長，已清理任務的軌跡仍可查詢。
func (e *Engine) TaskHistory(ctx context.Context, id types.TaskID) ([]types.LogEntry, error) {
	return e.store.TaskHistory(ctx, id)
}

// ============================================================================
// 等待與重放
// ============================================================================

// AwaitTask 阻塞等待任務進入終態。
//
// completed 回傳 handler 的結果；dead_letter 回傳 DeadLetterError；
// cancelled 回傳 ErrTaskCancelled。poll <= 0 時使用預設輪詢週期。
func (e *Engine) AwaitTask(ctx context.Context, id types.TaskID, poll time.Duration) (json.RawMessage, error) {
	if poll <= 0 {
		poll = DefaultAwaitPoll
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		task, err := e.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}

		switch task.Status {
		case types.StatusCompleted:
			return task.Result, nil
		case types.StatusDeadLetter:
			return nil, &types.DeadLetterError{
				TaskID:    task.ID,
				Attempts:  task.RetryCount,
				LastError: task.ErrorMessage,
			}
		case types.StatusCancelled:
			return nil, fmt.Errorf("await task %s: %w", id, types.ErrTaskCancelled)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ReplayDeadLetter 手動重放一個死信任務：重置重試預算並重新排隊。
// 這是離開 dead_letter 的唯一途徑，僅供人工介入使用。
func (e *Engine) ReplayDeadLetter(ctx context.Context, id types.TaskID) error {
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if err := e.store.RequeueDeadLetter(ctx, id, time.Now().UTC()); err != nil {
		return err
	}
	e.registry.Notify(task.AgentType)
	log.Info("dead letter replayed", "task_id", id)
	return nil
}

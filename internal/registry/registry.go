// ============================================================================
// Falcon-Queue Worker Registry - Worker 生命週期與認領迴圈
// ============================================================================
//
// Package: internal/registry
// 文件: registry.go
// 功能: 管理 worker 的註冊、心跳、認領迴圈與容量控制
//
// 架構組件:
//   ┌──────────┐  Notify(agent_type)   ┌─────────────────┐
//   │  Engine  │ ────────────────────> │    notifier     │
//   └──────────┘                       │  (每類型一條)    │
//        │ Register()                  └────────┬────────┘
//        v                                      v
//   ┌──────────────────────────────────────────────────┐
//   │ Registry                                         │
//   │  ┌─────────┐  佇列喚醒 / 閒置輪詢 / stopCh        │
//   │  │worker A │──> ClaimNextReady ──> Executor.Run  │
//   │  │worker B │       (原子認領)                     │
//   │  └─────────┘                                     │
//   └──────────────────────────────────────────────────┘
//
// 等待模型:
//   worker 迴圈阻塞在三路 select 上：喚醒通知、閒置輪詢 ticker、
//   停止訊號。沒有就緒任務時不做任何空轉查詢；提交與重試回隊都
//   會透過 Notify 喚醒對應類型的 worker。
//
// 容量控制:
//   每個 worker 持有 max_concurrent_tasks 個執行槽（帶緩衝
//   channel 作為號誌），滿載時不再認領，槽釋放後於下一次喚醒
//   繼續。
//
// 心跳:
//   單一背景迴圈定期刷新所有在籍 worker 的 last_heartbeat。
//   心跳逾期的紀錄（通常來自已死亡的舊行程）由調度器呼叫
//   RemoveStale 摘除。
//
// 優雅關閉:
//   Stop() 流程：
//   1. 關閉 stopCh，所有迴圈停止認領新任務
//   2. WaitGroup 等待執行中的任務自然結束
//   3. 在籍 worker 標記為 offline
//
// ============================================================================

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/falcon-queue/internal/executor"
	"github.com/ChuLiYu/falcon-queue/internal/metrics"
	"github.com/ChuLiYu/falcon-queue/internal/store"
	"github.com/ChuLiYu/falcon-queue/pkg/types"
)

var log = slog.Default()

const (
	// DefaultHeartbeatInterval 心跳刷新週期
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultStaleAfter 心跳逾時門檻，超過即視為失聯
	DefaultStaleAfter = 5 * time.Minute
	// DefaultIdlePoll 無喚醒訊號時的保底輪詢週期
	DefaultIdlePoll = time.Second
)

// ErrRegistryStopped 註冊表已停止，不再接受操作
var ErrRegistryStopped = errors.New("worker registry is stopped")

// Options 註冊表調校參數，零值使用預設
type Options struct {
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	IdlePoll          time.Duration
}

// workerHandle 單一在籍 worker 的執行狀態
type workerHandle struct {
	id        types.WorkerID
	agentType string
	slots     chan struct{} // 執行槽號誌，容量 = max_concurrent_tasks
	stopCh    chan struct{} // 單獨登出此 worker 用
}

// Registry Worker 註冊表
type Registry struct {
	store     *store.Store
	exec      *executor.Executor
	collector *metrics.Collector
	opts      Options

	mu        sync.Mutex
	workers   map[types.WorkerID]*workerHandle
	notifiers map[string]chan struct{} // agent_type -> 喚醒通道
	started   bool
	stopped   bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New 建立註冊表
func New(st *store.Store, exec *executor.Executor, collector *metrics.Collector, opts Options) *Registry {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.IdlePoll <= 0 {
		opts.IdlePoll = DefaultIdlePoll
	}
	return &Registry{
		store:     st,
		exec:      exec,
		collector: collector,
		opts:      opts,
		workers:   make(map[types.WorkerID]*workerHandle),
		notifiers: make(map[string]chan struct{}),
		stopCh:    make(chan struct{}),
	}
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 啟動心跳迴圈與所有已註冊 worker 的認領迴圈
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return
	}
	r.started = true

	r.wg.Add(1)
	go r.heartbeatLoop()

	for _, h := range r.workers {
		r.wg.Add(1)
		go r.runWorker(h)
	}
}

// Stop 停止所有迴圈，等待執行中的任務結束，並把在籍 worker 標記為 offline
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()

	ctx := context.Background()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.workers {
		if err := r.store.UpdateWorkerState(ctx, id, types.WorkerOffline, 0, ""); err != nil {
			log.Error("mark worker offline failed", "worker_id", id, "error", err)
		}
	}
}

// ============================================================================
// 註冊與登出
// ============================================================================

// Register 註冊一個新 worker 並（若註冊表已啟動）立刻開始認領。
// maxConcurrent <= 0 時視為 1。回傳分配的 worker ID。
func (r *Registry) Register(ctx context.Context, agentType string, capabilities []string, maxConcurrent int) (types.WorkerID, error) {
	if agentType == "" {
		return "", &types.ValidationError{Field: "agent_type", Reason: "must not be empty"}
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return "", ErrRegistryStopped
	}
	r.mu.Unlock()

	id := types.WorkerID("w-" + uuid.NewString())
	now := time.Now().UTC()
	worker := &types.Worker{
		ID:            id,
		AgentType:     agentType,
		Status:        types.WorkerIdle,
		Capabilities:  capabilities,
		MaxConcurrent: maxConcurrent,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	if err := r.store.SaveWorker(ctx, worker); err != nil {
		return "", fmt.Errorf("persist worker: %w", err)
	}

	h := &workerHandle{
		id:        id,
		agentType: agentType,
		slots:     make(chan struct{}, maxConcurrent),
		stopCh:    make(chan struct{}),
	}

	r.mu.Lock()
	r.workers[id] = h
	if _, ok := r.notifiers[agentType]; !ok {
		r.notifiers[agentType] = make(chan struct{}, 1)
	}
	started := r.started
	r.mu.Unlock()

	if started {
		r.wg.Add(1)
		go r.runWorker(h)
	}

	log.Info("worker registered",
		"worker_id", id,
		"agent_type", agentType,
		"max_concurrent", maxConcurrent)
	return id, nil
}

// Deregister 將單一 worker 移出註冊表並刪除其紀錄
func (r *Registry) Deregister(ctx context.Context, id types.WorkerID) error {
	r.mu.Lock()
	h, ok := r.workers[id]
	if ok {
		delete(r.workers, id)
	}
	r.mu.Unlock()

	if ok {
		close(h.stopCh)
	}
	if err := r.store.DeleteWorker(ctx, id); err != nil {
		return err
	}
	log.Info("worker deregistered", "worker_id", id)
	return nil
}

// Notify 喚醒指定 agent_type 的一個 worker；無人在籍時為 no-op
func (r *Registry) Notify(agentType string) {
	r.mu.Lock()
	ch, ok := r.notifiers[agentType]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// RemoveStale 摘除心跳逾期的 worker 紀錄（通常屬於已死亡的行程）。
// 仍在籍的 worker 只會被心跳迴圈續約，不會被誤刪。回傳移除數量。
func (r *Registry) RemoveStale(ctx context.Context, now time.Time) (int, error) {
	ids, err := r.store.StaleWorkers(ctx, now.Add(-r.opts.StaleAfter))
	if err != nil {
		return 0, fmt.Errorf("scan stale workers: %w", err)
	}

	removed := 0
	for _, id := range ids {
		r.mu.Lock()
		h, live := r.workers[id]
		r.mu.Unlock()
		if live {
			// 在籍但心跳逾期：立即續約而非摘除
			if err := r.store.UpdateHeartbeat(ctx, h.id, now); err != nil {
				log.Error("heartbeat renew failed", "worker_id", id, "error", err)
			}
			continue
		}

		if err := r.store.DeleteWorker(ctx, id); err != nil {
			log.Error("remove stale worker failed", "worker_id", id, "error", err)
			continue
		}
		removed++
		log.Warn("stale worker removed", "worker_id", id)
	}
	return removed, nil
}

// ============================================================================
// 背景迴圈
// ============================================================================

func (r *Registry) heartbeatLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.refreshHeartbeats()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) refreshHeartbeats() {
	r.mu.Lock()
	ids := make([]types.WorkerID, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	ctx := context.Background()
	now := time.Now().UTC()
	for _, id := range ids {
		if err := r.store.UpdateHeartbeat(ctx, id, now); err != nil {
			log.Error("heartbeat update failed", "worker_id", id, "error", err)
		}
	}
}

// runWorker 單一 worker 的認領迴圈
func (r *Registry) runWorker(h *workerHandle) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.IdlePoll)
	defer ticker.Stop()

	// 啟動時先掃一次積壓
	r.drainClaims(h)

	for {
		select {
		case <-r.stopCh:
			return
		case <-h.stopCh:
			return
		case <-r.notifierFor(h.agentType):
			r.drainClaims(h)
		case <-ticker.C:
			r.drainClaims(h)
		}
	}
}

func (r *Registry) notifierFor(agentType string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notifiers[agentType]
}

// drainClaims 在容量內持續認領就緒任務並提交執行
func (r *Registry) drainClaims(h *workerHandle) {
	ctx := context.Background()

	for {
		select {
		case <-r.stopCh:
			return
		case <-h.stopCh:
			return
		case h.slots <- struct{}{}: // 取得一個執行槽
		default:
			return // 滿載，等待槽釋放
		}

		task, err := r.store.ClaimNextReady(ctx, h.agentType, h.id, time.Now().UTC())
		if err != nil {
			<-h.slots
			if !errors.Is(err, store.ErrNoReadyTask) {
				log.Error("claim failed", "worker_id", h.id, "error", err)
			}
			return
		}

		if r.collector != nil {
			r.collector.RecordClaimed()
		}
		r.updateLoad(ctx, h, task.ID)

		r.wg.Add(1)
		go func(task *types.Task) {
			defer r.wg.Done()
			defer func() {
				<-h.slots
				r.updateLoad(ctx, h, "")
			}()

			status, err := r.exec.Run(ctx, task, h.id)
			if err != nil {
				log.Error("task execution bookkeeping failed",
					"task_id", task.ID,
					"worker_id", h.id,
					"error", err)
				return
			}
			if status == types.StatusCompleted {
				if err := r.store.IncrementWorkerCompleted(ctx, h.id); err != nil {
					log.Error("worker counter update failed", "worker_id", h.id, "error", err)
				}
			}
		}(task)
	}
}

// updateLoad 依目前占用槽數更新 worker 的狀態紀錄
func (r *Registry) updateLoad(ctx context.Context, h *workerHandle, current types.TaskID) {
	load := len(h.slots)
	status := types.WorkerIdle
	switch {
	case load >= cap(h.slots):
		status = types.WorkerBusy
	case load > 0:
		status = types.WorkerActive
	}
	if err := r.store.UpdateWorkerState(ctx, h.id, status, load, current); err != nil {
		log.Error("worker state update failed", "worker_id", h.id, "error", err)
	}
}

// ============================================================================
// Falcon-Queue 調度器 - 時間驅動的狀態推進
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 以固定週期推進依賴時間的狀態轉換
//
// 每一輪 Tick 做三件事：
//   1. 退避結束的 retrying 任務翻回 pending 並喚醒對應 worker
//   2. 執行超過卡死閾值的 running 任務按逾時失敗處理
//      （走重試管理器，消耗重試預算）
//   3. 對存在就緒任務的 agent_type 發出喚醒，涵蓋 scheduled_at
//      剛到期的延遲任務
//
// 單輪中任何一步失敗只記錄日誌，不中斷迴圈，下一輪重新來過。
// 排序與認領本身不在這裡發生，全部由儲存層查詢決定。
//
// ============================================================================

package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/falcon-queue/internal/metrics"
	"github.com/ChuLiYu/falcon-queue/internal/retry"
	"github.com/ChuLiYu/falcon-queue/internal/store"
	"github.com/ChuLiYu/falcon-queue/pkg/types"
)

var log = slog.Default()

const (
	// DefaultInterval 調度迴圈週期
	DefaultInterval = time.Second
	// DefaultRunningTimeout Running 任務的卡死閾值
	DefaultRunningTimeout = time.Hour
)

// Notifier 喚醒指定 agent_type 的 worker
type Notifier interface {
	Notify(agentType string)
}

// Scheduler 時間驅動調度器
type Scheduler struct {
	store     *store.Store
	retryMgr  *retry.Manager
	notifier  Notifier
	collector *metrics.Collector

	interval       time.Duration
	runningTimeout time.Duration

	stopCh chan struct{}
	loopWg sync.WaitGroup
}

// New 建立調度器；interval 與 runningTimeout 為零時使用預設值
func New(st *store.Store, rm *retry.Manager, notifier Notifier, collector *metrics.Collector, interval, runningTimeout time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if runningTimeout <= 0 {
		runningTimeout = DefaultRunningTimeout
	}
	return &Scheduler{
		store:          st,
		retryMgr:       rm,
		notifier:       notifier,
		collector:      collector,
		interval:       interval,
		runningTimeout: runningTimeout,
		stopCh:         make(chan struct{}),
	}
}

// Start 啟動調度迴圈
func (s *Scheduler) Start() {
	s.loopWg.Add(1)
	go s.loop()
}

// Stop 停止調度迴圈並等待退出
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.loopWg.Wait()
}

func (s *Scheduler) loop() {
	defer s.loopWg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick(context.Background(), time.Now().UTC())
		case <-s.stopCh:
			return
		}
	}
}

// Tick 執行單輪調度。對時間明確的呼叫方（測試、手動觸發）開放。
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.promoteDueRetries(ctx, now)
	s.reclaimStuckRunning(ctx, now)
	s.wakeReadyWorkers(ctx, now)
}

// promoteDueRetries 把退避結束的任務翻回 pending
func (s *Scheduler) promoteDueRetries(ctx context.Context, now time.Time) {
	due, err := s.store.DueRetrying(ctx, now)
	if err != nil {
		log.Error("due retry scan failed", "error", err)
		return
	}

	woken := make(map[string]struct{})
	for _, d := range due {
		ok, err := s.store.PromoteRetrying(ctx, d.ID)
		if err != nil {
			log.Error("retry promotion failed", "task_id", d.ID, "error", err)
			continue
		}
		if !ok {
			// 退避期間被取消
			continue
		}
		log.Debug("retry promoted", "task_id", d.ID)
		woken[d.AgentType] = struct{}{}
	}

	if s.notifier != nil {
		for agentType := range woken {
			s.notifier.Notify(agentType)
		}
	}
}

// reclaimStuckRunning 將卡死的 running 任務按逾時失敗處理
func (s *Scheduler) reclaimStuckRunning(ctx context.Context, now time.Time) {
	stuck, err := s.store.StuckRunning(ctx, now.Add(-s.runningTimeout))
	if err != nil {
		log.Error("stuck running scan failed", "error", err)
		return
	}

	for _, task := range stuck {
		cause := &types.TimeoutError{TaskID: task.ID, After: s.runningTimeout}
		status, err := s.retryMgr.HandleFailure(ctx, task, cause)
		if err != nil {
			log.Error("timeout reclaim failed", "task_id", task.ID, "error", err)
			continue
		}
		if s.collector != nil {
			s.collector.RecordTimeout()
		}
		log.Warn("running task reclaimed after timeout",
			"task_id", task.ID,
			"timeout", s.runningTimeout,
			"next_status", status)
	}
}

// wakeReadyWorkers 對有就緒任務的 agent_type 發出喚醒
func (s *Scheduler) wakeReadyWorkers(ctx context.Context, now time.Time) {
	if s.notifier == nil {
		return
	}

	agentTypes, err := s.store.ReadyAgentTypes(ctx, now)
	if err != nil {
		log.Error("ready agent type scan failed", "error", err)
		return
	}
	for _, at := range agentTypes {
		s.notifier.Notify(at)
	}
}

// ============================================================================
// Falcon-Queue 清理者 - 保留期與失聯 worker 的週期清理
// ============================================================================
//
// 每輪 Sweep：
//   1. 刪除超過保留期的已完成任務（依賴邊層疊刪除，
//      後繼任務不會因此被鎖死）
//   2. 刪除超過保留期的執行日誌
//   3. 摘除心跳逾期的 worker 紀錄
//
// 只有 completed 受任務保留期影響；dead_letter 與 cancelled 一直
// 保留到人工處理。清理失敗只記錄日誌，等下一輪再試。
//
// ============================================================================

package janitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/falcon-queue/internal/store"
)

var log = slog.Default()

const (
	// DefaultInterval 清理迴圈週期
	DefaultInterval = time.Hour
	// DefaultCompletedRetention 已完成任務的保留期
	DefaultCompletedRetention = 7 * 24 * time.Hour
	// DefaultLogRetention 執行日誌的保留期
	DefaultLogRetention = 30 * 24 * time.Hour
)

// StaleRemover 摘除心跳逾期的 worker
type StaleRemover interface {
	RemoveStale(ctx context.Context, now time.Time) (int, error)
}

// SweepStats 單輪清理的統計
type SweepStats struct {
	CompletedPurged int64
	LogsPurged      int64
	WorkersRemoved  int
}

// Janitor 週期清理者
type Janitor struct {
	store   *store.Store
	remover StaleRemover

	interval           time.Duration
	completedRetention time.Duration
	logRetention       time.Duration

	stopCh chan struct{}
	loopWg sync.WaitGroup
}

// New 建立清理者；remover 可為 nil，零值期間使用預設
func New(st *store.Store, remover StaleRemover, interval, completedRetention, logRetention time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if completedRetention <= 0 {
		completedRetention = DefaultCompletedRetention
	}
	if logRetention <= 0 {
		logRetention = DefaultLogRetention
	}
	return &Janitor{
		store:              st,
		remover:            remover,
		interval:           interval,
		completedRetention: completedRetention,
		logRetention:       logRetention,
		stopCh:             make(chan struct{}),
	}
}

// Start 啟動清理迴圈
func (j *Janitor) Start() {
	j.loopWg.Add(1)
	go j.loop()
}

// Stop 停止清理迴圈並等待退出
func (j *Janitor) Stop() {
	close(j.stopCh)
	j.loopWg.Wait()
}

func (j *Janitor) loop() {
	defer j.loopWg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.Sweep(context.Background(), time.Now().UTC())
		case <-j.stopCh:
			return
		}
	}
}

// Sweep 執行單輪清理並回傳統計
func (j *Janitor) Sweep(ctx context.Context, now time.Time) SweepStats {
	var stats SweepStats

	purged, err := j.store.DeleteCompletedBefore(ctx, now.Add(-j.completedRetention))
	if err != nil {
		log.Error("completed task purge failed", "error", err)
	} else {
		stats.CompletedPurged = purged
	}

	logs, err := j.store.DeleteLogsBefore(ctx, now.Add(-j.logRetention))
	if err != nil {
		log.Error("execution log purge failed", "error", err)
	} else {
		stats.LogsPurged = logs
	}

	if j.remover != nil {
		removed, err := j.remover.RemoveStale(ctx, now)
		if err != nil {
			log.Error("stale worker sweep failed", "error", err)
		} else {
			stats.WorkersRemoved = removed
		}
	}

	if stats.CompletedPurged > 0 || stats.LogsPurged > 0 || stats.WorkersRemoved > 0 {
		log.Info("cleanup sweep finished",
			"completed_purged", stats.CompletedPurged,
			"logs_purged", stats.LogsPurged,
			"workers_removed", stats.WorkersRemoved)
	}
	return stats
}

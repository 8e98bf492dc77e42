// ============================================================================
// Falcon-Queue Metrics - 佇列統計聚合器
// ============================================================================
//
// 背景迴圈定期從儲存層重算佇列層級統計（各狀態數量、平均執行
// 耗時、成功率、24 小時吞吐量），同時覆寫 Prometheus 瞬時值。
//
// Snapshot 帶有時效快取：快取未過期時直接回傳，過期才觸發即時
// 重算，避免每次查詢都掃描資料庫。
//
// ============================================================================

package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/falcon-queue/internal/store"
	"github.com/ChuLiYu/falcon-queue/pkg/types"
)

var log = slog.Default()

const (
	// DefaultInterval 背景重算週期
	DefaultInterval = 60 * time.Second
	// DefaultStaleness 快取有效期，超過後查詢會觸發即時重算
	DefaultStaleness = time.Minute
	// throughputWindow 吞吐量統計的滾動窗口
	throughputWindow = 24 * time.Hour
)

// Aggregator 佇列統計聚合器
type Aggregator struct {
	store     *store.Store
	collector *Collector
	interval  time.Duration
	staleness time.Duration

	mu       sync.RWMutex
	snapshot types.QueueMetrics
	hasSnap  bool

	stopCh chan struct{}
	loopWg sync.WaitGroup
}

// NewAggregator 建立聚合器；collector 可為 nil（不鏡射 Prometheus 瞬時值）
func NewAggregator(st *store.Store, collector *Collector, interval, staleness time.Duration) *Aggregator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Aggregator{
		store:     st,
		collector: collector,
		interval:  interval,
		staleness: staleness,
		stopCh:    make(chan struct{}),
	}
}

// Start 啟動背景重算迴圈
func (a *Aggregator) Start() {
	a.loopWg.Add(1)
	go a.loop()
}

// Stop 停止背景迴圈並等待退出
func (a *Aggregator) Stop() {
	close(a.stopCh)
	a.loopWg.Wait()
}

func (a *Aggregator) loop() {
	defer a.loopWg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := a.Refresh(context.Background()); err != nil {
				// 單次重算失敗不中斷迴圈，保留舊快照
				log.Error("metrics recompute failed", "error", err)
			}
		case <-a.stopCh:
			return
		}
	}
}

// Snapshot 回傳佇列統計。快取仍有效時直接回傳，否則即時重算。
func (a *Aggregator) Snapshot(ctx context.Context) (types.QueueMetrics, error) {
	a.mu.RLock()
	if a.hasSnap && time.Since(a.snapshot.ComputedAt) < a.staleness {
		snap := a.snapshot
		a.mu.RUnlock()
		return snap, nil
	}
	a.mu.RUnlock()

	return a.Refresh(ctx)
}

// Refresh 立即從儲存層重算統計並更新快取
func (a *Aggregator) Refresh(ctx context.Context) (types.QueueMetrics, error) {
	snap, err := a.compute(ctx)
	if err != nil {
		return types.QueueMetrics{}, err
	}

	a.mu.Lock()
	a.snapshot = snap
	a.hasSnap = true
	a.mu.Unlock()

	if a.collector != nil {
		a.collector.UpdateQueueGauges(snap.Pending, snap.Running, snap.Retrying)
		a.collector.UpdateDerived(snap.SuccessRate, snap.ThroughputPerHour)
	}
	return snap, nil
}

func (a *Aggregator) compute(ctx context.Context) (types.QueueMetrics, error) {
	counts, err := a.store.CountByStatus(ctx)
	if err != nil {
		return types.QueueMetrics{}, fmt.Errorf("count by status: %w", err)
	}

	avg, err := a.store.AvgExecMillis(ctx)
	if err != nil {
		return types.QueueMetrics{}, fmt.Errorf("avg exec time: %w", err)
	}

	now := time.Now().UTC()
	recent, err := a.store.CompletedSince(ctx, now.Add(-throughputWindow))
	if err != nil {
		return types.QueueMetrics{}, fmt.Errorf("throughput window: %w", err)
	}

	snap := types.QueueMetrics{
		Pending:       counts[types.StatusPending],
		Running:       counts[types.StatusRunning],
		Completed:     counts[types.StatusCompleted],
		Failed:        counts[types.StatusFailed],
		Retrying:      counts[types.StatusRetrying],
		Cancelled:     counts[types.StatusCancelled],
		DeadLetter:    counts[types.StatusDeadLetter],
		AvgExecMillis: avg,
		ComputedAt:    now,
	}
	for _, n := range counts {
		snap.Total += n
	}

	// success_rate = completed / (completed + failed + dead_letter)；分母為零時為 0
	denom := snap.Completed + snap.Failed + snap.DeadLetter
	if denom > 0 {
		snap.SuccessRate = float64(snap.Completed) / float64(denom)
	}
	snap.ThroughputPerHour = float64(recent) / throughputWindow.Hours()

	return snap, nil
}

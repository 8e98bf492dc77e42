// ============================================================================
// Falcon-Queue 重試管理 - 指數退避與死信路由
// ============================================================================
//
// 失敗處理規則:
//   retry_count >= max_retries  -> dead_letter（終態，保留供人工檢視）
//   否則                        -> retrying，retry_count+1，
//                                  退避結束時間 = now + Delay(新 retry_count)
//
// 退避表為固定層級（非連乘計算），超出表長後停在最後一級。
// 逾時失敗與 handler 失敗走同一條路徑，消耗同一份重試預算。
//
// ============================================================================

package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/falcon-queue/internal/store"
	"github.com/ChuLiYu/falcon-queue/pkg/types"
)

var log = slog.Default()

// DefaultBackoff 預設退避層級
var DefaultBackoff = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
}

// Policy 重試退避策略
type Policy struct {
	backoff []time.Duration
}

// NewPolicy 以指定退避層級建立策略；空列表時使用 DefaultBackoff
func NewPolicy(backoff []time.Duration) *Policy {
	if len(backoff) == 0 {
		backoff = DefaultBackoff
	}
	return &Policy{backoff: backoff}
}

// Delay 回傳第 retryCount 次重試前的等待時間。
// retryCount 從 1 起算；超出表長後固定為最後一級。
func (p *Policy) Delay(retryCount int) time.Duration {
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.backoff) {
		idx = len(p.backoff) - 1
	}
	return p.backoff[idx]
}

// Manager 集中處理任務失敗的路由決策
type Manager struct {
	store  *store.Store
	policy *Policy
}

// NewManager 建立重試管理器
func NewManager(st *store.Store, policy *Policy) *Manager {
	if policy == nil {
		policy = NewPolicy(nil)
	}
	return &Manager{store: st, policy: policy}
}

// HandleFailure 處理一次執行失敗（handler 錯誤或執行逾時）。
//
// 在重試預算內時任務轉入 retrying 並排定退避；預算耗盡時轉入
// dead_letter。回傳任務最終落在的狀態。
func (m *Manager) HandleFailure(ctx context.Context, task *types.Task, cause error) (types.Status, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if task.RetryCount >= task.MaxRetries {
		if err := m.store.MarkDeadLetter(ctx, task.ID, task.RetryCount, msg); err != nil {
			return "", fmt.Errorf("route to dead letter: %w", err)
		}
		log.Warn("task dead-lettered",
			"task_id", task.ID,
			"attempts", task.RetryCount,
			"error", msg)
		return types.StatusDeadLetter, nil
	}

	nextCount := task.RetryCount + 1
	delay := m.policy.Delay(nextCount)
	nextDue := time.Now().UTC().Add(delay)

	if err := m.store.UpdateRetry(ctx, task.ID, nextCount, msg, nextDue); err != nil {
		return "", fmt.Errorf("schedule retry: %w", err)
	}
	log.Info("task retry scheduled",
		"task_id", task.ID,
		"attempt", nextCount,
		"max_retries", task.MaxRetries,
		"delay", delay,
		"error", msg)
	return types.StatusRetrying, nil
}

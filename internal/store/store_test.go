package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/falcon-queue/pkg/types"
)

// ============================================================================
// 測試輔助
// ============================================================================

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testTask(id string, prio types.Priority) *types.Task {
	now := time.Now().UTC()
	return &types.Task{
		ID:          types.TaskID(id),
		Type:        "compress",
		AgentType:   "media",
		Priority:    prio,
		Payload:     json.RawMessage(`{"file":"clip.mp4"}`),
		MaxRetries:  3,
		Status:      types.StatusPending,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func mustSave(t *testing.T, s *Store, task *types.Task) {
	t.Helper()
	if err := s.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("save task %s: %v", task.ID, err)
	}
}

func mustClaim(t *testing.T, s *Store, agentType string, now time.Time) *types.Task {
	t.Helper()
	task, err := s.ClaimNextReady(context.Background(), agentType, "w-test", now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return task
}

// ============================================================================
// 基本讀寫
// ============================================================================

func TestSaveAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := testTask("t-1", types.PriorityHigh)
	task.Metadata = map[string]string{"source": "api"}
	mustSave(t, s, task)

	got, err := s.GetTask(ctx, "t-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.ID != "t-1" || got.Type != "compress" || got.AgentType != "media" {
		t.Errorf("unexpected identity fields: %+v", got)
	}
	if got.Priority != types.PriorityHigh {
		t.Errorf("priority = %s, want high", got.Priority)
	}
	if got.Status != types.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if string(got.Payload) != `{"file":"clip.mp4"}` {
		t.Errorf("payload = %s", got.Payload)
	}
	if got.Metadata["source"] != "api" {
		t.Errorf("metadata = %v", got.Metadata)
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Errorf("fresh task should have no started/completed timestamps")
	}
}

func TestSaveTask_Duplicate(t *testing.T) {
	s := newTestStore(t)

	mustSave(t, s, testTask("dup", types.PriorityMedium))
	err := s.SaveTask(context.Background(), testTask("dup", types.PriorityMedium))
	if !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("err = %v, want ErrDuplicateTask", err)
	}
}

func TestSaveTask_DependencyValidation(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name string
		deps []types.TaskID
	}{
		{"unknown dependency", []types.TaskID{"no-such-task"}},
		{"self dependency", []types.TaskID{"loop"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := testTask("loop", types.PriorityMedium)
			task.Dependencies = tt.deps
			err := s.SaveTask(context.Background(), task)
			if !types.IsValidation(err) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestGetTask_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTask(context.Background(), "ghost")
	if !types.IsNotFound(err) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

// ============================================================================
// 認領順序與就緒條件
// ============================================================================

func TestClaimOrdersByPriorityThenDue(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()

	lowEarly := testTask("low-early", types.PriorityLow)
	lowEarly.ScheduledAt = base.Add(-2 * time.Second)
	lowLate := testTask("low-late", types.PriorityLow)
	lowLate.ScheduledAt = base.Add(-time.Second)
	urgent := testTask("urgent", types.PriorityUrgent)
	urgent.ScheduledAt = base
	high := testTask("high", types.PriorityHigh)
	high.ScheduledAt = base

	// 低優先級先入列，仍不得先於 urgent 被認領
	mustSave(t, s, lowEarly)
	mustSave(t, s, lowLate)
	mustSave(t, s, urgent)
	mustSave(t, s, high)

	want := []types.TaskID{"urgent", "high", "low-early", "low-late"}
	for i, id := range want {
		got := mustClaim(t, s, "media", base)
		if got.ID != id {
			t.Fatalf("claim %d = %s, want %s", i, got.ID, id)
		}
		if got.Status != types.StatusRunning {
			t.Fatalf("claimed task status = %s, want running", got.Status)
		}
	}

	if _, err := s.ClaimNextReady(context.Background(), "media", "w-test", base); !errors.Is(err, ErrNoReadyTask) {
		t.Fatalf("err = %v, want ErrNoReadyTask after queue drained", err)
	}
}

func TestClaimHonorsDependencies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := testTask("parent", types.PriorityLow)
	mustSave(t, s, parent)
	child := testTask("child", types.PriorityUrgent)
	child.Dependencies = []types.TaskID{"parent"}
	mustSave(t, s, child)
	now := time.Now().UTC()

	// child 優先級較高，但依賴未滿足，先認領到的是 parent
	if err := s.ReadyCheck(ctx, "child", now); !errors.Is(err, types.ErrDependencyUnsatisfied) {
		t.Fatalf("ready check = %v, want ErrDependencyUnsatisfied", err)
	}
	got := mustClaim(t, s, "media", now)
	if got.ID != "parent" {
		t.Fatalf("claimed %s, want parent", got.ID)
	}

	if err := s.UpdateCompletion(ctx, "parent", json.RawMessage(`{"ok":true}`), 120*time.Millisecond); err != nil {
		t.Fatalf("complete parent: %v", err)
	}

	if err := s.ReadyCheck(ctx, "child", now); err != nil {
		t.Fatalf("ready check after parent done = %v, want nil", err)
	}
	got = mustClaim(t, s, "media", now)
	if got.ID != "child" {
		t.Fatalf("claimed %s, want child", got.ID)
	}
}

func TestClaimSkipsFutureScheduled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task := testTask("later", types.PriorityUrgent)
	task.ScheduledAt = now.Add(time.Hour)
	mustSave(t, s, task)

	if _, err := s.ClaimNextReady(ctx, "media", "w-test", now); !errors.Is(err, ErrNoReadyTask) {
		t.Fatalf("err = %v, want ErrNoReadyTask before due time", err)
	}
	if err := s.ReadyCheck(ctx, "later", now); !errors.Is(err, types.ErrNotDue) {
		t.Fatalf("ready check = %v, want ErrNotDue", err)
	}

	got := mustClaim(t, s, "media", now.Add(2*time.Hour))
	if got.ID != "later" {
		t.Fatalf("claimed %s, want later", got.ID)
	}
}

func TestClaimIgnoresOtherAgentTypes(t *testing.T) {
	s := newTestStore(t)

	task := testTask("media-only", types.PriorityMedium)
	mustSave(t, s, task)

	if _, err := s.ClaimNextReady(context.Background(), "billing", "w-test", time.Now()); !errors.Is(err, ErrNoReadyTask) {
		t.Fatalf("err = %v, want ErrNoReadyTask for other agent type", err)
	}
}

// 併發認領：同一任務絕不可被兩個 worker 同時取得
func TestClaimConcurrentNoDoubleClaim(t *testing.T) {
	s := newTestStore(t)

	const total = 100
	for i := 0; i < total; i++ {
		mustSave(t, s, testTask(fmt.Sprintf("bulk-%03d", i), types.PriorityMedium))
	}
	// 在全部入列後取認領時間，確保每個任務都已到期
	now := time.Now().UTC()

	var (
		mu      sync.Mutex
		claimed = make(map[types.TaskID]types.WorkerID)
		dup     []types.TaskID
		wg      sync.WaitGroup
	)

	for w := 0; w < 5; w++ {
		wg.Add(1)
		workerID := types.WorkerID(fmt.Sprintf("w-%d", w))
		go func() {
			defer wg.Done()
			for {
				task, err := s.ClaimNextReady(context.Background(), "media", workerID, now)
				if errors.Is(err, ErrNoReadyTask) {
					return
				}
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				mu.Lock()
				if _, seen := claimed[task.ID]; seen {
					dup = append(dup, task.ID)
				}
				claimed[task.ID] = workerID
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(dup) > 0 {
		t.Fatalf("tasks claimed twice: %v", dup)
	}
	if len(claimed) != total {
		t.Fatalf("claimed %d distinct tasks, want %d", len(claimed), total)
	}
}

// ============================================================================
// 狀態轉換與重試
// ============================================================================

func TestUpdateStatusRejectsInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := testTask("strict", types.PriorityMedium)
	mustSave(t, s, task)

	// pending 不可直接 completed
	if err := s.UpdateStatus(ctx, "strict", types.StatusCompleted); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}

	mustClaim(t, s, "media", time.Now())
	if err := s.UpdateCompletion(ctx, "strict", nil, time.Second); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// 終態不可再轉換
	if err := s.UpdateStatus(ctx, "strict", types.StatusRunning); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition from terminal state", err)
	}
	if err := s.UpdateCompletion(ctx, "strict", nil, time.Second); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double completion err = %v, want ErrInvalidTransition", err)
	}
}

func TestRetryFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustSave(t, s, testTask("flaky", types.PriorityMedium))
	now := time.Now().UTC()
	mustClaim(t, s, "media", now)

	nextDue := now.Add(30 * time.Second)
	if err := s.UpdateRetry(ctx, "flaky", 1, "connection reset", nextDue); err != nil {
		t.Fatalf("update retry: %v", err)
	}

	got, err := s.GetTask(ctx, "flaky")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.StatusRetrying || got.RetryCount != 1 {
		t.Fatalf("status=%s retry_count=%d, want retrying/1", got.Status, got.RetryCount)
	}
	if got.ErrorMessage != "connection reset" {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
	if !got.ScheduledAt.Equal(nextDue.Truncate(time.Millisecond)) {
		t.Errorf("scheduled_at = %v, want %v", got.ScheduledAt, nextDue)
	}

	// 退避期間不回到就緒佇列
	if due, _ := s.DueRetrying(ctx, now); len(due) != 0 {
		t.Fatalf("due retrying before backoff = %v, want empty", due)
	}
	if _, err := s.ClaimNextReady(ctx, "media", "w-test", now.Add(time.Minute)); !errors.Is(err, ErrNoReadyTask) {
		t.Fatalf("retrying task must not be claimable, err = %v", err)
	}

	due, err := s.DueRetrying(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("due retrying: %v", err)
	}
	if len(due) != 1 || due[0].ID != "flaky" || due[0].AgentType != "media" {
		t.Fatalf("due retrying = %v, want flaky/media", due)
	}

	ok, err := s.PromoteRetrying(ctx, "flaky")
	if err != nil || !ok {
		t.Fatalf("promote retrying = %v, %v", ok, err)
	}

	got = mustClaim(t, s, "media", now.Add(time.Minute))
	if got.ID != "flaky" || got.RetryCount != 1 {
		t.Fatalf("reclaimed %s retry_count=%d", got.ID, got.RetryCount)
	}
}

func TestMarkDeadLetter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustSave(t, s, testTask("doomed", types.PriorityMedium))
	mustClaim(t, s, "media", time.Now())

	if err := s.MarkDeadLetter(ctx, "doomed", 3, "persistent failure"); err != nil {
		t.Fatalf("mark dead letter: %v", err)
	}

	got, err := s.GetTask(ctx, "doomed")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.StatusDeadLetter || got.RetryCount != 3 {
		t.Fatalf("status=%s retry_count=%d, want dead_letter/3", got.Status, got.RetryCount)
	}
	if err := s.UpdateStatus(ctx, "doomed", types.StatusPending); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("dead_letter must be terminal, err = %v", err)
	}
}

func TestRequeueDeadLetter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustSave(t, s, testTask("revive", types.PriorityMedium))
	mustClaim(t, s, "media", time.Now().UTC())
	if err := s.MarkDeadLetter(ctx, "revive", 3, "persistent failure"); err != nil {
		t.Fatalf("mark dead letter: %v", err)
	}

	if err := s.RequeueDeadLetter(ctx, "revive", now); err != nil {
		t.Fatalf("requeue dead letter: %v", err)
	}

	got, err := s.GetTask(ctx, "revive")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.StatusPending || got.RetryCount != 0 {
		t.Fatalf("status=%s retry_count=%d, want pending/0", got.Status, got.RetryCount)
	}
	if got.ErrorMessage != "" {
		t.Errorf("error message should be cleared, got %q", got.ErrorMessage)
	}

	// 重放後可再次被認領
	reclaimed := mustClaim(t, s, "media", now)
	if reclaimed.ID != "revive" {
		t.Fatalf("claimed %s, want revive", reclaimed.ID)
	}

	// 非死信任務不可重放
	if err := s.RequeueDeadLetter(ctx, "revive", now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition for running task", err)
	}
}

// ============================================================================
// 取消語義
// ============================================================================

func TestCancelTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("pending is cancellable", func(t *testing.T) {
		mustSave(t, s, testTask("c-pending", types.PriorityMedium))
		ok, err := s.CancelTask(ctx, "c-pending")
		if err != nil || !ok {
			t.Fatalf("cancel = %v, %v, want true", ok, err)
		}
		got, _ := s.GetTask(ctx, "c-pending")
		if got.Status != types.StatusCancelled {
			t.Fatalf("status = %s, want cancelled", got.Status)
		}
	})

	t.Run("cancel is idempotent", func(t *testing.T) {
		ok, err := s.CancelTask(ctx, "c-pending")
		if err != nil || ok {
			t.Fatalf("second cancel = %v, %v, want false and no error", ok, err)
		}
	})

	t.Run("retrying is cancellable", func(t *testing.T) {
		mustSave(t, s, testTask("c-retry", types.PriorityMedium))
		mustClaim(t, s, "media", time.Now().UTC())
		if err := s.UpdateRetry(ctx, "c-retry", 1, "boom", now.Add(time.Minute)); err != nil {
			t.Fatalf("retry: %v", err)
		}
		ok, err := s.CancelTask(ctx, "c-retry")
		if err != nil || !ok {
			t.Fatalf("cancel retrying = %v, %v, want true", ok, err)
		}
	})

	t.Run("running is not cancellable", func(t *testing.T) {
		mustSave(t, s, testTask("c-run", types.PriorityMedium))
		mustClaim(t, s, "media", time.Now().UTC())
		ok, err := s.CancelTask(ctx, "c-run")
		if err != nil || ok {
			t.Fatalf("cancel running = %v, %v, want false", ok, err)
		}
		got, _ := s.GetTask(ctx, "c-run")
		if got.Status != types.StatusRunning {
			t.Fatalf("status = %s, want running untouched", got.Status)
		}
	})

	t.Run("unknown task", func(t *testing.T) {
		_, err := s.CancelTask(ctx, "c-ghost")
		if !types.IsNotFound(err) {
			t.Fatalf("err = %v, want NotFoundError", err)
		}
	})
}

// ============================================================================
// 超時掃描
// ============================================================================

func TestStuckRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Now().UTC()

	mustSave(t, s, testTask("stuck", types.PriorityMedium))
	mustClaim(t, s, "media", time.Now().UTC())

	tasks, err := s.StuckRunning(ctx, start.Add(-time.Second))
	if err != nil {
		t.Fatalf("stuck running: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("fresh running task flagged as stuck: %v", tasks)
	}

	tasks, err = s.StuckRunning(ctx, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("stuck running: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "stuck" {
		t.Fatalf("stuck = %v, want [stuck]", tasks)
	}
}

// ============================================================================
// 日誌與統計
// ============================================================================

func TestTaskHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustSave(t, s, testTask("audited", types.PriorityMedium))
	mustClaim(t, s, "media", time.Now())
	if err := s.UpdateCompletion(ctx, "audited", nil, 50*time.Millisecond); err != nil {
		t.Fatalf("complete: %v", err)
	}

	entries, err := s.TaskHistory(ctx, "audited")
	if err != nil {
		t.Fatalf("history: %v", err)
	}

	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	want := []string{"submitted", "claimed", "completed"}
	if len(actions) != len(want) {
		t.Fatalf("actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("actions[%d] = %s, want %s", i, actions[i], want[i])
		}
	}
	if entries[1].WorkerID != "w-test" {
		t.Errorf("claim entry worker = %s, want w-test", entries[1].WorkerID)
	}
}

func TestCountsAndAverages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		mustSave(t, s, testTask(fmt.Sprintf("done-%d", i), types.PriorityMedium))
	}
	waiting := testTask("waiting", types.PriorityMedium)
	waiting.ScheduledAt = now.Add(time.Hour)
	mustSave(t, s, waiting)

	durations := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}
	for _, d := range durations {
		claimed := mustClaim(t, s, "media", time.Now().UTC())
		if err := s.UpdateCompletion(ctx, claimed.ID, nil, d); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count by status: %v", err)
	}
	if counts[types.StatusCompleted] != 3 || counts[types.StatusPending] != 1 {
		t.Fatalf("counts = %v", counts)
	}

	avg, err := s.AvgExecMillis(ctx)
	if err != nil {
		t.Fatalf("avg: %v", err)
	}
	if avg != 200 {
		t.Errorf("avg exec millis = %v, want 200", avg)
	}

	n, err := s.CompletedSince(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("completed since: %v", err)
	}
	if n != 3 {
		t.Errorf("completed since = %d, want 3", n)
	}
	if n, _ := s.CompletedSince(ctx, now.Add(time.Hour)); n != 0 {
		t.Errorf("completed since future = %d, want 0", n)
	}
}

// ============================================================================
// 保留期清理
// ============================================================================

func TestRetentionDeletes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustSave(t, s, testTask("old-done", types.PriorityMedium))
	dependent := testTask("dependent", types.PriorityMedium)
	dependent.Dependencies = []types.TaskID{"old-done"}
	dependent.ScheduledAt = now.Add(time.Hour)
	mustSave(t, s, dependent)
	still := testTask("still-pending", types.PriorityMedium)
	still.ScheduledAt = now.Add(time.Hour)
	mustSave(t, s, still)

	mustClaim(t, s, "media", time.Now().UTC())
	if err := s.UpdateCompletion(ctx, "old-done", nil, time.Second); err != nil {
		t.Fatalf("complete: %v", err)
	}

	deleted, err := s.DeleteCompletedBefore(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("delete completed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	if _, err := s.GetTask(ctx, "old-done"); !types.IsNotFound(err) {
		t.Fatalf("old-done should be gone, err = %v", err)
	}

	// 依賴邊隨被刪除的已完成任務層疊移除，後繼任務不被鎖死
	unmet, err := s.UnsatisfiedDeps(ctx, "dependent")
	if err != nil {
		t.Fatalf("unsatisfied deps: %v", err)
	}
	if len(unmet) != 0 {
		t.Fatalf("dependent still blocked by deleted dependency: %v", unmet)
	}

	// 未完成任務不受保留期影響
	if _, err := s.GetTask(ctx, "still-pending"); err != nil {
		t.Fatalf("still-pending should survive: %v", err)
	}

	removed, err := s.DeleteLogsBefore(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("delete logs: %v", err)
	}
	if removed == 0 {
		t.Fatal("expected execution log rows to be deleted")
	}
	entries, err := s.TaskHistory(ctx, "old-done")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("history after log retention = %v, want empty", entries)
	}
}

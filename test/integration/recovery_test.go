// ============================================================================
// Falcon-Queue 恢復測試套件
// ============================================================================
//
// Package: test/integration
// 文件: recovery_test.go
// 功能: 端到端持久化與恢復測試
//
// 測試目標:
//   驗證引擎重啟後不丟任務：
//   1. 提交後未執行的任務在重啟後仍在佇列中，且能被新 worker 消化
//   2. 前一個行程認領後未完成的任務（卡在 running），超過
//      running_timeout 後走重試路徑重新入列
//   3. 已死亡行程留下的 worker 紀錄由清掃迴圈摘除（心跳逾期）
//
// 測試配置:
//   - 共用同一個 SQLite 檔案模擬跨行程重啟
//   - 縮短 running_timeout 與 stale_after 讓回收在秒級可見
//
// 預期結果:
//   - 重啟恢復：30 個任務全數完成，無丟失
//   - 卡住任務：retry_count == 1 後正常完成
//   - 失聯 worker：紀錄消失，在籍 worker 不受影響
//
// ============================================================================

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/falcon-queue/internal/engine"
	"github.com/ChuLiYu/falcon-queue/internal/store"
	"github.com/ChuLiYu/falcon-queue/pkg/types"
)

func TestRestartRecovery(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "recovery.db")
	ctx := context.Background()

	// 第一階段：提交任務但不註冊任何 worker，隨後關閉引擎
	eng1 := startEngine(t, storePath, nil)

	var ids []types.TaskID
	for i := 0; i < 30; i++ {
		id, err := eng1.SubmitTask(ctx, types.TaskSpec{
			Type:      "recover-me",
			AgentType: "ops",
			Payload:   json.RawMessage(fmt.Sprintf(`{"index":%d}`, i)),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	stats, err := eng1.QueueMetrics(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 30, stats.Pending, "all tasks should be waiting before shutdown")

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	require.NoError(t, eng1.Stop(stopCtx))
	cancel()

	// 第二階段：模擬重啟，量測從啟動到全部消化完的時間
	startTime := time.Now()

	eng2 := startEngine(t, storePath, nil)
	eng2.RegisterAgentHandler("ops", types.HandlerFunc(func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	}))
	_, err = eng2.RegisterAgent(ctx, "ops", nil, 4)
	require.NoError(t, err)

	awaitAll(t, eng2, ids, 15*time.Second)
	recoveryTime := time.Since(startTime)

	stats, err = eng2.QueueMetrics(ctx)
	require.NoError(t, err)

	t.Logf("=== Restart Recovery ===")
	t.Logf("Recovery time: %v", recoveryTime)
	t.Logf("Tasks recovered and completed: %d", stats.Completed)
	t.Logf("========================")

	assert.EqualValues(t, 30, stats.Completed, "every submitted task must survive the restart")
	assert.Zero(t, stats.Pending, "no tasks may be left behind")

	if recoveryTime > 5*time.Second {
		t.Errorf("❌ Recovery time %v exceeds 5s target", recoveryTime)
	} else {
		t.Logf("✅ Recovery time target met: %v < 5s", recoveryTime)
	}
}

func TestStuckRunningTaskRequeued(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "stuck.db")
	ctx := context.Background()
	now := time.Now().UTC()

	// 直接寫入儲存層，模擬前一個行程認領後崩潰留下的 running 任務
	st, err := store.Open(storePath)
	require.NoError(t, err)

	task := &types.Task{
		ID:          "t-stuck",
		Type:        "long-job",
		AgentType:   "ops",
		Priority:    types.PriorityMedium,
		MaxRetries:  3,
		Status:      types.StatusPending,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, st.SaveTask(ctx, task))

	claimed, err := st.ClaimNextReady(ctx, "ops", "w-dead-process", now)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, types.TaskID("t-stuck"), claimed.ID)
	require.NoError(t, st.Close())

	// 引擎啟動後，卡住的任務應在 running_timeout 後走重試路徑
	eng := startEngine(t, storePath, func(c *engine.Config) {
		c.RunningTimeout = 100 * time.Millisecond
	})
	eng.RegisterAgentHandler("ops", types.HandlerFunc(func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"rescued":true}`), nil
	}))
	_, err = eng.RegisterAgent(ctx, "ops", nil, 1)
	require.NoError(t, err)

	awaitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	result, err := eng.AwaitTask(awaitCtx, "t-stuck", 20*time.Millisecond)
	require.NoError(t, err, "stuck task should be re-queued and complete")
	assert.JSONEq(t, `{"rescued":true}`, string(result))

	view, err := eng.TaskStatus(ctx, "t-stuck")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, view.Status)
	assert.Equal(t, 1, view.RetryCount, "timeout recovery consumes one retry")
}

func TestStaleWorkerSwept(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "stale.db")
	ctx := context.Background()
	now := time.Now().UTC()

	eng := startEngine(t, storePath, func(c *engine.Config) {
		c.HeartbeatInterval = 30 * time.Millisecond
		c.StaleAfter = 100 * time.Millisecond
		c.CleanupInterval = 50 * time.Millisecond
	})

	liveID, err := eng.RegisterAgent(ctx, "media", []string{"transcode"}, 2)
	require.NoError(t, err)

	// 模擬已死亡行程留下的 worker 紀錄
	st, err := store.Open(storePath)
	require.NoError(t, err)
	dead := &types.Worker{
		ID:            "w-dead",
		AgentType:     "media",
		Status:        types.WorkerActive,
		MaxConcurrent: 2,
		LastHeartbeat: now.Add(-time.Minute),
		RegisteredAt:  now.Add(-time.Hour),
	}
	require.NoError(t, st.SaveWorker(ctx, dead))
	require.NoError(t, st.Close())

	// 清掃迴圈應在幾個週期內摘除失聯紀錄
	assert.Eventually(t, func() bool {
		agents, err := eng.AgentStatus(ctx)
		if err != nil {
			return false
		}
		_, stillThere := agents["w-dead"]
		return !stillThere
	}, 3*time.Second, 25*time.Millisecond, "stale worker record should be removed")

	agents, err := eng.AgentStatus(ctx)
	require.NoError(t, err)
	live, ok := agents[liveID]
	require.True(t, ok, "live worker must survive the sweep")
	assert.Equal(t, "media", live.AgentType)
	assert.WithinDuration(t, time.Now().UTC(), live.LastHeartbeat, time.Second,
		"live worker heartbeat must keep renewing")
}

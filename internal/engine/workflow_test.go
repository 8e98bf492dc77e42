package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/falcon-queue/pkg/types"
)

// recordingHandler 依 payload 中的 step 欄位記錄執行順序
func recordingHandler(mu *sync.Mutex, order *[]string) types.TaskHandler {
	return types.HandlerFunc(func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var p struct {
			Step string `json:"step"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		mu.Lock()
		*order = append(*order, p.Step)
		mu.Unlock()
		return nil, nil
	})
}

func TestWorkflowRunsInDependencyOrder(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	eng.RegisterAgentHandler("etl", recordingHandler(&mu, &order))
	_, err := eng.RegisterAgent(ctx, "etl", nil, 1)
	require.NoError(t, err)

	// 故意以反序提交：load 依賴 transform，transform 依賴 extract
	steps := []types.WorkflowStep{
		{StepID: "load", TaskType: "load", AgentType: "etl",
			Payload: json.RawMessage(`{"step":"load"}`), DependsOn: []string{"transform"}},
		{StepID: "extract", TaskType: "extract", AgentType: "etl",
			Payload: json.RawMessage(`{"step":"extract"}`)},
		{StepID: "transform", TaskType: "transform", AgentType: "etl",
			Payload: json.RawMessage(`{"step":"transform"}`), DependsOn: []string{"extract"}},
	}

	ids, err := eng.SubmitWorkflow(ctx, steps)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	// ids 與輸入步驟同序，ids[0] 是最下游的 load
	_, err = eng.AwaitTask(awaitCtx(t), ids[0], 5*time.Millisecond)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"extract", "transform", "load"}, order)
}

func TestWorkflowTagsTasksWithMetadata(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	ids, err := eng.SubmitWorkflow(ctx, []types.WorkflowStep{
		{StepID: "solo", TaskType: "noop", AgentType: "parked",
			Metadata: map[string]string{"team": "data"}},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	task, err := eng.store.GetTask(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "solo", task.Metadata["step_id"])
	assert.Equal(t, "data", task.Metadata["team"])
	assert.NotEmpty(t, task.Metadata["workflow_id"])
}

func TestWorkflowDependentsSeeWaitingOn(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	// 無 worker，整個工作流停在 pending
	ids, err := eng.SubmitWorkflow(ctx, []types.WorkflowStep{
		{StepID: "a", TaskType: "noop", AgentType: "parked"},
		{StepID: "b", TaskType: "noop", AgentType: "parked", DependsOn: []string{"a"}},
	})
	require.NoError(t, err)

	view, err := eng.TaskStatus(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, view.Status)
	assert.Equal(t, []types.TaskID{ids[0]}, view.WaitingOn)
}

func TestWorkflowValidation(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	step := func(id string, deps ...string) types.WorkflowStep {
		return types.WorkflowStep{StepID: id, TaskType: "noop", AgentType: "parked", DependsOn: deps}
	}

	tests := []struct {
		name  string
		steps []types.WorkflowStep
	}{
		{name: "empty workflow", steps: nil},
		{name: "missing task type", steps: []types.WorkflowStep{{StepID: "a", AgentType: "parked"}}},
		{name: "duplicate step id", steps: []types.WorkflowStep{step("a"), step("a")}},
		{name: "unknown dependency", steps: []types.WorkflowStep{step("a", "ghost")}},
		{name: "self dependency", steps: []types.WorkflowStep{step("a", "a")}},
		{name: "two step cycle", steps: []types.WorkflowStep{step("a", "b"), step("b", "a")}},
		{name: "cycle behind valid root", steps: []types.WorkflowStep{
			step("root"), step("x", "root", "y"), step("y", "x"),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.SubmitWorkflow(ctx, tt.steps)
			assert.True(t, types.IsValidation(err), "want ValidationError, got %v", err)
		})
	}

	// 任何一個步驟不合法時整個工作流都不落庫
	counts, err := eng.store.CountByStatus(ctx)
	require.NoError(t, err)
	var total int64
	for _, n := range counts {
		total += n
	}
	assert.Zero(t, total, "no tasks may be created by rejected workflows")
}

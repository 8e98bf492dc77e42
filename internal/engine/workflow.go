// ============================================================================
// Falcon-Queue Engine - 工作流提交
// ============================================================================
//
// 工作流是一組帶依賴關係的步驟，一次提交、整體驗證。任何一個步驟
// 不合法（未知的 depends_on、重複 step_id、依賴成環）都會同步拒絕，
// 不建立任何任務。
//
// 步驟間的 depends_on 以 step_id 表達；提交時為每個步驟預先分配任務
// ID，再把 step_id 解析成任務 ID 邊。入庫順序按拓撲排序（父先於子），
// 確保儲存層的依賴存在性檢查通過。
//
// ============================================================================

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/falcon-queue/pkg/types"
)

// SubmitWorkflow 提交一個工作流，回傳與輸入步驟同序的任務 ID 列表。
//
// 每個任務的 metadata 會帶上 workflow_id 與 step_id，供事後追蹤。
// 下游步驟在所有前置步驟 completed 之前不會被認領。
func (e *Engine) SubmitWorkflow(ctx context.Context, steps []types.WorkflowStep) ([]types.TaskID, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrEngineStopped
	}
	e.mu.Unlock()

	if len(steps) == 0 {
		return nil, &types.ValidationError{Field: "steps", Reason: "workflow must contain at least one step"}
	}

	// 先整體驗證，再建立任何任務
	index := make(map[string]int, len(steps))
	for i := range steps {
		if err := types.ValidateStep(&steps[i]); err != nil {
			return nil, err
		}
		if _, dup := index[steps[i].StepID]; dup {
			return nil, &types.ValidationError{
				Field:  "step_id",
				Reason: fmt.Sprintf("duplicate step %q", steps[i].StepID),
			}
		}
		index[steps[i].StepID] = i
	}
	for i := range steps {
		for _, dep := range steps[i].DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, &types.ValidationError{
					Field:  "depends_on",
					Reason: fmt.Sprintf("step %q depends on unknown step %q", steps[i].StepID, dep),
				}
			}
			if dep == steps[i].StepID {
				return nil, &types.ValidationError{
					Field:  "depends_on",
					Reason: fmt.Sprintf("step %q depends on itself", steps[i].StepID),
				}
			}
		}
	}

	order, err := topoOrder(steps, index)
	if err != nil {
		return nil, err
	}

	// 為每個步驟預先分配任務 ID，把 step 邊翻譯成任務邊
	workflowID := "wf-" + uuid.NewString()
	taskIDs := make([]types.TaskID, len(steps))
	for i := range steps {
		taskIDs[i] = types.TaskID("t-" + uuid.NewString())
	}

	now := time.Now().UTC()
	agentTypes := make(map[string]struct{})
	for _, i := range order {
		step := &steps[i]
		task := taskFromStep(step, taskIDs, index, workflowID, now)
		task.ID = taskIDs[i]

		if err := e.store.SaveTask(ctx, task); err != nil {
			return nil, fmt.Errorf("save workflow step %q: %w", step.StepID, err)
		}
		if e.collector != nil {
			e.collector.RecordSubmitted()
		}
		agentTypes[step.AgentType] = struct{}{}
	}

	for at := range agentTypes {
		e.registry.Notify(at)
	}

	log.Info("workflow submitted",
		"workflow_id", workflowID,
		"steps", len(steps))
	return taskIDs, nil
}

// topoOrder 回傳步驟索引的拓撲順序（父先於子），成環時回傳 ValidationError。
// 同層步驟保持輸入順序。
func topoOrder(steps []types.WorkflowStep, index map[string]int) ([]int, error) {
	indegree := make([]int, len(steps))
	dependents := make([][]int, len(steps))
	for i := range steps {
		for _, dep := range steps[i].DependsOn {
			j := index[dep]
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	queue := make([]int, 0, len(steps))
	for i := range steps {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]int, 0, len(steps))
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, i)
		for _, child := range dependents[i] {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if len(order) != len(steps) {
		// 剩下的步驟全在環上，取第一個報告
		for i := range steps {
			if indegree[i] > 0 {
				return nil, &types.ValidationError{
					Field:  "depends_on",
					Reason: fmt.Sprintf("dependency cycle involving step %q", steps[i].StepID),
				}
			}
		}
	}
	return order, nil
}

// taskFromStep 將工作流步驟展開成任務，依賴邊已翻譯成任務 ID
func taskFromStep(step *types.WorkflowStep, taskIDs []types.TaskID, index map[string]int, workflowID string, now time.Time) *types.Task {
	priority := step.Priority
	if priority == "" {
		priority = types.PriorityMedium
	}
	maxRetries := DefaultMaxRetries
	if step.MaxRetries != nil {
		maxRetries = *step.MaxRetries
	}

	deps := make([]types.TaskID, 0, len(step.DependsOn))
	for _, dep := range step.DependsOn {
		deps = append(deps, taskIDs[index[dep]])
	}

	metadata := make(map[string]string, len(step.Metadata)+2)
	for k, v := range step.Metadata {
		metadata[k] = v
	}
	metadata["workflow_id"] = workflowID
	metadata["step_id"] = step.StepID

	return &types.Task{
		Type:         step.TaskType,
		AgentType:    step.AgentType,
		Payload:      step.Payload,
		Priority:     priority,
		Dependencies: deps,
		MaxRetries:   maxRetries,
		Status:       types.StatusPending,
		ScheduledAt:  now,
		CreatedAt:    now,
		UpdatedAt:    now,
		Metadata:     metadata,
	}
}

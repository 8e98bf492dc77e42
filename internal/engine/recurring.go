// ============================================================================
// Falcon-Queue Engine - 週期性任務
// ============================================================================
//
// 以 cron 表達式掛載任務模板，每次觸發時從模板提交一個全新任務
// （帶 metadata["recurring"]="true"）。排程與引擎同生共死：
// Start 時啟動，Stop 時等待進行中的觸發結束。
//
// ============================================================================

package engine

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/ChuLiYu/falcon-queue/pkg/types"
)

// ScheduleRecurring 註冊一個週期性任務模板。
//
// cronSpec 支援標準五欄位表達式與 @every / @hourly 等描述子。
// 模板在註冊時驗證，不合法時同步回傳 ValidationError。
// 回傳的 entry ID 可用於 RemoveRecurring。
func (e *Engine) ScheduleRecurring(cronSpec string, spec types.TaskSpec) (cron.EntryID, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return 0, ErrEngineStopped
	}
	e.mu.Unlock()

	if err := types.ValidateSpec(&spec); err != nil {
		return 0, err
	}

	template := cloneSpec(spec)
	id, err := e.cron.AddFunc(cronSpec, func() {
		fire := cloneSpec(template)
		if fire.Metadata == nil {
			fire.Metadata = make(map[string]string, 1)
		}
		fire.Metadata["recurring"] = "true"

		taskID, err := e.SubmitTask(context.Background(), fire)
		if err != nil {
			log.Error("recurring submission failed",
				"type", template.Type,
				"agent_type", template.AgentType,
				"error", err)
			return
		}
		log.Debug("recurring task fired", "task_id", taskID, "type", template.Type)
	})
	if err != nil {
		return 0, fmt.Errorf("parse cron spec %q: %w", cronSpec, err)
	}

	log.Info("recurring task scheduled",
		"entry_id", id,
		"cron", cronSpec,
		"type", spec.Type)
	return id, nil
}

// RemoveRecurring 移除一個週期性任務模板。已提交的任務不受影響。
func (e *Engine) RemoveRecurring(id cron.EntryID) {
	e.cron.Remove(id)
	log.Info("recurring task removed", "entry_id", id)
}

// cloneSpec 深拷貝任務模板，避免多次觸發共用底層 map 與 slice
func cloneSpec(spec types.TaskSpec) types.TaskSpec {
	out := spec
	if spec.Dependencies != nil {
		out.Dependencies = append([]types.TaskID(nil), spec.Dependencies...)
	}
	if spec.Metadata != nil {
		out.Metadata = make(map[string]string, len(spec.Metadata))
		for k, v := range spec.Metadata {
			out.Metadata[k] = v
		}
	}
	if spec.MaxRetries != nil {
		n := *spec.MaxRetries
		out.MaxRetries = &n
	}
	if spec.ScheduledAt != nil {
		t := *spec.ScheduledAt
		out.ScheduledAt = &t
	}
	return out
}

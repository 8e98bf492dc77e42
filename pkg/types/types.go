// Package types 定義了 falcon-queue 系統中使用的核心領域模型
package types

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// TaskID 任務唯一識別碼
type TaskID string

// WorkerID Worker 唯一識別碼
type WorkerID string

// Status 任務狀態
type Status string

// 定義任務狀態常數
const (
	StatusPending    Status = "pending"     // 待處理狀態：任務已建立，等待調度
	StatusRunning    Status = "running"     // 執行中狀態：任務已被 worker 認領並執行
	StatusCompleted  Status = "completed"   // 完成狀態：任務已成功執行完畢（終態）
	StatusFailed     Status = "failed"      // 失敗狀態：保留給統計分類使用
	StatusRetrying   Status = "retrying"    // 重試狀態：等待退避時間結束後重新排隊
	StatusCancelled  Status = "cancelled"   // 取消狀態：任務被呼叫方明確取消（終態）
	StatusDeadLetter Status = "dead_letter" // 死信狀態：重試預算耗盡（終態，需人工介入）
)

// Terminal 回報該狀態是否為終態（不會再發生任何轉換）
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusDeadLetter:
		return true
	}
	return false
}

// Valid 回報該狀態是否為已定義的狀態常數
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed,
		StatusRetrying, StatusCancelled, StatusDeadLetter:
		return true
	}
	return false
}

// CanTransition 驗證狀態轉換是否符合任務狀態機
//
// 任務狀態轉換 (State Machine):
//
//	pending   -> running      （worker 原子認領）
//	running   -> completed    （handler 正常返回）
//	running   -> retrying     （handler 失敗，重試預算內）
//	running   -> dead_letter  （handler 失敗，重試預算耗盡）
//	retrying  -> pending      （退避時間結束）
//	pending   -> cancelled    （明確取消）
//	retrying  -> cancelled    （明確取消）
//
// 其餘任何轉換都是非法的。
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusRetrying || to == StatusDeadLetter
	case StatusRetrying:
		return to == StatusPending || to == StatusCancelled
	}
	return false
}

// Priority 任務優先級，是離散的調度等級而非權重
type Priority string

// 定義優先級常數
const (
	PriorityUrgent Priority = "urgent" // 最優先，會被完全排空後才考慮下一級
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium" // 未指定時的預設值
	PriorityLow    Priority = "low"
)

// Rank 回傳調度排序用的等級值，數值越小越先被調度
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// Valid 回報該優先級是否為已定義的常數
func (p Priority) Valid() bool {
	return p.Rank() < 4
}

// ParsePriority 將字串解析為 Priority，供 CLI 與外部輸入使用
func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if !p.Valid() {
		return "", &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", s)}
	}
	return p, nil
}

// Task 任務結構，代表系統中的一個持久化工作單元
type Task struct {
	// 識別與資料
	ID        TaskID          `json:"id"`                // 任務唯一識別碼，建立後不可變
	Type      string          `json:"type"`              // 執行 handler 的選擇鍵
	AgentType string          `json:"agent_type"`        // 執行此任務所需的能力類別
	Payload   json.RawMessage `json:"payload,omitempty"` // 不透明的任務載荷，由 handler 自行解析

	// 調度屬性
	Priority     Priority `json:"priority"`               // 優先級，建立後不可變
	Dependencies []TaskID `json:"dependencies,omitempty"` // 前置任務集合，全部完成後才可調度

	// 重試預算
	RetryCount int `json:"retry_count"` // 已消耗的重試次數
	MaxRetries int `json:"max_retries"` // 重試次數上限

	// 狀態追蹤
	Status       Status          `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"` // 最近一次失敗的錯誤訊息
	Result       json.RawMessage `json:"result,omitempty"`        // handler 的回傳結果

	// 時間管理
	ScheduledAt time.Time  `json:"scheduled_at"`           // 任務可被調度的時間點
	StartedAt   *time.Time `json:"started_at,omitempty"`   // 最近一次開始執行的時間
	CompletedAt *time.Time `json:"completed_at,omitempty"` // 完成時間
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// 自由標註（例如 recurring、來源 workflow id）
	Metadata map[string]string `json:"metadata,omitempty"`
}

// WorkerStatus Worker 狀態
type WorkerStatus string

// 定義 Worker 狀態常數
const (
	WorkerActive  WorkerStatus = "active"  // 已註冊且心跳正常
	WorkerIdle    WorkerStatus = "idle"    // 無任務在執行
	WorkerBusy    WorkerStatus = "busy"    // 負載已滿
	WorkerOffline WorkerStatus = "offline" // 心跳逾時
)

// Worker 代表一個已註冊的任務執行環境
type Worker struct {
	ID            WorkerID     `json:"id"`
	AgentType     string       `json:"agent_type"`                // 此 worker 提供的能力類別
	Status        WorkerStatus `json:"status"`
	CurrentTaskID TaskID       `json:"current_task_id,omitempty"` // 最近認領的任務，閒置時為空
	Capabilities  []string     `json:"capabilities,omitempty"`    // 支援的任務 type 列表
	MaxConcurrent int          `json:"max_concurrent_tasks"`      // 並行任務上限
	CurrentLoad   int          `json:"current_load"`              // 目前執行中的任務數，恆 <= MaxConcurrent
	Completed     int64        `json:"completed_tasks"`           // 已完成任務計數
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	RegisteredAt  time.Time    `json:"registered_at"`
}

// LogEntry 執行日誌條目，僅追加、永不修改
type LogEntry struct {
	ID        int64     `json:"id"`
	TaskID    TaskID    `json:"task_id"`
	WorkerID  WorkerID  `json:"worker_id,omitempty"`
	Action    string    `json:"action"` // 例如 submitted, claimed, completed, retry_scheduled
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskSpec 任務提交規格，submit 時經過驗證後轉換為 Task
type TaskSpec struct {
	Type         string            `json:"type" validate:"required"`
	AgentType    string            `json:"agent_type" validate:"required"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Priority     Priority          `json:"priority,omitempty" validate:"omitempty,oneof=urgent high medium low"`
	Dependencies []TaskID          `json:"dependencies,omitempty"`
	MaxRetries   *int              `json:"max_retries,omitempty" validate:"omitempty,gte=0"`
	ScheduledAt  *time.Time        `json:"scheduled_at,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// WorkflowStep 工作流中的單一步驟，DependsOn 引用同一工作流中其他步驟的 StepID
type WorkflowStep struct {
	StepID     string            `json:"step_id" validate:"required"`
	TaskType   string            `json:"task_type" validate:"required"`
	AgentType  string            `json:"agent_type" validate:"required"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Priority   Priority          `json:"priority,omitempty" validate:"omitempty,oneof=urgent high medium low"`
	MaxRetries *int              `json:"max_retries,omitempty" validate:"omitempty,gte=0"`
	DependsOn  []string          `json:"depends_on,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// TaskHandler 任務執行介面
//
// handler 在註冊時解析綁定，而非每次呼叫時動態查找。
// Payload 在儲存層保持 schema-less；每個 handler 內部定義並驗證
// 自己的 payload 結構。
type TaskHandler interface {
	Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc 讓普通函式實作 TaskHandler
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Execute 實作 TaskHandler
func (f HandlerFunc) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, payload)
}

// QueueMetrics 佇列層級的聚合統計
type QueueMetrics struct {
	Total      int64 `json:"total"`
	Pending    int64 `json:"pending"`
	Running    int64 `json:"running"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Retrying   int64 `json:"retrying"`
	Cancelled  int64 `json:"cancelled"`
	DeadLetter int64 `json:"dead_letter"`

	AvgExecMillis     float64   `json:"avg_exec_time_ms"`    // 已完成任務的平均執行時間
	SuccessRate       float64   `json:"success_rate"`        // completed / (completed + failed + dead_letter)
	ThroughputPerHour float64   `json:"throughput_per_hour"` // 滾動 24 小時窗口的每小時完成數
	ComputedAt        time.Time `json:"computed_at"`
}

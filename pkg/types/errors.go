package types

import (
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrDependencyUnsatisfied 前置任務尚未全部完成。
	// 這是等待條件而非失敗，永遠不會出現在任務的 error_message 中。
	ErrDependencyUnsatisfied = errors.New("task dependencies not yet completed")

	// ErrNotDue 任務的調度時間尚未到達
	ErrNotDue = errors.New("task not due yet")

	// ErrTaskCancelled 任務已被取消
	ErrTaskCancelled = errors.New("task was cancelled")
)

// ValidationError 提交參數驗證失敗。同步拒絕，不會建立任何任務。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// IsValidation 回報錯誤鏈中是否包含 ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NotFoundError 引用了不存在的任務或 worker
type NotFoundError struct {
	Kind string // "task" 或 "worker"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// NewTaskNotFound 建立任務不存在錯誤
func NewTaskNotFound(id TaskID) error {
	return &NotFoundError{Kind: "task", ID: string(id)}
}

// NewWorkerNotFound 建立 worker 不存在錯誤
func NewWorkerNotFound(id WorkerID) error {
	return &NotFoundError{Kind: "worker", ID: string(id)}
}

// IsNotFound 回報錯誤鏈中是否包含 NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// TransientError handler 執行失敗，消耗一次重試
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient execution error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// TimeoutError Running 任務超過卡死閾值，視為一次暫時性失敗處理
type TimeoutError struct {
	TaskID TaskID
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s running longer than %s", e.TaskID, e.After)
}

// DeadLetterError 任務重試預算耗盡進入死信（終態），需要人工重放
type DeadLetterError struct {
	TaskID    TaskID
	Attempts  int
	LastError string
}

func (e *DeadLetterError) Error() string {
	return fmt.Sprintf("task %s dead-lettered after %d attempts: %s", e.TaskID, e.Attempts, e.LastError)
}

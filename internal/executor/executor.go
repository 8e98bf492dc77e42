// ============================================================================
// Falcon-Queue 執行器 - 單一任務的執行與結果落地
// ============================================================================
//
// Package: internal/executor
// 文件: executor.go
// 功能: 將已認領（running）的任務交給 handler 執行，並把結果
//       寫回儲存層
//
// 執行流程:
//   1. 解析 handler（type 專屬優先於 agent_type 預設）
//   2. 在帶超時的 context 下呼叫 handler，panic 一律回收為錯誤
//   3. 成功 -> completed + 結果 + 執行耗時
//      失敗 -> 交給重試管理器（retrying 或 dead_letter）
//
// handler 的錯誤與 panic 只影響該任務本身，永遠不會讓 worker
// 迴圈退出。
//
// ============================================================================

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/falcon-queue/internal/metrics"
	"github.com/ChuLiYu/falcon-queue/internal/retry"
	"github.com/ChuLiYu/falcon-queue/internal/store"
	"github.com/ChuLiYu/falcon-queue/pkg/types"
)

var log = slog.Default()

// DefaultExecTimeout 單次 handler 執行的超時上限
const DefaultExecTimeout = time.Hour

// Executor 任務執行器
type Executor struct {
	store       *store.Store
	retryMgr    *retry.Manager
	handlers    *HandlerRegistry
	collector   *metrics.Collector
	execTimeout time.Duration
}

// New 建立執行器；collector 可為 nil，execTimeout <= 0 時使用預設值
func New(st *store.Store, rm *retry.Manager, handlers *HandlerRegistry, collector *metrics.Collector, execTimeout time.Duration) *Executor {
	if execTimeout <= 0 {
		execTimeout = DefaultExecTimeout
	}
	return &Executor{
		store:       st,
		retryMgr:    rm,
		handlers:    handlers,
		collector:   collector,
		execTimeout: execTimeout,
	}
}

// Run 執行一個已處於 running 狀態的任務，回傳任務最終落在的狀態。
// 回傳 error 僅代表儲存層寫入失敗，handler 本身的失敗會被轉換為
// retrying 或 dead_letter。
func (e *Executor) Run(ctx context.Context, task *types.Task, workerID types.WorkerID) (types.Status, error) {
	handler, ok := e.handlers.Resolve(task.Type, task.AgentType)
	if !ok {
		err := fmt.Errorf("no handler registered for task type %q (agent_type %q)", task.Type, task.AgentType)
		return e.fail(ctx, task, err)
	}

	start := time.Now()
	result, err := e.invoke(ctx, handler, task)
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &types.TimeoutError{TaskID: task.ID, After: e.execTimeout}
		} else {
			err = &types.TransientError{Err: err}
		}
		log.Warn("task execution failed",
			"task_id", task.ID,
			"worker_id", workerID,
			"duration", duration,
			"error", err)
		return e.fail(ctx, task, err)
	}

	if err := e.store.UpdateCompletion(ctx, task.ID, result, duration); err != nil {
		return "", fmt.Errorf("record completion: %w", err)
	}
	if e.collector != nil {
		e.collector.RecordCompleted(duration.Seconds())
	}
	log.Info("task completed",
		"task_id", task.ID,
		"worker_id", workerID,
		"duration", duration)
	return types.StatusCompleted, nil
}

// invoke 呼叫 handler，panic 回收為錯誤，並套用執行超時
func (e *Executor) invoke(ctx context.Context, h types.TaskHandler, task *types.Task) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	execCtx, cancel := context.WithTimeout(ctx, e.execTimeout)
	defer cancel()

	return h.Execute(execCtx, task.Payload)
}

func (e *Executor) fail(ctx context.Context, task *types.Task, cause error) (types.Status, error) {
	status, err := e.retryMgr.HandleFailure(ctx, task, cause)
	if err != nil {
		return "", fmt.Errorf("route failure: %w", err)
	}
	if e.collector != nil {
		switch status {
		case types.StatusRetrying:
			e.collector.RecordRetried()
		case types.StatusDeadLetter:
			e.collector.RecordDeadLetter()
		}
	}
	return status, nil
}

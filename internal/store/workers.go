// ============================================================================
// Falcon-Queue 任務儲存層 - Worker 註冊表
// ============================================================================
//
// agent_workers 表保存每個已註冊 worker 的身分、容量與心跳時間。
// 心跳由 registry 的背景迴圈刷新；StaleWorkers 供調度器挑出
// 心跳逾期的 worker 進行清除。
//
// ============================================================================

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/falcon-queue/pkg/types"
)

// SaveWorker 寫入（或重新註冊時覆寫）worker 紀錄
func (s *Store) SaveWorker(ctx context.Context, w *types.Worker) error {
	caps, err := marshalCapabilities(w.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_workers (id, agent_type, status, current_task_id, capabilities,
			max_concurrent_tasks, current_load, completed_tasks, last_heartbeat, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_type = excluded.agent_type,
			status = excluded.status,
			capabilities = excluded.capabilities,
			max_concurrent_tasks = excluded.max_concurrent_tasks,
			last_heartbeat = excluded.last_heartbeat`,
		w.ID, w.AgentType, w.Status, nullTaskID(w.CurrentTaskID), caps,
		w.MaxConcurrent, w.CurrentLoad, w.Completed,
		w.LastHeartbeat.UnixMilli(), w.RegisteredAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save worker: %w", err)
	}
	return nil
}

// GetWorker 讀取單一 worker 紀錄
func (s *Store) GetWorker(ctx context.Context, id types.WorkerID) (*types.Worker, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_type, status, current_task_id, capabilities,
			max_concurrent_tasks, current_load, completed_tasks, last_heartbeat, registered_at
		FROM agent_workers WHERE id = ?`, id)

	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewWorkerNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

// ListWorkers 回傳所有已註冊 worker，依註冊時間排序
func (s *Store) ListWorkers(ctx context.Context) ([]*types.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_type, status, current_task_id, capabilities,
			max_concurrent_tasks, current_load, completed_tasks, last_heartbeat, registered_at
		FROM agent_workers ORDER BY registered_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workers []*types.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// UpdateHeartbeat 刷新 worker 的心跳時間
func (s *Store) UpdateHeartbeat(ctx context.Context, id types.WorkerID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE agent_workers SET last_heartbeat = ? WHERE id = ?", at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NewWorkerNotFound(id)
	}
	return nil
}

// UpdateWorkerState 更新 worker 的執行狀態、負載與目前任務
func (s *Store) UpdateWorkerState(ctx context.Context, id types.WorkerID, status types.WorkerStatus, load int, current types.TaskID) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE agent_workers SET status = ?, current_load = ?, current_task_id = ? WHERE id = ?",
		status, load, nullTaskID(current), id)
	if err != nil {
		return fmt.Errorf("update worker state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NewWorkerNotFound(id)
	}
	return nil
}

// IncrementWorkerCompleted 將 worker 的完成計數加一
func (s *Store) IncrementWorkerCompleted(ctx context.Context, id types.WorkerID) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE agent_workers SET completed_tasks = completed_tasks + 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("increment worker completed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NewWorkerNotFound(id)
	}
	return nil
}

// DeleteWorker 移除 worker 紀錄；worker 不存在時視為已刪除
func (s *Store) DeleteWorker(ctx context.Context, id types.WorkerID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM agent_workers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	return nil
}

// StaleWorkers 回傳心跳早於 olderThan 的 worker ID
func (s *Store) StaleWorkers(ctx context.Context, olderThan time.Time) ([]types.WorkerID, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM agent_workers WHERE last_heartbeat < ? ORDER BY last_heartbeat ASC",
		olderThan.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query stale workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []types.WorkerID
	for rows.Next() {
		var id types.WorkerID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale worker: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanWorker(sc rowScanner) (*types.Worker, error) {
	var (
		w         types.Worker
		current   sql.NullString
		caps      sql.NullString
		heartbeat int64
		regAt     int64
	)

	err := sc.Scan(&w.ID, &w.AgentType, &w.Status, &current, &caps,
		&w.MaxConcurrent, &w.CurrentLoad, &w.Completed, &heartbeat, &regAt)
	if err != nil {
		return nil, err
	}

	w.CurrentTaskID = types.TaskID(current.String)
	w.LastHeartbeat = time.UnixMilli(heartbeat).UTC()
	w.RegisteredAt = time.UnixMilli(regAt).UTC()
	if caps.Valid && caps.String != "" {
		if err := json.Unmarshal([]byte(caps.String), &w.Capabilities); err != nil {
			return nil, fmt.Errorf("unmarshal capabilities: %w", err)
		}
	}

	return &w, nil
}

func marshalCapabilities(caps []string) (any, error) {
	if len(caps) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(caps)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullTaskID(id types.TaskID) any {
	if id == "" {
		return nil
	}
	return string(id)
}

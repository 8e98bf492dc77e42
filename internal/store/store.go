// ============================================================================
// Falcon-Queue 任務儲存層 - SQLite 持久化與原子認領
// ============================================================================
//
// Package: internal/store
// 文件: store.go
// 功能: 任務、依賴邊與執行日誌的持久化，是整個系統唯一的真實來源
//
// 資料表:
//   tasks               - 任務主表（狀態、優先級、重試預算、時間戳）
//   task_dependencies   - 依賴邊 (task_id, depends_on)，多對多
//   task_execution_log  - 僅追加的執行稽核日誌
//   agent_workers       - worker 註冊表（見 workers.go）
//
// 原子認領 (Claim):
//   ClaimNextReady 在單一交易內挑選最高優先級的就緒任務，並以
//   「仍為 pending 才更新」的條件式 UPDATE 完成認領。兩個同類型
//   worker 併發輪詢時，條件式更新保證同一任務至多被認領一次。
//
// 就緒定義:
//   status = pending、scheduled_at 已到期，且所有依賴任務皆為
//   completed。依賴未滿足是等待條件，不是錯誤。
//
// 排序保證:
//   同一 agent_type 內，嚴格依優先級等級（urgent 先於 high ...），
//   同級內依 scheduled_at、created_at 先後。排序完全來自本層查詢，
//   不存在第二份記憶體佇列。
//
// 時間表示:
//   所有時間戳以 Unix 毫秒整數儲存，讀寫時與 time.Time 互轉。
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

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/falcon-queue/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrDuplicateTask 任務 ID 已存在
	ErrDuplicateTask = errors.New("task already exists")
	// ErrNoReadyTask 目前沒有可認領的就緒任務
	ErrNoReadyTask = errors.New("no ready task")
	// ErrInvalidTransition 不符合任務狀態機的轉換
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ============================================================================
// Schema 定義
// ============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	type           TEXT NOT NULL,
	agent_type     TEXT NOT NULL,
	priority       TEXT NOT NULL,
	priority_rank  INTEGER NOT NULL,
	payload        BLOB,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	status         TEXT NOT NULL,
	error_message  TEXT,
	result         BLOB,
	scheduled_at   INTEGER NOT NULL,
	started_at     INTEGER,
	completed_at   INTEGER,
	exec_millis    INTEGER,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL,
	metadata       TEXT
);

CREATE INDEX IF NOT EXISTS idx_tasks_ready
	ON tasks(agent_type, status, priority_rank, scheduled_at);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS task_dependencies (
	task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	depends_on TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	PRIMARY KEY (task_id, depends_on)
);

CREATE TABLE IF NOT EXISTS agent_workers (
	id                   TEXT PRIMARY KEY,
	agent_type           TEXT NOT NULL,
	status               TEXT NOT NULL,
	current_task_id      TEXT,
	capabilities         TEXT,
	max_concurrent_tasks INTEGER NOT NULL DEFAULT 1,
	current_load         INTEGER NOT NULL DEFAULT 0,
	completed_tasks      INTEGER NOT NULL DEFAULT 0,
	last_heartbeat       INTEGER NOT NULL,
	registered_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS task_execution_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    TEXT NOT NULL,
	worker_id  TEXT,
	action     TEXT NOT NULL,
	detail     TEXT,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_execution_log_task ON task_execution_log(task_id);
`

// taskColumns 任務查詢共用的欄位列表（priority_rank 為派生欄位，不掃描）
const taskColumns = `id, type, agent_type, priority, payload, retry_count, max_retries,
	status, error_message, result, scheduled_at, started_at, completed_at,
	created_at, updated_at, metadata`

// selectReadySQL 挑選下一個就緒任務：
// pending、已到期、所有依賴皆 completed，依優先級等級與到期時間排序。
const selectReadySQL = `
SELECT t.id FROM tasks t
WHERE t.agent_type = ?
  AND t.status = 'pending'
  AND t.scheduled_at <= ?
  AND NOT EXISTS (
      SELECT 1 FROM task_dependencies d
      JOIN tasks dep ON dep.id = d.depends_on
      WHERE d.task_id = t.id
        AND dep.status != 'completed'
  )
ORDER BY t.priority_rank ASC, t.scheduled_at ASC, t.created_at ASC
LIMIT 1`

// ============================================================================
// 資料結構定義
// ============================================================================

// Store SQLite 儲存層。所有元件共用同一個 Store 實例。
type Store struct {
	db *sql.DB
}

// Open 開啟（或建立）指定路徑的資料庫；path 為 ":memory:" 時使用記憶體資料庫。
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// 單一連線：讓 ":memory:" 資料庫保持一致，並避免多寫入者的 SQLITE_BUSY。
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	// WAL: 同一資料庫檔的其他連線（CLI 狀態查詢）讀取時不阻塞寫入
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close 關閉底層資料庫
func (s *Store) Close() error {
	return s.db.Close()
}

// ============================================================================
// 任務寫入
// ============================================================================

// SaveTask 在單一交易內插入任務與其依賴邊，並追加 submitted 日誌。
//
// 錯誤：
//   - ErrDuplicateTask: 任務 ID 已存在
//   - ValidationError:  依賴引用了不存在的任務或自身
func (s *Store) SaveTask(ctx context.Context, task *types.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM tasks WHERE id = ?)", task.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check duplicate: %w", err)
	}
	if exists {
		return ErrDuplicateTask
	}

	for _, dep := range task.Dependencies {
		if dep == task.ID {
			return &types.ValidationError{Field: "dependencies", Reason: "task cannot depend on itself"}
		}
		var depExists bool
		if err := tx.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM tasks WHERE id = ?)", dep).Scan(&depExists); err != nil {
			return fmt.Errorf("check dependency: %w", err)
		}
		if !depExists {
			return &types.ValidationError{
				Field:  "dependencies",
				Reason: fmt.Sprintf("unknown dependency task %s", dep),
			}
		}
	}

	metadata, err := marshalMetadata(task.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, type, agent_type, priority, priority_rank, payload,
			retry_count, max_retries, status, error_message, result,
			scheduled_at, started_at, completed_at, exec_millis,
			created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, NULL, NULL, NULL, ?, ?, ?)`,
		task.ID, task.Type, task.AgentType, task.Priority, task.Priority.Rank(),
		nullBytes(task.Payload), task.RetryCount, task.MaxRetries, task.Status,
		task.ScheduledAt.UnixMilli(), task.CreatedAt.UnixMilli(),
		task.UpdatedAt.UnixMilli(), metadata)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	for _, dep := range task.Dependencies {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO task_dependencies (task_id, depends_on) VALUES (?, ?)",
			task.ID, dep); err != nil {
			return fmt.Errorf("insert dependency edge: %w", err)
		}
	}

	if err := appendLogTx(ctx, tx, task.ID, "", "submitted",
		fmt.Sprintf("type=%s agent_type=%s priority=%s", task.Type, task.AgentType, task.Priority)); err != nil {
		return err
	}

	return tx.Commit()
}

// GetTask 讀取單一任務與其依賴列表
func (s *Store) GetTask(ctx context.Context, id types.TaskID) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewTaskNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	deps, err := s.dependencies(ctx, id)
	if err != nil {
		return nil, err
	}
	task.Dependencies = deps
	return task, nil
}

// UpdateStatus 依狀態機檢查後更新任務狀態，並追加日誌。
// 更新以「目前狀態未變才生效」的條件式 UPDATE 執行。
func (s *Store) UpdateStatus(ctx context.Context, id types.TaskID, next types.Status) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !types.CanTransition(task.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, next)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		next, time.Now().UnixMilli(), id, task.Status)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: task %s changed concurrently", ErrInvalidTransition, id)
	}

	return s.AppendLog(ctx, id, "", "status_changed", fmt.Sprintf("%s -> %s", task.Status, next))
}

// UpdateCompletion 將 running 任務標記為 completed，寫入結果與執行耗時。
func (s *Store) UpdateCompletion(ctx context.Context, id types.TaskID, result json.RawMessage, duration time.Duration) error {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'completed', result = ?, completed_at = ?,
			exec_millis = ?, error_message = NULL, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		nullBytes(result), now, duration.Milliseconds(), now, id)
	if err != nil {
		return fmt.Errorf("update completion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionConflict(ctx, id, types.StatusCompleted)
	}

	return s.AppendLog(ctx, id, "", "completed", fmt.Sprintf("duration=%s", duration))
}

// UpdateRetry 將 running 任務轉入 retrying，記錄錯誤並把 scheduled_at
// 設為退避結束的時間點。
func (s *Store) UpdateRetry(ctx context.Context, id types.TaskID, retryCount int, errMsg string, nextDue time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'retrying', retry_count = ?, error_message = ?,
			scheduled_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		retryCount, errMsg, nextDue.UnixMilli(), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionConflict(ctx, id, types.StatusRetrying)
	}

	return s.AppendLog(ctx, id, "", "retry_scheduled",
		fmt.Sprintf("attempt=%d next_due=%s error=%s", retryCount, nextDue.UTC().Format(time.RFC3339), errMsg))
}

// MarkDeadLetter 將 running 任務標記為死信（終態）。
func (s *Store) MarkDeadLetter(ctx context.Context, id types.TaskID, retryCount int, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'dead_letter', retry_count = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		retryCount, errMsg, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionConflict(ctx, id, types.StatusDeadLetter)
	}

	return s.AppendLog(ctx, id, "", "dead_lettered",
		fmt.Sprintf("attempts=%d error=%s", retryCount, errMsg))
}

// transitionConflict 為條件式更新失敗產生對應錯誤：任務不存在或狀態已變。
func (s *Store) transitionConflict(ctx context.Context, id types.TaskID, want types.Status) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, want)
}

// ============================================================================
// 原子認領
// ============================================================================

// ClaimNextReady 認領指定 agent_type 的下一個就緒任務。
//
// 挑選與認領在同一交易內完成；認領本身是條件式 UPDATE
// （WHERE status = 'pending'），因此同一任務不可能被兩個 worker
// 同時認領。無就緒任務或被其他 worker 搶先時回傳 ErrNoReadyTask。
func (s *Store) ClaimNextReady(ctx context.Context, agentType string, workerID types.WorkerID, now time.Time) (*types.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id types.TaskID
	err = tx.QueryRowContext(ctx, selectReadySQL, agentType, now.UnixMilli()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoReadyTask
	}
	if err != nil {
		return nil, fmt.Errorf("select ready: %w", err)
	}

	// 認領即轉入 running：只有仍是 pending 才會生效
	res, err := tx.ExecContext(ctx,
		"UPDATE tasks SET status = 'running', started_at = ?, updated_at = ? WHERE id = ? AND status = 'pending'",
		now.UnixMilli(), now.UnixMilli(), id)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNoReadyTask
	}

	row := tx.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	task, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("read claimed task: %w", err)
	}

	if err := appendLogTx(ctx, tx, id, workerID, "claimed", ""); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return task, nil
}

// RequeueDeadLetter 把死信任務重新排入佇列：狀態回到 pending、
// 重試預算歸零、立即可調度。這是唯一允許離開 dead_letter 的操作，
// 僅供人工重放使用。
func (s *Store) RequeueDeadLetter(ctx context.Context, id types.TaskID, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', retry_count = 0, error_message = NULL,
			started_at = NULL, scheduled_at = ?, updated_at = ?
		WHERE id = ? AND status = 'dead_letter'`,
		now.UnixMilli(), now.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("requeue dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		task, err := s.GetTask(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is not dead_letter", ErrInvalidTransition, task.Status)
	}

	return s.AppendLog(ctx, id, "", "replayed", "manual dead letter requeue")
}

// CancelTask 取消任務。僅 pending 與 retrying 可被取消；
// 其餘狀態為冪等 no-op，回傳 false。
func (s *Store) CancelTask(ctx context.Context, id types.TaskID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET status = 'cancelled', updated_at = ? WHERE id = ? AND status IN ('pending', 'retrying')",
		time.Now().UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("cancel task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// 區分「不可取消」與「任務不存在」
		if _, err := s.GetTask(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := s.AppendLog(ctx, id, "", "cancelled", ""); err != nil {
		return true, err
	}
	return true, nil
}

// ============================================================================
// 調度查詢
// ============================================================================

// DueTask 到期待回隊的任務摘要
type DueTask struct {
	ID        types.TaskID
	AgentType string
}

// DueRetrying 回傳退避時間已結束的 retrying 任務
func (s *Store) DueRetrying(ctx context.Context, now time.Time) ([]DueTask, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, agent_type FROM tasks WHERE status = 'retrying' AND scheduled_at <= ? ORDER BY scheduled_at ASC",
		now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query due retrying: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var due []DueTask
	for rows.Next() {
		var d DueTask
		if err := rows.Scan(&d.ID, &d.AgentType); err != nil {
			return nil, fmt.Errorf("scan due retrying: %w", err)
		}
		due = append(due, d)
	}
	return due, rows.Err()
}

// ReadyAgentTypes 回傳目前存在就緒 pending 任務的 agent_type 集合，
// 供調度器喚醒對應的 worker
func (s *Store) ReadyAgentTypes(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT t.agent_type FROM tasks t
		WHERE t.status = 'pending'
		  AND t.scheduled_at <= ?
		  AND NOT EXISTS (
		      SELECT 1 FROM task_dependencies d
		      JOIN tasks dep ON dep.id = d.depends_on
		      WHERE d.task_id = t.id
		        AND dep.status != 'completed'
		  )`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query ready agent types: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agentTypes []string
	for rows.Next() {
		var at string
		if err := rows.Scan(&at); err != nil {
			return nil, fmt.Errorf("scan ready agent type: %w", err)
		}
		agentTypes = append(agentTypes, at)
	}
	return agentTypes, rows.Err()
}

// PromoteRetrying 將單一 retrying 任務翻回 pending。
// 回傳是否生效（任務可能已被取消）。
func (s *Store) PromoteRetrying(ctx context.Context, id types.TaskID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET status = 'pending', updated_at = ? WHERE id = ? AND status = 'retrying'",
		time.Now().UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("promote retrying: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}

	if err := s.AppendLog(ctx, id, "", "requeued", "backoff elapsed"); err != nil {
		return true, err
	}
	return true, nil
}

// StuckRunning 回傳 started_at 早於 olderThan 的 running 任務，
// 供調度器作為超時失敗處理。
func (s *Store) StuckRunning(ctx context.Context, olderThan time.Time) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE status = 'running' AND started_at IS NOT NULL AND started_at <= ?",
		olderThan.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query stuck running: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stuck running: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ReadyCheck 診斷任務目前不可認領的原因。
//
// 回傳：
//   - nil:                      立即可認領（或已不在等待狀態）
//   - ErrNotDue:                調度時間未到或仍在退避
//   - ErrDependencyUnsatisfied: 仍有依賴任務未完成
func (s *Store) ReadyCheck(ctx context.Context, id types.TaskID, now time.Time) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}

	switch task.Status {
	case types.StatusRetrying:
		return types.ErrNotDue
	case types.StatusPending:
		if task.ScheduledAt.After(now) {
			return types.ErrNotDue
		}
		unmet, err := s.UnsatisfiedDeps(ctx, id)
		if err != nil {
			return err
		}
		if len(unmet) > 0 {
			return types.ErrDependencyUnsatisfied
		}
		return nil
	default:
		return nil
	}
}

// UnsatisfiedDeps 回傳尚未完成的依賴任務 ID
func (s *Store) UnsatisfiedDeps(ctx context.Context, id types.TaskID) ([]types.TaskID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.depends_on FROM task_dependencies d
		JOIN tasks dep ON dep.id = d.depends_on
		WHERE d.task_id = ? AND dep.status != 'completed'`, id)
	if err != nil {
		return nil, fmt.Errorf("query unsatisfied deps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []types.TaskID
	for rows.Next() {
		var dep types.TaskID
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("scan unsatisfied dep: %w", err)
		}
		ids = append(ids, dep)
	}
	return ids, rows.Err()
}

// ============================================================================
// 執行日誌
// ============================================================================

// AppendLog 追加一筆執行日誌。日誌只增不改。
func (s *Store) AppendLog(ctx context.Context, taskID types.TaskID, workerID types.WorkerID, action, detail string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO task_execution_log (task_id, worker_id, action, detail, created_at) VALUES (?, ?, ?, ?, ?)",
		taskID, string(workerID), action, detail, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func appendLogTx(ctx context.Context, tx *sql.Tx, taskID types.TaskID, workerID types.WorkerID, action, detail string) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO task_execution_log (task_id, worker_id, action, detail, created_at) VALUES (?, ?, ?, ?, ?)",
		taskID, string(workerID), action, detail, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// TaskHistory 讀取任務的完整執行日誌，依時間先後排序
func (s *Store) TaskHistory(ctx context.Context, taskID types.TaskID) ([]types.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, task_id, worker_id, action, detail, created_at FROM task_execution_log WHERE task_id = ? ORDER BY id ASC",
		taskID)
	if err != nil {
		return nil, fmt.Errorf("query task history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []types.LogEntry
	for rows.Next() {
		var (
			e        types.LogEntry
			workerID sql.NullString
			detail   sql.NullString
			created  int64
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &workerID, &e.Action, &detail, &created); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.WorkerID = types.WorkerID(workerID.String)
		e.Detail = detail.String
		e.CreatedAt = time.UnixMilli(created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ============================================================================
// 統計查詢
// ============================================================================

// CountByStatus 回傳各狀態的任務數
func (s *Store) CountByStatus(ctx context.Context) (map[types.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[types.Status]int64)
	for rows.Next() {
		var (
			status types.Status
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// AvgExecMillis 回傳已完成任務的平均執行耗時（毫秒）；無樣本時為 0
func (s *Store) AvgExecMillis(ctx context.Context) (float64, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		"SELECT AVG(exec_millis) FROM tasks WHERE status = 'completed' AND exec_millis IS NOT NULL").Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("avg exec millis: %w", err)
	}
	return avg.Float64, nil
}

// CompletedSince 回傳 completed_at 晚於 since 的完成任務數
func (s *Store) CompletedSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE status = 'completed' AND completed_at >= ?",
		since.UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("completed since: %w", err)
	}
	return n, nil
}

// ============================================================================
// 保留期清理
// ============================================================================

// DeleteCompletedBefore 刪除 completed_at 早於 cutoff 的完成任務，
// 依賴邊透過外鍵層疊刪除。回傳刪除筆數。
func (s *Store) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM tasks WHERE status = 'completed' AND completed_at IS NOT NULL AND completed_at <= ?",
		cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete completed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteLogsBefore 刪除早於 cutoff 的執行日誌，回傳刪除筆數
func (s *Store) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM task_execution_log WHERE created_at <= ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ============================================================================
// 掃描輔助
// ============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(sc rowScanner) (*types.Task, error) {
	var (
		task        types.Task
		payload     []byte
		result      []byte
		errMsg      sql.NullString
		scheduledAt int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		createdAt   int64
		updatedAt   int64
		metadata    sql.NullString
	)

	err := sc.Scan(&task.ID, &task.Type, &task.AgentType, &task.Priority, &payload,
		&task.RetryCount, &task.MaxRetries, &task.Status, &errMsg, &result,
		&scheduledAt, &startedAt, &completedAt, &createdAt, &updatedAt, &metadata)
	if err != nil {
		return nil, err
	}

	task.Payload = payload
	task.Result = result
	task.ErrorMessage = errMsg.String
	task.ScheduledAt = time.UnixMilli(scheduledAt).UTC()
	task.CreatedAt = time.UnixMilli(createdAt).UTC()
	task.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64).UTC()
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64).UTC()
		task.CompletedAt = &t
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &task.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	return &task, nil
}

func (s *Store) dependencies(ctx context.Context, id types.TaskID) ([]types.TaskID, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT depends_on FROM task_dependencies WHERE task_id = ? ORDER BY depends_on", id)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var deps []types.TaskID
	for rows.Next() {
		var dep types.TaskID
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func marshalMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/quaero/internal/models"
)

// TaskStorage implements interfaces.TaskStorage for SQLite. It is the sole
// writer of the tasks table; every queue and supervisor operation that
// affects task status must go through it.
type TaskStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewTaskStorage creates a new TaskStorage instance.
func NewTaskStorage(db *SQLiteDB, logger arbor.ILogger) *TaskStorage {
	return &TaskStorage{db: db, logger: logger}
}

// InsertTask creates a new task row. The caller is responsible for having
// ensured the parent crawlers row exists (via CrawlerStorage.EnsureCrawler).
func (s *TaskStorage) InsertTask(ctx context.Context, task *models.Task) error {
	metadataJSON, err := marshalMapOrNil(task.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal task_metadata: %w", err)
	}
	systemInfoJSON, err := marshalOrNil(task.SystemInfo)
	if err != nil {
		return fmt.Errorf("failed to marshal system_info: %w", err)
	}
	errDetailsJSON, err := marshalOrNil(task.ErrorDetails)
	if err != nil {
		return fmt.Errorf("failed to marshal error_details: %w", err)
	}

	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	if task.UpdatedAt == 0 {
		task.UpdatedAt = now
	}

	return retryWithExponentialBackoff(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		_, err := s.db.db.ExecContext(ctx,
			`INSERT INTO tasks (task_id, site_id, status, created_at, updated_at, completed_at, msg, error_details, task_metadata, system_info)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.TaskID, task.SiteID, string(task.Status), task.CreatedAt, task.UpdatedAt,
			nullIfZero(task.CompletedAt), task.Msg, errDetailsJSON, metadataJSON, systemInfoJSON)
		if err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}
		return nil
	})
}

// UpdateTaskStatus is the only way a task row's status, message, error
// details, metadata, or system info ever change after insertion.
//
// metadataMerge is applied as a shallow key-wise merge on top of the task's
// existing metadata: keys present in metadataMerge overwrite the existing
// value for that key; keys absent from metadataMerge are left untouched.
//
// If the task is already in a terminal status, the write is rejected rather
// than silently applied, so a worker's earlier FAILED write can never be
// clobbered by a later, stale SUCCESS classification.
func (s *TaskStorage) UpdateTaskStatus(
	ctx context.Context,
	taskID string,
	status models.TaskStatus,
	msg string,
	errDetails *models.ErrorDetails,
	metadataMerge map[string]interface{},
	systemInfo *models.SystemInfo,
) error {
	return retryWithExponentialBackoff(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		tx, err := s.db.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		var currentStatus string
		var currentMetadataJSON sql.NullString
		err = tx.QueryRowContext(ctx, `SELECT status, task_metadata FROM tasks WHERE task_id = ?`, taskID).
			Scan(&currentStatus, &currentMetadataJSON)
		if err == sql.ErrNoRows {
			return fmt.Errorf("task not found: %s", taskID)
		}
		if err != nil {
			return fmt.Errorf("failed to read current task status: %w", err)
		}

		if models.TaskStatus(currentStatus).IsTerminal() {
			return fmt.Errorf("task %s is already in terminal status %s, refusing to overwrite with %s", taskID, currentStatus, status)
		}

		merged := map[string]interface{}{}
		if currentMetadataJSON.Valid && currentMetadataJSON.String != "" {
			if err := json.Unmarshal([]byte(currentMetadataJSON.String), &merged); err != nil {
				return fmt.Errorf("failed to unmarshal existing task_metadata: %w", err)
			}
		}
		for k, v := range metadataMerge {
			merged[k] = v
		}

		var mergedJSON interface{}
		if len(merged) > 0 {
			data, err := json.Marshal(merged)
			if err != nil {
				return fmt.Errorf("failed to marshal merged task_metadata: %w", err)
			}
			mergedJSON = string(data)
		}

		errDetailsJSON, err := marshalOrNil(errDetails)
		if err != nil {
			return fmt.Errorf("failed to marshal error_details: %w", err)
		}
		systemInfoJSON, err := marshalOrNil(systemInfo)
		if err != nil {
			return fmt.Errorf("failed to marshal system_info: %w", err)
		}

		now := time.Now().Unix()
		var completedAt interface{}
		if status.IsTerminal() {
			completedAt = now
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, updated_at = ?, completed_at = COALESCE(completed_at, ?), msg = ?,
				error_details = COALESCE(?, error_details), task_metadata = ?, system_info = COALESCE(?, system_info)
			 WHERE task_id = ?`,
			string(status), now, completedAt, msg, errDetailsJSON, mergedJSON, systemInfoJSON, taskID)
		if err != nil {
			return fmt.Errorf("failed to update task status: %w", err)
		}

		if status.IsTerminal() {
			var siteID string
			if err := tx.QueryRowContext(ctx, `SELECT site_id FROM tasks WHERE task_id = ?`, taskID).Scan(&siteID); err != nil {
				return fmt.Errorf("failed to read site_id for terminal task: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE crawlers SET last_run_result = ?, total_tasks = total_tasks + 1 WHERE site_id = ?`,
				string(status), siteID); err != nil {
				return fmt.Errorf("failed to update crawler run result: %w", err)
			}
		}

		return tx.Commit()
	})
}

// GetTask returns one task, or nil (not an error) if it does not exist —
// callers treat an unknown task_id as status READY per the reconciler contract.
func (s *TaskStorage) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT task_id, site_id, status, created_at, updated_at, completed_at, msg, error_details, task_metadata, system_info
		 FROM tasks WHERE task_id = ?`, taskID)
	return scanTask(row)
}

// ListTasksBySite returns tasks for a site, optionally filtered by status
// (pass "" for no filter).
func (s *TaskStorage) ListTasksBySite(ctx context.Context, siteID string, status models.TaskStatus) ([]*models.Task, error) {
	query := `SELECT task_id, site_id, status, created_at, updated_at, completed_at, msg, error_details, task_metadata, system_info
	          FROM tasks WHERE site_id = ?`
	args := []interface{}{siteID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks by site: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasks returns tasks across all sites filtered by status (pass "" for no filter).
func (s *TaskStorage) ListTasks(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	query := `SELECT task_id, site_id, status, created_at, updated_at, completed_at, msg, error_details, task_metadata, system_info FROM tasks`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*models.Task, error) {
	var task models.Task
	var status string
	var completedAt sql.NullInt64
	var msg, errDetailsJSON, metadataJSON, systemInfoJSON sql.NullString

	err := row.Scan(&task.TaskID, &task.SiteID, &status, &task.CreatedAt, &task.UpdatedAt,
		&completedAt, &msg, &errDetailsJSON, &metadataJSON, &systemInfoJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	task.Status = models.TaskStatus(status)
	task.Msg = msg.String
	if completedAt.Valid {
		task.CompletedAt = completedAt.Int64
	}
	if errDetailsJSON.Valid && errDetailsJSON.String != "" {
		var details models.ErrorDetails
		if err := json.Unmarshal([]byte(errDetailsJSON.String), &details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error_details: %w", err)
		}
		task.ErrorDetails = &details
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		var meta map[string]interface{}
		if err := json.Unmarshal([]byte(metadataJSON.String), &meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task_metadata: %w", err)
		}
		task.Metadata = meta
	}
	if systemInfoJSON.Valid && systemInfoJSON.String != "" {
		var info models.SystemInfo
		if err := json.Unmarshal([]byte(systemInfoJSON.String), &info); err != nil {
			return nil, fmt.Errorf("failed to unmarshal system_info: %w", err)
		}
		task.SystemInfo = &info
	}
	return &task, nil
}

func marshalMapOrNil(m map[string]interface{}) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullIfZero(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

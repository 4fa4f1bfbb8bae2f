// Package reconciler holds the sole writer of task-state transitions. Every
// other component (queue manager, process supervisor) mutates task status
// through this package rather than touching the tasks table directly.
package reconciler

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/quaero/internal/interfaces"
	"github.com/ternarybob/quaero/internal/models"
)

// Reconciler is the Task Status Reconciler (C4).
type Reconciler struct {
	tasks  interfaces.TaskStorage
	logger arbor.ILogger
}

// New creates a Reconciler backed by the given task repository.
func New(tasks interfaces.TaskStorage, logger arbor.ILogger) *Reconciler {
	return &Reconciler{tasks: tasks, logger: logger}
}

// UpdateTaskStatus looks up the task and, if present, applies the status
// transition. It returns false (not an error) when the task does not exist,
// absorbing races between admission and status updates elsewhere in the
// system. task_metadata is merged shallowly; see models.Task for the field.
func (r *Reconciler) UpdateTaskStatus(
	ctx context.Context,
	taskID string,
	status models.TaskStatus,
	msg string,
	errDetails *models.ErrorDetails,
	metadataMerge map[string]interface{},
	systemInfo *models.SystemInfo,
) bool {
	existing, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		r.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to read task before status update")
		return false
	}
	if existing == nil {
		r.logger.Warn().Str("task_id", taskID).Msg("update_task_status on unknown task")
		return false
	}

	// Idempotent re-entry into the same terminal state is a no-op success,
	// not an error, so at-least-once callers never see a spurious failure.
	if existing.Status.IsTerminal() && existing.Status == status {
		return true
	}

	if err := r.tasks.UpdateTaskStatus(ctx, taskID, status, msg, errDetails, metadataMerge, systemInfo); err != nil {
		r.logger.Warn().Err(err).Str("task_id", taskID).Str("status", string(status)).Msg("failed to update task status")
		return false
	}
	return true
}

// GetTaskStatus returns the task's current status, defaulting to READY for
// an unknown task so callers racing with admission see a sane value.
func (r *Reconciler) GetTaskStatus(ctx context.Context, taskID string) models.TaskStatus {
	task, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		r.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to read task status")
		return models.TaskStatusReady
	}
	if task == nil {
		return models.TaskStatusReady
	}
	return task.Status
}

// GetTask returns the full task row, or nil if it does not exist.
func (r *Reconciler) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	return r.tasks.GetTask(ctx, taskID)
}

// InsertTask creates a new task row in READY status. This is the only entry
// point for new tasks; the queue manager calls it before pushing to its FIFO.
func (r *Reconciler) InsertTask(ctx context.Context, task *models.Task) error {
	return r.tasks.InsertTask(ctx, task)
}

// ListTasksBySite lists tasks for one site, optionally filtered by status.
func (r *Reconciler) ListTasksBySite(ctx context.Context, siteID string, status models.TaskStatus) ([]*models.Task, error) {
	return r.tasks.ListTasksBySite(ctx, siteID, status)
}

// ListTasks lists tasks across all sites, optionally filtered by status.
func (r *Reconciler) ListTasks(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	return r.tasks.ListTasks(ctx, status, limit)
}

// Package queue implements the Queue Manager (C5): per-site FIFOs layered
// over the Task Status Reconciler. It keeps no running-task exclusion state
// of its own — that is the Process Supervisor's (C6) sole responsibility,
// consulted here through the narrow interfaces.RunningSiteChecker.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/interfaces"
	"github.com/ternarybob/quaero/internal/models"
	"github.com/ternarybob/quaero/internal/reconciler"
)

// TaskCreate is the input to add_task.
type TaskCreate struct {
	SiteID   string
	Metadata map[string]interface{}
}

type taskInfo struct {
	SiteID   string
	QueuedAt int64
	Metadata map[string]interface{}
}

// Manager is the Queue Manager (C5).
type Manager struct {
	reconciler *reconciler.Reconciler
	running    interfaces.RunningSiteChecker
	logger     arbor.ILogger

	mu       sync.Mutex
	queues   map[string][]string
	taskInfo map[string]taskInfo
}

// New creates a Manager. SetRunningSiteChecker must be called (once the
// supervisor exists) before get_next_task is used, since C5 and C6 are
// constructed in sequence with a circular dependency on each other.
func New(recon *reconciler.Reconciler, logger arbor.ILogger) *Manager {
	return &Manager{
		reconciler: recon,
		logger:     logger,
		queues:     make(map[string][]string),
		taskInfo:   make(map[string]taskInfo),
	}
}

// SetRunningSiteChecker wires the process supervisor's per-site exclusion
// check in after construction, breaking the C5/C6 construction cycle.
func (m *Manager) SetRunningSiteChecker(checker interfaces.RunningSiteChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = checker
}

// AddTask inserts the task in the store as READY first, then pushes it onto
// the site's FIFO only after the insert commits.
func (m *Manager) AddTask(ctx context.Context, create TaskCreate) (*models.Task, error) {
	if create.SiteID == "" {
		return nil, fmt.Errorf("add_task requires a site_id")
	}

	now := time.Now()
	task := &models.Task{
		TaskID:    generateTaskID(create.SiteID, now),
		SiteID:    create.SiteID,
		Status:    models.TaskStatusReady,
		CreatedAt: now.Unix(),
		UpdatedAt: now.Unix(),
		Metadata:  create.Metadata,
	}

	if err := m.reconciler.InsertTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}

	m.mu.Lock()
	m.queues[create.SiteID] = append(m.queues[create.SiteID], task.TaskID)
	m.taskInfo[task.TaskID] = taskInfo{SiteID: create.SiteID, QueuedAt: now.Unix(), Metadata: create.Metadata}
	m.mu.Unlock()

	return task, nil
}

func generateTaskID(siteID string, at time.Time) string {
	rand := uuid.New().String()[:4]
	return fmt.Sprintf("%s-%s-%s", siteID, at.Format("20060102-150405"), rand)
}

// GetPendingTasks returns the union of all READY rows in the store
// (optionally filtered by site) and any in-memory task not yet surfaced that
// way, deduplicated by task_id.
func (m *Manager) GetPendingTasks(ctx context.Context, siteID string) ([]*models.Task, error) {
	var stored []*models.Task
	var err error
	if siteID != "" {
		stored, err = m.reconciler.ListTasksBySite(ctx, siteID, models.TaskStatusReady)
	} else {
		stored, err = m.reconciler.ListTasks(ctx, models.TaskStatusReady, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}

	seen := make(map[string]bool, len(stored))
	result := make([]*models.Task, 0, len(stored))
	for _, t := range stored {
		seen[t.TaskID] = true
		result = append(result, t)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for taskID, info := range m.taskInfo {
		if seen[taskID] {
			continue
		}
		if siteID != "" && info.SiteID != siteID {
			continue
		}
		result = append(result, &models.Task{
			TaskID: taskID, SiteID: info.SiteID, Status: models.TaskStatusReady,
			CreatedAt: info.QueuedAt, Metadata: info.Metadata,
		})
	}
	return result, nil
}

// GetNextTask returns the head of the site's FIFO, provided the supervisor
// reports no task of that site currently running, and transitions it to
// PENDING via the reconciler.
func (m *Manager) GetNextTask(ctx context.Context, siteID string) (*models.Task, error) {
	m.mu.Lock()
	if m.running != nil && m.running.IsSiteRunning(siteID) {
		m.mu.Unlock()
		return nil, nil
	}
	queue := m.queues[siteID]
	if len(queue) == 0 {
		m.mu.Unlock()
		return nil, nil
	}
	taskID := queue[0]
	m.queues[siteID] = queue[1:]
	m.mu.Unlock()

	if ok := m.reconciler.UpdateTaskStatus(ctx, taskID, models.TaskStatusQueued, "dequeued", nil, nil, nil); !ok {
		m.logger.Warn().Str("task_id", taskID).Msg("failed to transition dequeued task to PENDING")
	}
	return m.reconciler.GetTask(ctx, taskID)
}

// CompleteTask transitions a task to a terminal status with completed_at set
// and drops its in-memory bookkeeping.
func (m *Manager) CompleteTask(ctx context.Context, taskID string, status models.TaskStatus, msg string) bool {
	ok := m.reconciler.UpdateTaskStatus(ctx, taskID, status, msg, nil, nil, nil)

	m.mu.Lock()
	delete(m.taskInfo, taskID)
	m.mu.Unlock()
	return ok
}

// CancelTask removes a task from its queue if still pending and transitions
// it to CANCELLED.
func (m *Manager) CancelTask(ctx context.Context, taskID string) bool {
	m.mu.Lock()
	if info, ok := m.taskInfo[taskID]; ok {
		queue := m.queues[info.SiteID]
		for i, id := range queue {
			if id == taskID {
				m.queues[info.SiteID] = append(queue[:i], queue[i+1:]...)
				break
			}
		}
		delete(m.taskInfo, taskID)
	}
	m.mu.Unlock()

	return m.reconciler.UpdateTaskStatus(ctx, taskID, models.TaskStatusCancelled, "cancelled", nil, nil, nil)
}

// ClearResult reports the outcome of clear_pending_tasks.
type ClearResult struct {
	ClearedCount   int
	TotalReadyCount int
	SiteID         string
}

// ClearPendingTasks cancels every READY task matching the optional site
// filter and reports how many were cleared.
func (m *Manager) ClearPendingTasks(ctx context.Context, siteID string) (*ClearResult, error) {
	var ready []*models.Task
	var err error
	if siteID != "" {
		ready, err = m.reconciler.ListTasksBySite(ctx, siteID, models.TaskStatusReady)
	} else {
		ready, err = m.reconciler.ListTasks(ctx, models.TaskStatusReady, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list ready tasks: %w", err)
	}

	cleared := 0
	for _, t := range ready {
		if m.CancelTask(ctx, t.TaskID) {
			cleared++
		}
	}
	return &ClearResult{ClearedCount: cleared, TotalReadyCount: len(ready), SiteID: siteID}, nil
}

// Cleanup cancels every tracked task and clears in-memory state.
func (m *Manager) Cleanup(ctx context.Context) {
	m.mu.Lock()
	taskIDs := make([]string, 0, len(m.taskInfo))
	for id := range m.taskInfo {
		taskIDs = append(taskIDs, id)
	}
	m.mu.Unlock()

	for _, id := range taskIDs {
		m.CancelTask(ctx, id)
	}

	m.mu.Lock()
	m.queues = make(map[string][]string)
	m.taskInfo = make(map[string]taskInfo)
	m.mu.Unlock()
}

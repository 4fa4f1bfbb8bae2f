package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// TaskEventAggregator batches task status-change notifications and triggers
// a websocket fan-out on a time interval. Rather than pushing every single
// status write, it triggers consumers to fetch the latest state.
// Triggers occur:
//   - Every timeThreshold (default 1 second) for tasks with pending changes
//   - Immediately when a task reaches a terminal status
type TaskEventAggregator struct {
	mu            sync.Mutex
	timeThreshold time.Duration

	taskHasEvents   map[string]bool      // task_id -> has pending status change
	taskLastTrigger map[string]time.Time // task_id -> last trigger time

	// onTrigger fans out to websocket subscribers (taskIDs, terminal flag)
	onTrigger func(ctx context.Context, taskIDs []string, terminal bool)

	logger arbor.ILogger
}

// NewTaskEventAggregator creates an aggregator with time-based triggering.
func NewTaskEventAggregator(
	timeThreshold time.Duration,
	onTrigger func(ctx context.Context, taskIDs []string, terminal bool),
	logger arbor.ILogger,
) *TaskEventAggregator {
	if timeThreshold <= 0 {
		timeThreshold = time.Second
	}

	return &TaskEventAggregator{
		timeThreshold:   timeThreshold,
		taskHasEvents:   make(map[string]bool),
		taskLastTrigger: make(map[string]time.Time),
		onTrigger:       onTrigger,
		logger:          logger,
	}
}

// RecordEvent records that a task has a pending status change, to be
// included in the next periodic trigger.
func (a *TaskEventAggregator) RecordEvent(ctx context.Context, taskID string) {
	if taskID == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.taskHasEvents[taskID] = true
	if _, exists := a.taskLastTrigger[taskID]; !exists {
		a.taskLastTrigger[taskID] = time.Now()
	}
}

// TriggerImmediately sends a refresh trigger for a task right away, used
// when a task reaches a terminal status (succeeded/failed/cancelled).
func (a *TaskEventAggregator) TriggerImmediately(ctx context.Context, taskID string) {
	if taskID == "" {
		return
	}

	a.mu.Lock()
	a.taskHasEvents[taskID] = false
	a.taskLastTrigger[taskID] = time.Now()
	a.mu.Unlock()

	a.logger.Debug().Str("task_id", taskID).Msg("task event aggregator: immediate trigger")
	a.safeOnTrigger(ctx, []string{taskID}, true)
}

// FlushAll triggers refresh for all pending tasks, used on shutdown.
func (a *TaskEventAggregator) FlushAll(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	taskIDs := make([]string, 0, len(a.taskHasEvents))
	for taskID, hasEvents := range a.taskHasEvents {
		if hasEvents {
			taskIDs = append(taskIDs, taskID)
			a.taskHasEvents[taskID] = false
			a.taskLastTrigger[taskID] = time.Now()
		}
	}

	if len(taskIDs) > 0 {
		a.logger.Debug().Int("task_count", len(taskIDs)).Msg("task event aggregator flushing all pending events")
		go a.safeOnTrigger(ctx, taskIDs, false)
	}
}

// safeOnTrigger wraps onTrigger with panic recovery so a bad websocket
// consumer callback cannot bring down the supervisor tick loop.
func (a *TaskEventAggregator) safeOnTrigger(ctx context.Context, taskIDs []string, terminal bool) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Int("task_count", len(taskIDs)).
				Bool("terminal", terminal).
				Msg("panic in TaskEventAggregator.onTrigger - recovered")
		}
	}()
	a.onTrigger(ctx, taskIDs, terminal)
}

// StartPeriodicFlush starts a background goroutine that triggers every
// timeThreshold until ctx is cancelled.
func (a *TaskEventAggregator) StartPeriodicFlush(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(a.timeThreshold)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				a.FlushAll(context.Background())
				return
			case <-ticker.C:
				a.flushPending(ctx)
			}
		}
	}()
}

// flushPending triggers refresh for all tasks with pending changes.
func (a *TaskEventAggregator) flushPending(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	taskIDs := make([]string, 0)

	for taskID, hasEvents := range a.taskHasEvents {
		if !hasEvents {
			continue
		}
		taskIDs = append(taskIDs, taskID)
		a.taskHasEvents[taskID] = false
		a.taskLastTrigger[taskID] = now
	}

	if len(taskIDs) > 0 {
		a.logger.Debug().Int("task_count", len(taskIDs)).Msg("task event aggregator: periodic trigger")
		go a.safeOnTrigger(ctx, taskIDs, false)
	}
}

// Cleanup removes tracking data for a task once it has been fully drained.
func (a *TaskEventAggregator) Cleanup(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.taskHasEvents, taskID)
	delete(a.taskLastTrigger, taskID)
}

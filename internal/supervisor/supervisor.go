// Package supervisor implements the Process Supervisor (C6): it drives the
// READY -> RUNNING -> terminal transition by spawning and monitoring real
// cmd/fleetworker child processes, and is the sole authority on which sites
// currently have a task running.
package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/models"
	"github.com/ternarybob/quaero/internal/queue"
	"github.com/ternarybob/quaero/internal/reconciler"
)

const (
	tickInterval       = 5 * time.Second
	gracefulKillWindow = 5 * time.Second
)

// Config tunes the supervisor's spawn behavior.
type Config struct {
	WorkerBinaryPath string
	LogDir           string
	MaxConcurrency   int
	TaskTimeoutSec   int
}

// procHandle tracks one spawned worker. exitCode/exited are written exactly
// once, by the goroutine that calls cmd.Wait(), and read under the
// supervisor's lock.
type procHandle struct {
	cmd       *exec.Cmd
	siteID    string
	startTime time.Time
	exited    bool
	exitCode  int
}

// Supervisor is the Process Supervisor (C6). It implements
// interfaces.RunningSiteChecker for the queue manager (C5) to consult.
type Supervisor struct {
	queue      *queue.Manager
	reconciler *reconciler.Reconciler
	logger     arbor.ILogger
	config     Config

	mu           sync.Mutex
	processes    map[string]*procHandle
	runningSites map[string]string // site_id -> task_id

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Supervisor. Call Start to begin the periodic tick.
func New(q *queue.Manager, recon *reconciler.Reconciler, config Config, logger arbor.ILogger) *Supervisor {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 8
	}
	if config.TaskTimeoutSec <= 0 {
		config.TaskTimeoutSec = 240
	}
	return &Supervisor{
		queue:        q,
		reconciler:   recon,
		config:       config,
		logger:       logger,
		processes:    make(map[string]*procHandle),
		runningSites: make(map[string]string),
	}
}

// IsSiteRunning implements interfaces.RunningSiteChecker.
func (s *Supervisor) IsSiteRunning(siteID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, running := s.runningSites[siteID]
	return running
}

// RunningCounts reports the current tracked process count and distinct
// running-site count, for the /healthz endpoint.
func (s *Supervisor) RunningCounts() (runningTasks, runningSites int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processes), len(s.runningSites)
}

// Ticking reports whether the periodic scheduling loop has been started.
func (s *Supervisor) Ticking() bool {
	return s.done != nil
}

// Start launches the background tick loop. It returns immediately.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// tick runs one pass: reap finished/timed-out processes, then fill slack
// capacity with READY tasks. A panic while handling one task must never
// stop the loop for the others.
func (s *Supervisor) tick(ctx context.Context) {
	s.reapProcesses(ctx)

	s.mu.Lock()
	runningCount := len(s.runningSites)
	s.mu.Unlock()

	if runningCount < s.config.MaxConcurrency {
		s.startCrawlerTask(ctx)
	}
}

func (s *Supervisor) reapProcesses(ctx context.Context) {
	s.mu.Lock()
	taskIDs := make([]string, 0, len(s.processes))
	for id := range s.processes {
		taskIDs = append(taskIDs, id)
	}
	s.mu.Unlock()

	for _, taskID := range taskIDs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error().Interface("recover", r).Str("task_id", taskID).Msg("panic while reaping worker process")
				}
			}()
			s.reapOne(ctx, taskID)
		}()
	}
}

func (s *Supervisor) reapOne(ctx context.Context, taskID string) {
	s.mu.Lock()
	handle, ok := s.processes[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	exited := handle.exited
	exitCode := handle.exitCode
	runningFor := time.Since(handle.startTime)
	s.mu.Unlock()

	if !exited && runningFor > time.Duration(s.config.TaskTimeoutSec)*time.Second {
		s.logger.Warn().Str("task_id", taskID).Dur("running_for", runningFor).Msg("worker exceeded task timeout, killing")
		s.terminateHandle(handle)
		s.finishTask(ctx, taskID, models.TaskStatusFailed, fmt.Sprintf("timeout (%.0fs)", runningFor.Seconds()))
		return
	}

	if !exited {
		return
	}

	if exitCode == 0 {
		s.finishTask(ctx, taskID, models.TaskStatusSucceeded, "exit 0")
	} else {
		s.finishTask(ctx, taskID, models.TaskStatusFailed, fmt.Sprintf("exit %d (%.0fs)", exitCode, runningFor.Seconds()))
	}
}

// finishTask records the terminal status and releases bookkeeping. A status
// already made terminal by the worker itself (e.g. an earlier FAILED write
// via C4) is left alone rather than overwritten.
func (s *Supervisor) finishTask(ctx context.Context, taskID string, status models.TaskStatus, msg string) {
	current := s.reconciler.GetTaskStatus(ctx, taskID)
	if !current.IsTerminal() {
		s.queue.CompleteTask(ctx, taskID, status, msg)
	}
	s.releaseSlot(taskID)
}

func (s *Supervisor) releaseSlot(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle, ok := s.processes[taskID]; ok {
		delete(s.runningSites, handle.siteID)
	}
	delete(s.processes, taskID)
}

// StartCrawlerTasks runs one scheduling pass on demand (outside the regular
// tick), for the HTTP admission surface's /queue/start and
// /queue/{site_id}/start endpoints. The pass covers READY tasks of every
// site; it takes no site filter.
func (s *Supervisor) StartCrawlerTasks(ctx context.Context) []*models.Task {
	return s.startCrawlerTask(ctx)
}

// startCrawlerTask selects READY tasks ordered by created_at ascending and
// spawns a worker for each one not already excluded by a running site or
// capacity, until capacity or candidates run out.
func (s *Supervisor) startCrawlerTask(ctx context.Context) []*models.Task {
	candidates, err := s.reconciler.ListTasks(ctx, models.TaskStatusReady, 0)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list ready tasks for scheduling")
		return nil
	}

	// ListTasks orders most-recent-first for display purposes; scheduling
	// needs first-come-first-served, so flip it here rather than changing
	// the shared listing API's contract.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt < candidates[j].CreatedAt })

	started := make([]*models.Task, 0)
	for _, task := range candidates {
		s.mu.Lock()
		_, siteRunning := s.runningSites[task.SiteID]
		full := len(s.runningSites) >= s.config.MaxConcurrency
		s.mu.Unlock()
		if siteRunning || full {
			continue
		}

		if err := s.spawn(ctx, task); err != nil {
			s.logger.Warn().Err(err).Str("task_id", task.TaskID).Str("site_id", task.SiteID).Msg("failed to spawn worker")
			continue
		}
		started = append(started, task)
	}
	return started
}

func (s *Supervisor) spawn(ctx context.Context, task *models.Task) error {
	logDir := filepath.Join(s.config.LogDir, task.SiteID)
	cmd := exec.Command(s.config.WorkerBinaryPath, "--site_id", task.SiteID, "--task_id", task.TaskID)
	cmd.Env = append(cmd.Environ(), fmt.Sprintf("FLEETWORKER_LOG_DIR=%s", logDir))

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	handle := &procHandle{cmd: cmd, siteID: task.SiteID, startTime: time.Now()}

	s.mu.Lock()
	s.processes[task.TaskID] = handle
	s.runningSites[task.SiteID] = task.TaskID
	s.mu.Unlock()

	s.watch(task.TaskID, handle)

	ok := s.reconciler.UpdateTaskStatus(ctx, task.TaskID, models.TaskStatusRunning, "started", nil,
		map[string]interface{}{"pid": cmd.Process.Pid}, &models.SystemInfo{PID: cmd.Process.Pid})
	if !ok {
		s.cleanupTask(task.TaskID)
		return fmt.Errorf("failed to record RUNNING transition for task %s", task.TaskID)
	}
	return nil
}

// watch reaps the child in the background so it never becomes a zombie, and
// records its exit code for the next tick to classify.
func (s *Supervisor) watch(taskID string, handle *procHandle) {
	go func() {
		err := handle.cmd.Wait()
		code := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		s.mu.Lock()
		handle.exited = true
		handle.exitCode = code
		s.mu.Unlock()
	}()
}

// cleanupTask terminates a worker if still alive (graceful, then forced) and
// drops all bookkeeping for it.
func (s *Supervisor) cleanupTask(taskID string) {
	s.mu.Lock()
	handle, ok := s.processes[taskID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.terminateHandle(handle)
	s.releaseSlot(taskID)
}

// terminateHandle sends a graceful termination signal, then force-kills if
// the process has not exited within gracefulKillWindow. watch's goroutine is
// responsible for the final cmd.Wait(); this only waits on the exited flag.
func (s *Supervisor) terminateHandle(handle *procHandle) {
	s.mu.Lock()
	exited := handle.exited
	s.mu.Unlock()
	if exited {
		return
	}

	terminateGracefully(handle.cmd.Process)

	deadline := time.Now().Add(gracefulKillWindow)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		exited = handle.exited
		s.mu.Unlock()
		if exited {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	handle.cmd.Process.Kill()
}

// Cleanup terminates every tracked worker, cancels their task rows, and
// stops the tick loop.
func (s *Supervisor) Cleanup(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}

	s.mu.Lock()
	taskIDs := make([]string, 0, len(s.processes))
	for id := range s.processes {
		taskIDs = append(taskIDs, id)
	}
	s.mu.Unlock()

	for _, taskID := range taskIDs {
		s.cleanupTask(taskID)
		s.queue.CancelTask(ctx, taskID)
	}
}

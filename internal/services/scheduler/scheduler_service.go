// Package scheduler wraps robfig/cron to drive the optional daily
// check-in pass. The supervisor's own task scheduling tick is a plain
// time.Ticker; this package only exists for calendar-scheduled work.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
)

// jobEntry tracks one registered cron job.
type jobEntry struct {
	name     string
	schedule string
	entryID  cron.EntryID
	lastRun  *time.Time
	lastErr  string
}

// Service runs calendar-scheduled jobs on top of robfig/cron.
type Service struct {
	cron    *cron.Cron
	logger  arbor.ILogger
	mu      sync.Mutex
	jobs    map[string]*jobEntry
	running bool
}

// NewService creates a scheduler with no jobs registered.
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		cron:   cron.New(),
		logger: logger,
		jobs:   make(map[string]*jobEntry),
	}
}

// RegisterJob adds a named job on the given cron schedule. It may be called
// before or after Start; a job added after Start runs from its next
// scheduled time.
func (s *Service) RegisterJob(name, schedule string, handler func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}

	entry := &jobEntry{name: name, schedule: schedule}

	entryID, err := s.cron.AddFunc(schedule, func() {
		now := time.Now()
		s.mu.Lock()
		entry.lastRun = &now
		s.mu.Unlock()

		if err := handler(); err != nil {
			s.mu.Lock()
			entry.lastErr = err.Error()
			s.mu.Unlock()
			s.logger.Error().Err(err).Str("job", name).Msg("scheduled job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %q: %w", name, err)
	}

	entry.entryID = entryID
	s.jobs[name] = entry
	s.logger.Info().Str("job", name).Str("schedule", schedule).Msg("scheduled job registered")
	return nil
}

// Start begins running the scheduler in the background. Not blocking.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.cron.Start()
	s.running = true
	s.logger.Info().Msg("scheduler started")
	return nil
}

// Stop halts the scheduler and waits for any running job to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("scheduler stopped")
}

// Package ingest implements the Result & Check-in Ingest (C7): two write
// methods that persist scrape outputs keyed by task, plus the read helpers
// used by collaborators outside the core.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/quaero/internal/interfaces"
	"github.com/ternarybob/quaero/internal/models"
)

// Service is the Result & Check-in Ingest (C7).
type Service struct {
	results interfaces.ResultStorage
	tasks   interfaces.TaskStorage
	logger  arbor.ILogger
}

// New creates an ingest Service.
func New(results interfaces.ResultStorage, tasks interfaces.TaskStorage, logger arbor.ILogger) *Service {
	return &Service{results: results, tasks: tasks, logger: logger}
}

// SaveResult verifies the parent task exists, then inserts or updates the
// one-to-one result row.
func (s *Service) SaveResult(ctx context.Context, result *models.Result) error {
	task, err := s.tasks.GetTask(ctx, result.TaskID)
	if err != nil {
		return fmt.Errorf("failed to verify parent task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("cannot save result for unknown task %s", result.TaskID)
	}
	return s.results.SaveResult(ctx, result)
}

// SaveCheckinResult inserts one check-in row for a task, defaulting
// checkin_date to midnight of the local day if not supplied.
func (s *Service) SaveCheckinResult(ctx context.Context, result *models.CheckInResult) error {
	task, err := s.tasks.GetTask(ctx, result.TaskID)
	if err != nil {
		return fmt.Errorf("failed to verify parent task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("cannot save checkin result for unknown task %s", result.TaskID)
	}
	if result.CheckinDate == 0 {
		now := time.Now()
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		result.CheckinDate = midnight.Unix()
	}
	if result.LastRunAt == 0 {
		result.LastRunAt = time.Now().Unix()
	}
	return s.results.SaveCheckinResult(ctx, result)
}

// LatestResult returns the most recent result for a site.
func (s *Service) LatestResult(ctx context.Context, siteID string) (*models.Result, error) {
	return s.results.LatestResult(ctx, siteID)
}

// ResultsInRange returns results for a site in [from, to].
func (s *Service) ResultsInRange(ctx context.Context, siteID string, from, to time.Time) ([]*models.Result, error) {
	return s.results.ResultsInRange(ctx, siteID, from.Unix(), to.Unix())
}

// LatestCheckin returns the most recent check-in for a site.
func (s *Service) LatestCheckin(ctx context.Context, siteID string) (*models.CheckInResult, error) {
	return s.results.LatestCheckin(ctx, siteID)
}

// CheckinsInRange returns check-ins for a site in [from, to].
func (s *Service) CheckinsInRange(ctx context.Context, siteID string, from, to time.Time) ([]*models.CheckInResult, error) {
	return s.results.CheckinsInRange(ctx, siteID, from.Unix(), to.Unix())
}

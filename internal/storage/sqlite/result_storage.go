package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/quaero/internal/models"
)

// ResultStorage implements interfaces.ResultStorage for SQLite.
type ResultStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewResultStorage creates a new ResultStorage instance.
func NewResultStorage(db *SQLiteDB, logger arbor.ILogger) *ResultStorage {
	return &ResultStorage{db: db, logger: logger}
}

// SaveResult upserts a task's scraped statistics. If Download is zero and the
// caller did not supply a ratio, the stored ratio is forced to
// models.RatioSentinel rather than left as a meaningless zero-over-zero value.
func (s *ResultStorage) SaveResult(ctx context.Context, result *models.Result) error {
	ratio := result.Ratio
	if result.Download == 0 && ratio == 0 {
		ratio = models.RatioSentinel
	}

	return retryWithExponentialBackoff(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		_, err := s.db.db.ExecContext(ctx,
			`INSERT INTO results (task_id, site_id, username, user_class, uid, join_time, last_active,
				upload, download, ratio, bonus, seeding_score, hr_count, bonus_per_hour, seeding_size, seeding_count)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(task_id) DO UPDATE SET
				username = excluded.username,
				user_class = excluded.user_class,
				uid = excluded.uid,
				join_time = excluded.join_time,
				last_active = excluded.last_active,
				upload = excluded.upload,
				download = excluded.download,
				ratio = excluded.ratio,
				bonus = excluded.bonus,
				seeding_score = excluded.seeding_score,
				hr_count = excluded.hr_count,
				bonus_per_hour = excluded.bonus_per_hour,
				seeding_size = excluded.seeding_size,
				seeding_count = excluded.seeding_count`,
			result.TaskID, result.SiteID, result.Username, result.UserClass, result.UID,
			nullIfZero(result.JoinTime), nullIfZero(result.LastActive),
			result.Upload, result.Download, ratio, result.Bonus, result.SeedingScore,
			result.HRCount, result.BonusPerHour, result.SeedingSize, result.SeedingCount)
		if err != nil {
			return fmt.Errorf("failed to save result: %w", err)
		}
		return nil
	})
}

// LatestResult returns the most recently completed result for a site, or nil if none exists.
func (s *ResultStorage) LatestResult(ctx context.Context, siteID string) (*models.Result, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT r.task_id, r.site_id, r.username, r.user_class, r.uid, r.join_time, r.last_active,
			r.upload, r.download, r.ratio, r.bonus, r.seeding_score, r.hr_count, r.bonus_per_hour,
			r.seeding_size, r.seeding_count
		 FROM results r JOIN tasks t ON t.task_id = r.task_id
		 WHERE r.site_id = ? ORDER BY t.completed_at DESC LIMIT 1`, siteID)
	return scanResult(row)
}

// ResultsInRange returns results for a site whose task completed within [fromUnix, toUnix].
func (s *ResultStorage) ResultsInRange(ctx context.Context, siteID string, fromUnix, toUnix int64) ([]*models.Result, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT r.task_id, r.site_id, r.username, r.user_class, r.uid, r.join_time, r.last_active,
			r.upload, r.download, r.ratio, r.bonus, r.seeding_score, r.hr_count, r.bonus_per_hour,
			r.seeding_size, r.seeding_count
		 FROM results r JOIN tasks t ON t.task_id = r.task_id
		 WHERE r.site_id = ? AND t.completed_at BETWEEN ? AND ?
		 ORDER BY t.completed_at ASC`, siteID, fromUnix, toUnix)
	if err != nil {
		return nil, fmt.Errorf("failed to query results in range: %w", err)
	}
	defer rows.Close()

	var results []*models.Result
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

func scanResult(row rowScanner) (*models.Result, error) {
	var result models.Result
	var username, userClass, uid sql.NullString
	var joinTime, lastActive sql.NullInt64

	err := row.Scan(&result.TaskID, &result.SiteID, &username, &userClass, &uid, &joinTime, &lastActive,
		&result.Upload, &result.Download, &result.Ratio, &result.Bonus, &result.SeedingScore,
		&result.HRCount, &result.BonusPerHour, &result.SeedingSize, &result.SeedingCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan result: %w", err)
	}

	result.Username = username.String
	result.UserClass = userClass.String
	result.UID = uid.String
	result.JoinTime = joinTime.Int64
	result.LastActive = lastActive.Int64
	return &result, nil
}

// SaveCheckinResult appends one check-in outcome for a task.
func (s *ResultStorage) SaveCheckinResult(ctx context.Context, result *models.CheckInResult) error {
	return retryWithExponentialBackoff(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		_, err := s.db.db.ExecContext(ctx,
			`INSERT INTO checkin_results (task_id, site_id, result, checkin_date, last_run_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(task_id) DO UPDATE SET
				result = excluded.result,
				checkin_date = excluded.checkin_date,
				last_run_at = excluded.last_run_at`,
			result.TaskID, result.SiteID, result.Result, result.CheckinDate, result.LastRunAt)
		if err != nil {
			return fmt.Errorf("failed to save checkin result: %w", err)
		}
		return nil
	})
}

// LatestCheckin returns the most recent check-in for a site, or nil if none exists.
func (s *ResultStorage) LatestCheckin(ctx context.Context, siteID string) (*models.CheckInResult, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT task_id, site_id, result, checkin_date, last_run_at FROM checkin_results
		 WHERE site_id = ? ORDER BY last_run_at DESC LIMIT 1`, siteID)
	return scanCheckinResult(row)
}

// CheckinsInRange returns check-ins for a site within [fromUnix, toUnix] by checkin_date.
func (s *ResultStorage) CheckinsInRange(ctx context.Context, siteID string, fromUnix, toUnix int64) ([]*models.CheckInResult, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT task_id, site_id, result, checkin_date, last_run_at FROM checkin_results
		 WHERE site_id = ? AND checkin_date BETWEEN ? AND ?
		 ORDER BY checkin_date ASC`, siteID, fromUnix, toUnix)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkins in range: %w", err)
	}
	defer rows.Close()

	var results []*models.CheckInResult
	for rows.Next() {
		result, err := scanCheckinResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

func scanCheckinResult(row rowScanner) (*models.CheckInResult, error) {
	var result models.CheckInResult
	err := row.Scan(&result.TaskID, &result.SiteID, &result.Result, &result.CheckinDate, &result.LastRunAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan checkin result: %w", err)
	}
	return &result, nil
}

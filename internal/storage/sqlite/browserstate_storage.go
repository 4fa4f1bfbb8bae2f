package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/quaero/internal/models"
)

// BrowserStateStorage implements interfaces.BrowserStateStorage for SQLite.
type BrowserStateStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewBrowserStateStorage creates a new BrowserStateStorage instance.
func NewBrowserStateStorage(db *SQLiteDB, logger arbor.ILogger) *BrowserStateStorage {
	return &BrowserStateStorage{db: db, logger: logger}
}

// Save upserts a site's browser state, creating the parent crawlers row
// first if this is the first time the site has been seen.
func (s *BrowserStateStorage) Save(ctx context.Context, state *models.BrowserState) error {
	return retryWithExponentialBackoff(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if _, err := s.db.db.ExecContext(ctx,
			`INSERT INTO crawlers (site_id, is_logged_in, total_tasks) VALUES (?, 0, 0)
			 ON CONFLICT(site_id) DO NOTHING`, state.SiteID); err != nil {
			return fmt.Errorf("failed to ensure crawler row: %w", err)
		}

		updatedAt := state.UpdatedAt
		if updatedAt == 0 {
			updatedAt = time.Now().Unix()
		}

		_, err := s.db.db.ExecContext(ctx,
			`INSERT INTO browserstate (site_id, cookies, local_storage, session_storage, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(site_id) DO UPDATE SET
				cookies = excluded.cookies,
				local_storage = excluded.local_storage,
				session_storage = excluded.session_storage,
				updated_at = excluded.updated_at`,
			state.SiteID, state.Cookies, state.LocalStorage, state.SessionStorage, updatedAt)
		if err != nil {
			return fmt.Errorf("failed to save browser state: %w", err)
		}
		return nil
	})
}

// Get returns a site's browser state, or nil if none is stored.
func (s *BrowserStateStorage) Get(ctx context.Context, siteID string) (*models.BrowserState, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT site_id, cookies, local_storage, session_storage, updated_at
		 FROM browserstate WHERE site_id = ?`, siteID)
	return scanBrowserState(row)
}

// Delete removes a site's browser state, forcing a fresh login next run.
func (s *BrowserStateStorage) Delete(ctx context.Context, siteID string) error {
	return retryWithExponentialBackoff(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		_, err := s.db.db.ExecContext(ctx, `DELETE FROM browserstate WHERE site_id = ?`, siteID)
		if err != nil {
			return fmt.Errorf("failed to delete browser state: %w", err)
		}
		return nil
	})
}

// GetAll returns browser state for every site that has one.
func (s *BrowserStateStorage) GetAll(ctx context.Context) ([]*models.BrowserState, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT site_id, cookies, local_storage, session_storage, updated_at FROM browserstate`)
	if err != nil {
		return nil, fmt.Errorf("failed to list browser state: %w", err)
	}
	defer rows.Close()

	var states []*models.BrowserState
	for rows.Next() {
		state, err := scanBrowserState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

func scanBrowserState(row rowScanner) (*models.BrowserState, error) {
	var state models.BrowserState
	var cookies, localStorage, sessionStorage sql.NullString

	err := row.Scan(&state.SiteID, &cookies, &localStorage, &sessionStorage, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan browser state: %w", err)
	}

	state.Cookies = cookies.String
	state.LocalStorage = localStorage.String
	state.SessionStorage = sessionStorage.String
	return &state, nil
}

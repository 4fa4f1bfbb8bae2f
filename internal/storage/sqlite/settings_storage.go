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

// SettingsStorage implements interfaces.SettingsStorage for SQLite. The
// settings table is a single CHECK(id=1) row; env-var backfill on first boot
// happens one layer up, in the settings provider.
type SettingsStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewSettingsStorage creates a new SettingsStorage instance.
func NewSettingsStorage(db *SQLiteDB, logger arbor.ILogger) *SettingsStorage {
	return &SettingsStorage{db: db, logger: logger}
}

// GetSettings returns the singleton settings row, or nil if it has never been written.
func (s *SettingsStorage) GetSettings(ctx context.Context) (*models.Settings, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT created_at, updated_at, crawler_config_path, crawler_credential_path, storage_path,
			crawler_max_concurrency, fresh_login, login_max_retry, task_timeout_seconds,
			captcha_default_method, captcha_skip_sites, checkin_sites, enable_checkin, headless,
			chrome_path, chrome_auto_download, verify_ssl, request_timeout_seconds
		 FROM settings WHERE id = 1`)

	var settings models.Settings
	var freshLogin, enableCheckin, headless, chromeAutoDownload, verifySSL int
	var chromePath sql.NullString

	err := row.Scan(&settings.CreatedAt, &settings.UpdatedAt, &settings.CrawlerConfigPath,
		&settings.CrawlerCredentialPath, &settings.StoragePath, &settings.CrawlerMaxConcurrency,
		&freshLogin, &settings.LoginMaxRetry, &settings.TaskTimeoutSeconds,
		&settings.CaptchaDefaultMethod, &settings.CaptchaSkipSites, &settings.CheckinSites,
		&enableCheckin, &headless, &chromePath, &chromeAutoDownload, &verifySSL, &settings.RequestTimeoutSeconds)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}

	settings.FreshLogin = freshLogin != 0
	settings.EnableCheckin = enableCheckin != 0
	settings.Headless = headless != 0
	settings.ChromeAutoDownload = chromeAutoDownload != 0
	settings.VerifySSL = verifySSL != 0
	settings.ChromePath = chromePath.String
	return &settings, nil
}

// SaveSettings upserts the singleton settings row.
func (s *SettingsStorage) SaveSettings(ctx context.Context, settings *models.Settings) error {
	return retryWithExponentialBackoff(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		now := time.Now().Unix()
		createdAt := settings.CreatedAt
		if createdAt == 0 {
			createdAt = now
		}

		_, err := s.db.db.ExecContext(ctx,
			`INSERT INTO settings (id, created_at, updated_at, crawler_config_path, crawler_credential_path,
				storage_path, crawler_max_concurrency, fresh_login, login_max_retry, task_timeout_seconds,
				captcha_default_method, captcha_skip_sites, checkin_sites, enable_checkin, headless,
				chrome_path, chrome_auto_download, verify_ssl, request_timeout_seconds)
			 VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				updated_at = excluded.updated_at,
				crawler_config_path = excluded.crawler_config_path,
				crawler_credential_path = excluded.crawler_credential_path,
				storage_path = excluded.storage_path,
				crawler_max_concurrency = excluded.crawler_max_concurrency,
				fresh_login = excluded.fresh_login,
				login_max_retry = excluded.login_max_retry,
				task_timeout_seconds = excluded.task_timeout_seconds,
				captcha_default_method = excluded.captcha_default_method,
				captcha_skip_sites = excluded.captcha_skip_sites,
				checkin_sites = excluded.checkin_sites,
				enable_checkin = excluded.enable_checkin,
				headless = excluded.headless,
				chrome_path = excluded.chrome_path,
				chrome_auto_download = excluded.chrome_auto_download,
				verify_ssl = excluded.verify_ssl,
				request_timeout_seconds = excluded.request_timeout_seconds`,
			createdAt, now, settings.CrawlerConfigPath, settings.CrawlerCredentialPath, settings.StoragePath,
			settings.CrawlerMaxConcurrency, boolToInt(settings.FreshLogin), settings.LoginMaxRetry,
			settings.TaskTimeoutSeconds, settings.CaptchaDefaultMethod, settings.CaptchaSkipSites,
			settings.CheckinSites, boolToInt(settings.EnableCheckin), boolToInt(settings.Headless),
			nullIfEmpty(settings.ChromePath), boolToInt(settings.ChromeAutoDownload), boolToInt(settings.VerifySSL),
			settings.RequestTimeoutSeconds)
		if err != nil {
			return fmt.Errorf("failed to save settings: %w", err)
		}
		return nil
	})
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

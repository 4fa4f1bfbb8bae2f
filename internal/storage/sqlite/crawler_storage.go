package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/quaero/internal/models"
)

// CrawlerStorage implements interfaces.CrawlerStorage for SQLite: the
// crawlers aggregate root plus its one-to-one site_config, crawler_config,
// and crawler_credential tables.
type CrawlerStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewCrawlerStorage creates a new CrawlerStorage instance.
func NewCrawlerStorage(db *SQLiteDB, logger arbor.ILogger) *CrawlerStorage {
	return &CrawlerStorage{db: db, logger: logger}
}

// EnsureCrawler inserts the crawlers row for a site if it does not already exist.
func (s *CrawlerStorage) EnsureCrawler(ctx context.Context, siteID string) error {
	return retryWithExponentialBackoff(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		_, err := s.db.db.ExecContext(ctx,
			`INSERT INTO crawlers (site_id, is_logged_in, total_tasks) VALUES (?, 0, 0)
			 ON CONFLICT(site_id) DO NOTHING`, siteID)
		if err != nil {
			return fmt.Errorf("failed to ensure crawler row: %w", err)
		}
		return nil
	})
}

// GetCrawler returns the crawlers row for a site, or nil if not present.
func (s *CrawlerStorage) GetCrawler(ctx context.Context, siteID string) (*models.Crawler, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT site_id, is_logged_in, last_login_time, last_run_result, total_tasks
		 FROM crawlers WHERE site_id = ?`, siteID)

	var c models.Crawler
	var lastLogin sql.NullInt64
	var lastRunResult sql.NullString
	var isLoggedIn int

	err := row.Scan(&c.SiteID, &isLoggedIn, &lastLogin, &lastRunResult, &c.TotalTasks)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get crawler: %w", err)
	}

	c.IsLoggedIn = isLoggedIn != 0
	if lastLogin.Valid {
		c.LastLoginTime = lastLogin.Int64
	}
	if lastRunResult.Valid {
		c.LastRunResult = lastRunResult.String
	}
	return &c, nil
}

// SetLoginStatus updates whether a site is currently authenticated.
func (s *CrawlerStorage) SetLoginStatus(ctx context.Context, siteID string, loggedIn bool, at int64) error {
	return retryWithExponentialBackoff(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if err := s.ensureCrawlerLocked(ctx, siteID); err != nil {
			return err
		}

		_, err := s.db.db.ExecContext(ctx,
			`UPDATE crawlers SET is_logged_in = ?, last_login_time = ? WHERE site_id = ?`,
			boolToInt(loggedIn), at, siteID)
		if err != nil {
			return fmt.Errorf("failed to set login status: %w", err)
		}
		return nil
	})
}

// RecordRunResult stores the crawler's last_run_result and increments
// total_tasks. Nothing in the controller calls it: TaskStorage.UpdateTaskStatus
// updates the same columns itself on every terminal task transition.
func (s *CrawlerStorage) RecordRunResult(ctx context.Context, siteID string, result string) error {
	return retryWithExponentialBackoff(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if err := s.ensureCrawlerLocked(ctx, siteID); err != nil {
			return err
		}

		_, err := s.db.db.ExecContext(ctx,
			`UPDATE crawlers SET last_run_result = ?, total_tasks = total_tasks + 1 WHERE site_id = ?`,
			result, siteID)
		if err != nil {
			return fmt.Errorf("failed to record run result: %w", err)
		}
		return nil
	})
}

func (s *CrawlerStorage) ensureCrawlerLocked(ctx context.Context, siteID string) error {
	_, err := s.db.db.ExecContext(ctx,
		`INSERT INTO crawlers (site_id, is_logged_in, total_tasks) VALUES (?, 0, 0)
		 ON CONFLICT(site_id) DO NOTHING`, siteID)
	if err != nil {
		return fmt.Errorf("failed to ensure crawler row: %w", err)
	}
	return nil
}

// SaveSiteConfig upserts a site's how-to-scrape descriptor, creating the
// parent crawlers row first if necessary.
func (s *CrawlerStorage) SaveSiteConfig(ctx context.Context, cfg *models.SiteConfig) error {
	loginJSON, err := marshalOrNil(cfg.LoginConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal login_config: %w", err)
	}
	extractJSON, err := marshalOrNil(cfg.ExtractRules)
	if err != nil {
		return fmt.Errorf("failed to marshal extract_rules: %w", err)
	}
	checkinJSON, err := marshalOrNil(cfg.CheckinConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal checkin_config: %w", err)
	}

	return retryWithExponentialBackoff(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if err := s.ensureCrawlerLocked(ctx, cfg.SiteID); err != nil {
			return err
		}

		_, err := s.db.db.ExecContext(ctx,
			`INSERT INTO site_config (site_id, site_url, login_config, extract_rules, checkin_config)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(site_id) DO UPDATE SET
				site_url = excluded.site_url,
				login_config = excluded.login_config,
				extract_rules = excluded.extract_rules,
				checkin_config = excluded.checkin_config`,
			cfg.SiteID, cfg.SiteURL, loginJSON, extractJSON, checkinJSON)
		if err != nil {
			return fmt.Errorf("failed to save site config: %w", err)
		}
		return nil
	})
}

// GetSiteConfig returns one site's config, or nil if not present.
func (s *CrawlerStorage) GetSiteConfig(ctx context.Context, siteID string) (*models.SiteConfig, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT site_id, site_url, login_config, extract_rules, checkin_config
		 FROM site_config WHERE site_id = ?`, siteID)
	return scanSiteConfig(row)
}

// DeleteSiteConfig removes a site's config row. The parent crawlers row and
// cascading tables are left untouched (a site can be reconfigured without
// losing task history).
func (s *CrawlerStorage) DeleteSiteConfig(ctx context.Context, siteID string) error {
	return retryWithExponentialBackoff(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		_, err := s.db.db.ExecContext(ctx, `DELETE FROM site_config WHERE site_id = ?`, siteID)
		if err != nil {
			return fmt.Errorf("failed to delete site config: %w", err)
		}
		return nil
	})
}

// ListSiteConfigs returns every configured site, used to rebuild the
// in-memory registry (C2) on startup.
func (s *CrawlerStorage) ListSiteConfigs(ctx context.Context) ([]*models.SiteConfig, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT site_id, site_url, login_config, extract_rules, checkin_config FROM site_config`)
	if err != nil {
		return nil, fmt.Errorf("failed to list site configs: %w", err)
	}
	defer rows.Close()

	var configs []*models.SiteConfig
	for rows.Next() {
		cfg, err := scanSiteConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSiteConfig(row rowScanner) (*models.SiteConfig, error) {
	var cfg models.SiteConfig
	var loginJSON, extractJSON, checkinJSON sql.NullString

	err := row.Scan(&cfg.SiteID, &cfg.SiteURL, &loginJSON, &extractJSON, &checkinJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan site config: %w", err)
	}

	if loginJSON.Valid && loginJSON.String != "" {
		var lc models.LoginConfig
		if err := json.Unmarshal([]byte(loginJSON.String), &lc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal login_config: %w", err)
		}
		cfg.LoginConfig = &lc
	}
	if extractJSON.Valid && extractJSON.String != "" {
		var er models.ExtractRules
		if err := json.Unmarshal([]byte(extractJSON.String), &er); err != nil {
			return nil, fmt.Errorf("failed to unmarshal extract_rules: %w", err)
		}
		cfg.ExtractRules = &er
	}
	if checkinJSON.Valid && checkinJSON.String != "" {
		var cd models.CheckinDescriptor
		if err := json.Unmarshal([]byte(checkinJSON.String), &cd); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkin_config: %w", err)
		}
		cfg.CheckinConfig = &cd
	}
	return &cfg, nil
}

// SaveCrawlerConfig upserts a site's runtime knobs.
func (s *CrawlerStorage) SaveCrawlerConfig(ctx context.Context, cfg *models.CrawlerConfig) error {
	return retryWithExponentialBackoff(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if err := s.ensureCrawlerLocked(ctx, cfg.SiteID); err != nil {
			return err
		}

		_, err := s.db.db.ExecContext(ctx,
			`INSERT INTO crawler_config
				(site_id, enabled, use_proxy, proxy_url, fresh_login, captcha_method, captcha_skip, timeout, headless, login_max_retry)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(site_id) DO UPDATE SET
				enabled = excluded.enabled,
				use_proxy = excluded.use_proxy,
				proxy_url = excluded.proxy_url,
				fresh_login = excluded.fresh_login,
				captcha_method = excluded.captcha_method,
				captcha_skip = excluded.captcha_skip,
				timeout = excluded.timeout,
				headless = excluded.headless,
				login_max_retry = excluded.login_max_retry`,
			cfg.SiteID, boolToInt(cfg.Enabled), boolToInt(cfg.UseProxy), cfg.ProxyURL,
			boolToInt(cfg.FreshLogin), cfg.CaptchaMethod, boolToInt(cfg.CaptchaSkip),
			cfg.TimeoutSec, boolToInt(cfg.Headless), cfg.LoginMaxRetry)
		if err != nil {
			return fmt.Errorf("failed to save crawler config: %w", err)
		}
		return nil
	})
}

// GetCrawlerConfig returns a site's runtime knobs, or nil if not present.
func (s *CrawlerStorage) GetCrawlerConfig(ctx context.Context, siteID string) (*models.CrawlerConfig, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT site_id, enabled, use_proxy, proxy_url, fresh_login, captcha_method, captcha_skip, timeout, headless, login_max_retry
		 FROM crawler_config WHERE site_id = ?`, siteID)

	var cfg models.CrawlerConfig
	var enabled, useProxy, freshLogin, captchaSkip, headless int
	var proxyURL, captchaMethod sql.NullString
	var timeout sql.NullInt64

	err := row.Scan(&cfg.SiteID, &enabled, &useProxy, &proxyURL, &freshLogin, &captchaMethod,
		&captchaSkip, &timeout, &headless, &cfg.LoginMaxRetry)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get crawler config: %w", err)
	}

	cfg.Enabled = enabled != 0
	cfg.UseProxy = useProxy != 0
	cfg.FreshLogin = freshLogin != 0
	cfg.CaptchaSkip = captchaSkip != 0
	cfg.Headless = headless != 0
	cfg.ProxyURL = proxyURL.String
	cfg.CaptchaMethod = captchaMethod.String
	if timeout.Valid {
		cfg.TimeoutSec = int(timeout.Int64)
	}
	return &cfg, nil
}

// SaveCredential upserts a site's authentication material.
func (s *CrawlerStorage) SaveCredential(ctx context.Context, cred *models.CrawlerCredential) error {
	return retryWithExponentialBackoff(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if err := s.ensureCrawlerLocked(ctx, cred.SiteID); err != nil {
			return err
		}

		_, err := s.db.db.ExecContext(ctx,
			`INSERT INTO crawler_credential
				(site_id, enable_manual_cookies, manual_cookies, username, password, authorization, apikey, description)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(site_id) DO UPDATE SET
				enable_manual_cookies = excluded.enable_manual_cookies,
				manual_cookies = excluded.manual_cookies,
				username = excluded.username,
				password = excluded.password,
				authorization = excluded.authorization,
				apikey = excluded.apikey,
				description = excluded.description`,
			cred.SiteID, boolToInt(cred.EnableManualCookies), cred.ManualCookies,
			cred.Username, cred.Password, cred.Authorization, cred.APIKey, cred.Description)
		if err != nil {
			return fmt.Errorf("failed to save credential: %w", err)
		}
		return nil
	})
}

// GetCredential returns a site's credential row, or nil if not present.
func (s *CrawlerStorage) GetCredential(ctx context.Context, siteID string) (*models.CrawlerCredential, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT site_id, enable_manual_cookies, manual_cookies, username, password, authorization, apikey, description
		 FROM crawler_credential WHERE site_id = ?`, siteID)

	var cred models.CrawlerCredential
	var enableManual int
	var manualCookies, username, password, authorization, apikey, description sql.NullString

	err := row.Scan(&cred.SiteID, &enableManual, &manualCookies, &username, &password, &authorization, &apikey, &description)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	cred.EnableManualCookies = enableManual != 0
	cred.ManualCookies = manualCookies.String
	cred.Username = username.String
	cred.Password = password.String
	cred.Authorization = authorization.String
	cred.APIKey = apikey.String
	cred.Description = description.String
	return &cred, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalOrNil(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	rv := reflectIsNilPointer(v)
	if rv {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// reflectIsNilPointer reports whether v is a typed nil pointer (e.g. a nil
// *models.LoginConfig boxed in an interface{}), which json.Marshal would
// otherwise encode as the literal string "null".
func reflectIsNilPointer(v interface{}) bool {
	switch p := v.(type) {
	case *models.LoginConfig:
		return p == nil
	case *models.ExtractRules:
		return p == nil
	case *models.CheckinDescriptor:
		return p == nil
	default:
		return false
	}
}

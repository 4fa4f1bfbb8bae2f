package sqlite

const schemaSQL = `
-- Crawler is the per-site aggregate root. Every other table cascades from it.
CREATE TABLE IF NOT EXISTS crawlers (
	site_id TEXT PRIMARY KEY,
	is_logged_in INTEGER NOT NULL DEFAULT 0,
	last_login_time INTEGER,
	last_run_result TEXT,
	total_tasks INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS ix_crawler_login_status ON crawlers(site_id, is_logged_in);
CREATE INDEX IF NOT EXISTS ix_crawler_last_login ON crawlers(last_login_time);

-- SiteConfig holds how-to-scrape descriptors; JSON subfields are opaque at the SQL layer.
CREATE TABLE IF NOT EXISTS site_config (
	site_id TEXT PRIMARY KEY REFERENCES crawlers(site_id) ON DELETE CASCADE,
	site_url TEXT NOT NULL,
	login_config TEXT,
	extract_rules TEXT,
	checkin_config TEXT
);

-- CrawlerConfig holds per-site runtime knobs.
CREATE TABLE IF NOT EXISTS crawler_config (
	site_id TEXT PRIMARY KEY REFERENCES crawlers(site_id) ON DELETE CASCADE,
	enabled INTEGER NOT NULL DEFAULT 1,
	use_proxy INTEGER NOT NULL DEFAULT 0,
	proxy_url TEXT,
	fresh_login INTEGER NOT NULL DEFAULT 0,
	captcha_method TEXT,
	captcha_skip INTEGER NOT NULL DEFAULT 0,
	timeout INTEGER,
	headless INTEGER NOT NULL DEFAULT 1,
	login_max_retry INTEGER NOT NULL DEFAULT 3
);

CREATE INDEX IF NOT EXISTS ix_config_enabled ON crawler_config(site_id, enabled);

-- CrawlerCredential holds per-site authentication material.
CREATE TABLE IF NOT EXISTS crawler_credential (
	site_id TEXT PRIMARY KEY REFERENCES crawlers(site_id) ON DELETE CASCADE,
	enable_manual_cookies INTEGER NOT NULL DEFAULT 0,
	manual_cookies TEXT,
	username TEXT,
	password TEXT,
	authorization TEXT,
	apikey TEXT,
	description TEXT
);

-- BrowserState holds per-site cookies and web storage, reused across logins.
CREATE TABLE IF NOT EXISTS browserstate (
	site_id TEXT PRIMARY KEY REFERENCES crawlers(site_id) ON DELETE CASCADE,
	cookies TEXT,
	local_storage TEXT,
	session_storage TEXT,
	updated_at INTEGER
);

-- Task is one scheduled execution of the scraper for one site.
-- The tasks table is written exclusively through the reconciler package.
CREATE TABLE IF NOT EXISTS tasks (
	task_id TEXT PRIMARY KEY,
	site_id TEXT NOT NULL REFERENCES crawlers(site_id) ON DELETE CASCADE,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER,
	msg TEXT,
	error_details TEXT,
	task_metadata TEXT,
	system_info TEXT
);

CREATE INDEX IF NOT EXISTS ix_task_status ON tasks(status);
CREATE INDEX IF NOT EXISTS ix_task_crawler ON tasks(site_id, status);
CREATE INDEX IF NOT EXISTS ix_task_dates ON tasks(created_at, completed_at);

-- Result is one-to-one with a task, present iff the scrape produced user statistics.
CREATE TABLE IF NOT EXISTS results (
	task_id TEXT PRIMARY KEY REFERENCES tasks(task_id) ON DELETE CASCADE,
	site_id TEXT NOT NULL REFERENCES crawlers(site_id) ON DELETE CASCADE,
	username TEXT,
	user_class TEXT,
	uid TEXT,
	join_time INTEGER,
	last_active INTEGER,
	upload REAL,
	download REAL,
	ratio REAL,
	bonus REAL,
	seeding_score REAL,
	hr_count INTEGER,
	bonus_per_hour REAL,
	seeding_size REAL,
	seeding_count INTEGER
);

CREATE INDEX IF NOT EXISTS ix_result_user ON results(site_id, username);
CREATE INDEX IF NOT EXISTS ix_result_dates ON results(join_time, last_active);

-- CheckInResult is append-only per task, one row per (site_id, task_id).
CREATE TABLE IF NOT EXISTS checkin_results (
	task_id TEXT PRIMARY KEY REFERENCES tasks(task_id) ON DELETE CASCADE,
	site_id TEXT NOT NULL REFERENCES crawlers(site_id) ON DELETE CASCADE,
	result TEXT NOT NULL,
	checkin_date INTEGER NOT NULL,
	last_run_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS ix_checkin_results_site_id ON checkin_results(site_id);
CREATE INDEX IF NOT EXISTS ix_checkin_results_dates ON checkin_results(checkin_date, last_run_at);

-- Settings is a single row of operator-tunable knobs, backfilled from env vars on first boot.
CREATE TABLE IF NOT EXISTS settings (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	crawler_config_path TEXT NOT NULL DEFAULT 'services/sites/implementations',
	crawler_credential_path TEXT NOT NULL DEFAULT 'services/sites/credentials',
	storage_path TEXT NOT NULL DEFAULT 'storage',
	crawler_max_concurrency INTEGER NOT NULL DEFAULT 8,
	fresh_login INTEGER NOT NULL DEFAULT 0,
	login_max_retry INTEGER NOT NULL DEFAULT 3,
	task_timeout_seconds INTEGER NOT NULL DEFAULT 240,
	captcha_default_method TEXT NOT NULL DEFAULT 'api',
	captcha_skip_sites TEXT NOT NULL DEFAULT '',
	checkin_sites TEXT NOT NULL DEFAULT '',
	enable_checkin INTEGER NOT NULL DEFAULT 1,
	headless INTEGER NOT NULL DEFAULT 1,
	chrome_path TEXT,
	chrome_auto_download INTEGER NOT NULL DEFAULT 0,
	verify_ssl INTEGER NOT NULL DEFAULT 0,
	request_timeout_seconds REAL NOT NULL DEFAULT 20
);

-- key_value_store backs the generic config-override surface consulted by the config service.
CREATE TABLE IF NOT EXISTS key_value_store (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// InitSchema creates every table and index idempotently. Safe to call on every boot.
func (s *SQLiteDB) InitSchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return err
	}
	s.logger.Info().Msg("database schema initialized")
	return nil
}

// Package models holds the fleet controller's persistent data types: a
// struct for each table in internal/storage/sqlite/schema.go except
// key_value_store (see interfaces.KeyValuePair), plus the descriptor types
// stored as JSON inside those tables.
package models

// Crawler is the per-site aggregate root. Every other per-site table
// cascades from the row with the matching site_id.
type Crawler struct {
	SiteID        string `json:"site_id"`
	IsLoggedIn    bool   `json:"is_logged_in"`
	LastLoginTime int64  `json:"last_login_time,omitempty"`
	LastRunResult string `json:"last_run_result,omitempty"`
	TotalTasks    int    `json:"total_tasks"`
}

// LoginConfig describes how the worker authenticates against a site.
type LoginConfig struct {
	URL          string            `json:"url,omitempty"`
	Method       string            `json:"method,omitempty"` // "form", "cookie", "api_key"
	FormSelector map[string]string `json:"form_selector,omitempty"`
	SuccessCheck string            `json:"success_check,omitempty"`
}

// ExtractRules describes how the worker pulls user statistics from a page.
type ExtractRules struct {
	Selectors map[string]string `json:"selectors,omitempty"`
	Regexes   map[string]string `json:"regexes,omitempty"`
}

// CheckinDescriptor describes how the worker performs a daily check-in, if
// the site supports one.
type CheckinDescriptor struct {
	URL        string `json:"url,omitempty"`
	Method     string `json:"method,omitempty"`
	SuccessKey string `json:"success_key,omitempty"`
}

// SiteConfig holds the how-to-scrape descriptors for a site.
type SiteConfig struct {
	SiteID       string              `json:"site_id"`
	SiteURL      string              `json:"site_url"`
	LoginConfig  *LoginConfig        `json:"login_config,omitempty"`
	ExtractRules *ExtractRules       `json:"extract_rules,omitempty"`
	CheckinConfig *CheckinDescriptor `json:"checkin_config,omitempty"`
}

// CrawlerConfig holds per-site runtime knobs that control how a worker is invoked.
type CrawlerConfig struct {
	SiteID        string `json:"site_id"`
	Enabled       bool   `json:"enabled"`
	UseProxy      bool   `json:"use_proxy"`
	ProxyURL      string `json:"proxy_url,omitempty"`
	FreshLogin    bool   `json:"fresh_login"`
	CaptchaMethod string `json:"captcha_method,omitempty"`
	CaptchaSkip   bool   `json:"captcha_skip"`
	TimeoutSec    int    `json:"timeout,omitempty"`
	Headless      bool   `json:"headless"`
	LoginMaxRetry int    `json:"login_max_retry"`
}

// CrawlerCredential holds per-site authentication material.
type CrawlerCredential struct {
	SiteID              string `json:"site_id"`
	EnableManualCookies bool   `json:"enable_manual_cookies"`
	ManualCookies       string `json:"manual_cookies,omitempty"`
	Username            string `json:"username,omitempty"`
	Password            string `json:"password,omitempty"`
	Authorization       string `json:"authorization,omitempty"`
	APIKey              string `json:"apikey,omitempty"`
	Description         string `json:"description,omitempty"`
}

// SiteSetup is the fully assembled, in-memory view of one site's registry
// entry: config, runtime knobs, and credentials combined. This is what the
// site registry (C2) hands to the process supervisor when it spawns a worker.
type SiteSetup struct {
	SiteID     string             `json:"site_id"`
	Config     SiteConfig         `json:"config"`
	Runtime    CrawlerConfig      `json:"runtime"`
	Credential *CrawlerCredential `json:"credential,omitempty"`
}

// BrowserState holds per-site cookies and web storage, reused across logins
// so a worker does not have to re-authenticate on every run.
type BrowserState struct {
	SiteID         string `json:"site_id"`
	Cookies        string `json:"cookies,omitempty"`
	LocalStorage   string `json:"local_storage,omitempty"`
	SessionStorage string `json:"session_storage,omitempty"`
	UpdatedAt      int64  `json:"updated_at"`
}

// TaskStatus is the lifecycle state of one Task.
type TaskStatus string

const (
	TaskStatusReady     TaskStatus = "READY"
	TaskStatusQueued    TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusSucceeded TaskStatus = "SUCCESS"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// IsTerminal reports whether a status can never transition further.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// ErrorDetails captures the failure surface of a terminal, non-successful task.
type ErrorDetails struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Stage   string `json:"stage,omitempty"` // "login", "navigate", "extract", "checkin"
}

// SystemInfo is free-form diagnostic metadata attached to a task (pid, host, worker version).
type SystemInfo struct {
	PID           int    `json:"pid,omitempty"`
	Host          string `json:"host,omitempty"`
	WorkerVersion string `json:"worker_version,omitempty"`
}

// Task is one scheduled execution of the scraper for one site. The tasks
// table is written exclusively through the reconciler package.
type Task struct {
	TaskID       string                 `json:"task_id"`
	SiteID       string                 `json:"site_id"`
	Status       TaskStatus             `json:"status"`
	CreatedAt    int64                  `json:"created_at"`
	UpdatedAt    int64                  `json:"updated_at"`
	CompletedAt  int64                  `json:"completed_at,omitempty"`
	Msg          string                 `json:"msg,omitempty"`
	ErrorDetails *ErrorDetails          `json:"error_details,omitempty"`
	Metadata     map[string]interface{} `json:"task_metadata,omitempty"`
	SystemInfo   *SystemInfo            `json:"system_info,omitempty"`
}

// Result is one-to-one with a task, present iff the scrape produced user statistics.
type Result struct {
	TaskID        string  `json:"task_id"`
	SiteID        string  `json:"site_id"`
	Username      string  `json:"username,omitempty"`
	UserClass     string  `json:"user_class,omitempty"`
	UID           string  `json:"uid,omitempty"`
	JoinTime      int64   `json:"join_time,omitempty"`
	LastActive    int64   `json:"last_active,omitempty"`
	Upload        float64 `json:"upload"`
	Download      float64 `json:"download"`
	Ratio         float64 `json:"ratio"`
	Bonus         float64 `json:"bonus"`
	SeedingScore  float64 `json:"seeding_score"`
	HRCount       int     `json:"hr_count"`
	BonusPerHour  float64 `json:"bonus_per_hour"`
	SeedingSize   float64 `json:"seeding_size"`
	SeedingCount  int     `json:"seeding_count"`
}

// RatioSentinel is the value stored for Result.Ratio when Download is zero
// and no ratio value was supplied by the worker.
const RatioSentinel = 999999

// CheckInResult is append-only per task: one row per (site_id, task_id).
type CheckInResult struct {
	TaskID      string `json:"task_id"`
	SiteID      string `json:"site_id"`
	Result      string `json:"result"`
	CheckinDate int64  `json:"checkin_date"`
	LastRunAt   int64  `json:"last_run_at"`
}

// Settings is a single row of operator-tunable knobs, backfilled from env
// vars the first time the controller boots against an empty database.
type Settings struct {
	CreatedAt             int64   `json:"created_at"`
	UpdatedAt             int64   `json:"updated_at"`
	CrawlerConfigPath     string  `json:"crawler_config_path"`
	CrawlerCredentialPath string  `json:"crawler_credential_path"`
	StoragePath           string  `json:"storage_path"`
	CrawlerMaxConcurrency int     `json:"crawler_max_concurrency"`
	FreshLogin            bool    `json:"fresh_login"`
	LoginMaxRetry         int     `json:"login_max_retry"`
	TaskTimeoutSeconds    int     `json:"task_timeout_seconds"`
	CaptchaDefaultMethod  string  `json:"captcha_default_method"`
	CaptchaSkipSites      string  `json:"captcha_skip_sites"` // comma-separated site_ids
	CheckinSites          string  `json:"checkin_sites"`      // comma-separated site_ids
	EnableCheckin         bool    `json:"enable_checkin"`
	Headless              bool    `json:"headless"`
	ChromePath            string  `json:"chrome_path,omitempty"`
	ChromeAutoDownload    bool    `json:"chrome_auto_download"`
	VerifySSL             bool    `json:"verify_ssl"`
	RequestTimeoutSeconds float64 `json:"request_timeout_seconds"`
}

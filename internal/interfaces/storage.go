package interfaces

import (
	"context"

	"github.com/ternarybob/quaero/internal/models"
)

// CrawlerStorage persists the per-site aggregate root and its related
// one-to-one tables (site config, runtime config, credentials, browser state).
type CrawlerStorage interface {
	EnsureCrawler(ctx context.Context, siteID string) error
	GetCrawler(ctx context.Context, siteID string) (*models.Crawler, error)
	SetLoginStatus(ctx context.Context, siteID string, loggedIn bool, at int64) error
	RecordRunResult(ctx context.Context, siteID string, result string) error

	SaveSiteConfig(ctx context.Context, cfg *models.SiteConfig) error
	GetSiteConfig(ctx context.Context, siteID string) (*models.SiteConfig, error)
	DeleteSiteConfig(ctx context.Context, siteID string) error
	ListSiteConfigs(ctx context.Context) ([]*models.SiteConfig, error)

	SaveCrawlerConfig(ctx context.Context, cfg *models.CrawlerConfig) error
	GetCrawlerConfig(ctx context.Context, siteID string) (*models.CrawlerConfig, error)

	SaveCredential(ctx context.Context, cred *models.CrawlerCredential) error
	GetCredential(ctx context.Context, siteID string) (*models.CrawlerCredential, error)
}

// BrowserStateStorage persists per-site cookies and web storage.
type BrowserStateStorage interface {
	Save(ctx context.Context, state *models.BrowserState) error
	Get(ctx context.Context, siteID string) (*models.BrowserState, error)
	Delete(ctx context.Context, siteID string) error
	GetAll(ctx context.Context) ([]*models.BrowserState, error)
}

// TaskStorage is the sole writer of the tasks table. Every status-affecting
// operation in the queue manager and process supervisor goes through this
// interface so the row is always the single source of truth for status.
type TaskStorage interface {
	InsertTask(ctx context.Context, task *models.Task) error
	UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus, msg string, errDetails *models.ErrorDetails, metadataMerge map[string]interface{}, systemInfo *models.SystemInfo) error
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	ListTasksBySite(ctx context.Context, siteID string, status models.TaskStatus) ([]*models.Task, error)
	ListTasks(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error)
}

// ResultStorage persists per-task scrape results and check-in results.
type ResultStorage interface {
	SaveResult(ctx context.Context, result *models.Result) error
	LatestResult(ctx context.Context, siteID string) (*models.Result, error)
	ResultsInRange(ctx context.Context, siteID string, fromUnix, toUnix int64) ([]*models.Result, error)

	SaveCheckinResult(ctx context.Context, result *models.CheckInResult) error
	LatestCheckin(ctx context.Context, siteID string) (*models.CheckInResult, error)
	CheckinsInRange(ctx context.Context, siteID string, fromUnix, toUnix int64) ([]*models.CheckInResult, error)
}

// SettingsStorage persists the single-row operator settings document.
type SettingsStorage interface {
	GetSettings(ctx context.Context) (*models.Settings, error)
	SaveSettings(ctx context.Context, settings *models.Settings) error
}

// StorageManager is the composite handle every component is constructed
// with; one accessor per sub-storage, mirroring the teacher's manager shape.
type StorageManager interface {
	CrawlerStorage() CrawlerStorage
	BrowserStateStorage() BrowserStateStorage
	TaskStorage() TaskStorage
	ResultStorage() ResultStorage
	SettingsStorage() SettingsStorage
	KeyValueStorage() KeyValueStorage
	DB() interface{}
	Close() error
}

// RunningSiteChecker is the narrow interface the queue manager (C5) uses to
// consult the process supervisor's (C6) running_sites set without keeping a
// second, competing copy of per-site exclusion state.
type RunningSiteChecker interface {
	IsSiteRunning(siteID string) bool
}

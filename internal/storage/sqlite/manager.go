package sqlite

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/quaero/internal/common"
	"github.com/ternarybob/quaero/internal/interfaces"
)

// Manager implements interfaces.StorageManager, assembling the per-table
// repositories around a single SQLite connection.
type Manager struct {
	db       *SQLiteDB
	crawler  interfaces.CrawlerStorage
	browser  interfaces.BrowserStateStorage
	task     interfaces.TaskStorage
	result   interfaces.ResultStorage
	settings interfaces.SettingsStorage
	kv       interfaces.KeyValueStorage
	logger   arbor.ILogger
}

// NewManager creates a new SQLite storage manager.
func NewManager(logger arbor.ILogger, config *common.SQLiteConfig) (interfaces.StorageManager, error) {
	db, err := NewSQLiteDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:       db,
		crawler:  NewCrawlerStorage(db, logger),
		browser:  NewBrowserStateStorage(db, logger),
		task:     NewTaskStorage(db, logger),
		result:   NewResultStorage(db, logger),
		settings: NewSettingsStorage(db, logger),
		kv:       NewKVStorage(db, logger),
		logger:   logger,
	}

	logger.Info().Msg("storage manager initialized (crawler, browser, task, result, settings, kv)")

	return manager, nil
}

// CrawlerStorage returns the crawler/site-config repository.
func (m *Manager) CrawlerStorage() interfaces.CrawlerStorage {
	return m.crawler
}

// BrowserStateStorage returns the browser session repository.
func (m *Manager) BrowserStateStorage() interfaces.BrowserStateStorage {
	return m.browser
}

// TaskStorage returns the task repository.
func (m *Manager) TaskStorage() interfaces.TaskStorage {
	return m.task
}

// ResultStorage returns the result/check-in repository.
func (m *Manager) ResultStorage() interfaces.ResultStorage {
	return m.result
}

// SettingsStorage returns the settings repository.
func (m *Manager) SettingsStorage() interfaces.SettingsStorage {
	return m.settings
}

// KeyValueStorage returns the generic key/value repository.
func (m *Manager) KeyValueStorage() interfaces.KeyValueStorage {
	return m.kv
}

// DB returns the underlying database connection.
func (m *Manager) DB() interface{} {
	if m.db != nil {
		return m.db.DB()
	}
	return nil
}

// Close closes the database connection.
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

package storage

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/common"
	"github.com/ternarybob/quaero/internal/interfaces"
	"github.com/ternarybob/quaero/internal/storage/sqlite"
)

// NewStorageManager creates the storage manager backing the fleet controller.
// SQLite is the only supported backend.
func NewStorageManager(logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	return sqlite.NewManager(logger, &config.SQLite)
}

package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/quaero/internal/common"
	"github.com/ternarybob/quaero/internal/models"
	"github.com/ternarybob/quaero/internal/reconciler"
	"github.com/ternarybob/quaero/internal/storage/sqlite"
)

type alwaysFree struct{}

func (alwaysFree) IsSiteRunning(string) bool { return false }

type alwaysRunning struct{}

func (alwaysRunning) IsSiteRunning(string) bool { return true }

func setupQueue(t *testing.T) (*Manager, func()) {
	tempDir := t.TempDir()
	db, err := sqlite.NewSQLiteDB(arbor.NewLogger(), &common.SQLiteConfig{
		Path: tempDir + "/test.db", CacheSizeMB: 10, BusyTimeoutMS: 5000,
	})
	require.NoError(t, err)

	crawlers := sqlite.NewCrawlerStorage(db, arbor.NewLogger())
	require.NoError(t, crawlers.EnsureCrawler(context.Background(), "site-a"))

	tasks := sqlite.NewTaskStorage(db, arbor.NewLogger())
	recon := reconciler.New(tasks, arbor.NewLogger())
	m := New(recon, arbor.NewLogger())
	m.SetRunningSiteChecker(alwaysFree{})
	return m, func() { db.Close() }
}

func TestManager_AddTask_InsertsReadyRow(t *testing.T) {
	m, cleanup := setupQueue(t)
	defer cleanup()

	task, err := m.AddTask(context.Background(), TaskCreate{SiteID: "site-a"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusReady, task.Status)
	assert.Contains(t, task.TaskID, "site-a-")
}

func TestManager_GetNextTask_SkipsWhenSiteRunning(t *testing.T) {
	m, cleanup := setupQueue(t)
	defer cleanup()
	m.SetRunningSiteChecker(alwaysRunning{})
	ctx := context.Background()

	_, err := m.AddTask(ctx, TaskCreate{SiteID: "site-a"})
	require.NoError(t, err)

	next, err := m.GetNextTask(ctx, "site-a")
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestManager_GetNextTask_TransitionsToQueued(t *testing.T) {
	m, cleanup := setupQueue(t)
	defer cleanup()
	ctx := context.Background()

	created, err := m.AddTask(ctx, TaskCreate{SiteID: "site-a"})
	require.NoError(t, err)

	next, err := m.GetNextTask(ctx, "site-a")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, created.TaskID, next.TaskID)
	assert.Equal(t, models.TaskStatusQueued, next.Status)
}

func TestManager_CancelTask_RemovesFromQueueAndMarksCancelled(t *testing.T) {
	m, cleanup := setupQueue(t)
	defer cleanup()
	ctx := context.Background()

	task, err := m.AddTask(ctx, TaskCreate{SiteID: "site-a"})
	require.NoError(t, err)

	assert.True(t, m.CancelTask(ctx, task.TaskID))

	got, err := m.GetPendingTasks(ctx, "site-a")
	require.NoError(t, err)
	assert.Len(t, got, 0)
}

func TestManager_ClearPendingTasks(t *testing.T) {
	m, cleanup := setupQueue(t)
	defer cleanup()
	ctx := context.Background()

	_, err := m.AddTask(ctx, TaskCreate{SiteID: "site-a"})
	require.NoError(t, err)
	_, err = m.AddTask(ctx, TaskCreate{SiteID: "site-a"})
	require.NoError(t, err)

	result, err := m.ClearPendingTasks(ctx, "site-a")
	require.NoError(t, err)
	assert.Equal(t, 2, result.ClearedCount)
}

func TestManager_GetPendingTasks_UnionsStoreAndInMemory(t *testing.T) {
	m, cleanup := setupQueue(t)
	defer cleanup()
	ctx := context.Background()

	_, err := m.AddTask(ctx, TaskCreate{SiteID: "site-a"})
	require.NoError(t, err)

	pending, err := m.GetPendingTasks(ctx, "site-a")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

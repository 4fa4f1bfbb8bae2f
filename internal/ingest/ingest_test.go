package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/quaero/internal/common"
	"github.com/ternarybob/quaero/internal/models"
	"github.com/ternarybob/quaero/internal/storage/sqlite"
)

func setupIngest(t *testing.T) (*Service, *sqlite.TaskStorage, func()) {
	tempDir := t.TempDir()
	db, err := sqlite.NewSQLiteDB(arbor.NewLogger(), &common.SQLiteConfig{
		Path: tempDir + "/test.db", CacheSizeMB: 10, BusyTimeoutMS: 5000,
	})
	require.NoError(t, err)

	crawlers := sqlite.NewCrawlerStorage(db, arbor.NewLogger())
	require.NoError(t, crawlers.EnsureCrawler(context.Background(), "site-a"))

	tasks := sqlite.NewTaskStorage(db, arbor.NewLogger())
	results := sqlite.NewResultStorage(db, arbor.NewLogger())
	svc := New(results, tasks, arbor.NewLogger())
	return svc, tasks, func() { db.Close() }
}

func TestIngest_SaveResult_RejectsUnknownTask(t *testing.T) {
	svc, _, cleanup := setupIngest(t)
	defer cleanup()

	err := svc.SaveResult(context.Background(), &models.Result{TaskID: "missing", SiteID: "site-a"})
	assert.Error(t, err)
}

func TestIngest_SaveResult_Succeeds(t *testing.T) {
	svc, tasks, cleanup := setupIngest(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, tasks.InsertTask(ctx, &models.Task{TaskID: "t1", SiteID: "site-a", Status: models.TaskStatusReady}))
	require.NoError(t, svc.SaveResult(ctx, &models.Result{TaskID: "t1", SiteID: "site-a", Upload: 100}))

	latest, err := svc.LatestResult(ctx, "site-a")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, float64(100), latest.Upload)
}

func TestIngest_SaveCheckinResult_DefaultsDates(t *testing.T) {
	svc, tasks, cleanup := setupIngest(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, tasks.InsertTask(ctx, &models.Task{TaskID: "t1", SiteID: "site-a", Status: models.TaskStatusReady}))
	checkin := &models.CheckInResult{TaskID: "t1", SiteID: "site-a", Result: "success"}
	require.NoError(t, svc.SaveCheckinResult(ctx, checkin))

	assert.NotZero(t, checkin.CheckinDate)
	assert.NotZero(t, checkin.LastRunAt)

	latest, err := svc.LatestCheckin(ctx, "site-a")
	require.NoError(t, err)
	require.NotNil(t, latest)

	from := time.Now().Add(-24 * time.Hour)
	to := time.Now().Add(24 * time.Hour)
	inRange, err := svc.CheckinsInRange(ctx, "site-a", from, to)
	require.NoError(t, err)
	assert.Len(t, inRange, 1)
}

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/common"
	"github.com/ternarybob/quaero/internal/models"
	"github.com/ternarybob/quaero/internal/queue"
	"github.com/ternarybob/quaero/internal/reconciler"
	"github.com/ternarybob/quaero/internal/registry"
	"github.com/ternarybob/quaero/internal/services/events"
	"github.com/ternarybob/quaero/internal/storage/sqlite"
)

type alwaysFreeChecker struct{}

func (alwaysFreeChecker) IsSiteRunning(string) bool { return false }

func setupTaskHandler(t *testing.T) (*TaskHandler, func()) {
	tempDir := t.TempDir()
	db, err := sqlite.NewSQLiteDB(arbor.NewLogger(), &common.SQLiteConfig{
		Path: tempDir + "/test.db", CacheSizeMB: 10, BusyTimeoutMS: 5000,
	})
	require.NoError(t, err)

	crawlers := sqlite.NewCrawlerStorage(db, arbor.NewLogger())
	browser := sqlite.NewBrowserStateStorage(db, arbor.NewLogger())
	reg := registry.New(crawlers, browser, t.TempDir(), "", arbor.NewLogger())
	require.NoError(t, reg.Initialize(context.Background()))

	ctx := context.Background()
	_, err = reg.UpdateSiteSetup(ctx, "site-a", registry.SiteSetupUpdate{
		SiteConfig:    &models.SiteConfig{SiteID: "site-a", SiteURL: "https://site-a.example"},
		CrawlerConfig: &models.CrawlerConfig{SiteID: "site-a", Enabled: true},
	})
	require.NoError(t, err)
	_, err = reg.UpdateSiteSetup(ctx, "site-disabled", registry.SiteSetupUpdate{
		SiteConfig:    &models.SiteConfig{SiteID: "site-disabled", SiteURL: "https://disabled.example"},
		CrawlerConfig: &models.CrawlerConfig{SiteID: "site-disabled", Enabled: false},
	})
	require.NoError(t, err)

	tasks := sqlite.NewTaskStorage(db, arbor.NewLogger())
	recon := reconciler.New(tasks, arbor.NewLogger())
	q := queue.New(recon, arbor.NewLogger())
	q.SetRunningSiteChecker(alwaysFreeChecker{})

	taskEvents := events.NewTaskEventAggregator(0, func(context.Context, []string, bool) {}, arbor.NewLogger())

	h := NewTaskHandler(q, recon, reg, taskEvents, arbor.NewLogger())
	return h, func() { db.Close() }
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) apiResponse {
	var resp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestTaskHandler_Create_EnabledSite(t *testing.T) {
	h, cleanup := setupTaskHandler(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/tasks/site-a", nil)
	rec := httptest.NewRecorder()
	h.Create(rec, req, "site-a")

	assert.Equal(t, http.StatusCreated, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, http.StatusCreated, resp.Code)
}

func TestTaskHandler_Create_UnknownSite(t *testing.T) {
	h, cleanup := setupTaskHandler(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/tasks/ghost", nil)
	rec := httptest.NewRecorder()
	h.Create(rec, req, "ghost")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskHandler_Create_DisabledSite(t *testing.T) {
	h, cleanup := setupTaskHandler(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/tasks/site-disabled", nil)
	rec := httptest.NewRecorder()
	h.Create(rec, req, "site-disabled")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskHandler_GetAndCancel(t *testing.T) {
	h, cleanup := setupTaskHandler(t)
	defer cleanup()

	createReq := httptest.NewRequest(http.MethodPost, "/tasks/site-a", nil)
	createRec := httptest.NewRecorder()
	h.Create(createRec, createReq, "site-a")
	require.Equal(t, http.StatusCreated, createRec.Code)

	created := decodeResponse(t, createRec)
	taskMap, ok := created.Data.(map[string]interface{})
	require.True(t, ok)
	taskID, ok := taskMap["task_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, taskID)

	getReq := httptest.NewRequest(http.MethodGet, "/tasks/"+taskID, nil)
	getRec := httptest.NewRecorder()
	h.Get(getRec, getReq, taskID)
	assert.Equal(t, http.StatusOK, getRec.Code)

	cancelReq := httptest.NewRequest(http.MethodDelete, "/tasks/"+taskID, nil)
	cancelRec := httptest.NewRecorder()
	h.Cancel(cancelRec, cancelReq, taskID)
	assert.Equal(t, http.StatusOK, cancelRec.Code)

	task, err := h.reconciler.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, task.Status)
}

func TestTaskHandler_Get_NotFound(t *testing.T) {
	h, cleanup := setupTaskHandler(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/tasks/ghost-task", nil)
	rec := httptest.NewRecorder()
	h.Get(rec, req, "ghost-task")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskHandler_List_BySite(t *testing.T) {
	h, cleanup := setupTaskHandler(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/tasks/site-a", nil)
	rec := httptest.NewRecorder()
	h.Create(rec, req, "site-a")
	require.Equal(t, http.StatusCreated, rec.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/tasks?site_id=site-a", nil)
	listRec := httptest.NewRecorder()
	h.List(listRec, listReq)
	assert.Equal(t, http.StatusOK, listRec.Code)

	resp := decodeResponse(t, listRec)
	tasks, ok := resp.Data.([]interface{})
	require.True(t, ok)
	assert.Len(t, tasks, 1)
}

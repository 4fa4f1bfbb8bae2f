package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/common"
	"github.com/ternarybob/quaero/internal/interfaces"
	"github.com/ternarybob/quaero/internal/services/config"
	"github.com/ternarybob/quaero/internal/services/events"
	"github.com/ternarybob/quaero/internal/storage/sqlite"
)

func setupConfigHandler(t *testing.T) (*ConfigHandler, interfaces.EventService, func()) {
	tempDir := t.TempDir()
	db, err := sqlite.NewSQLiteDB(arbor.NewLogger(), &common.SQLiteConfig{
		Path: tempDir + "/test.db", CacheSizeMB: 10, BusyTimeoutMS: 5000,
	})
	require.NoError(t, err)

	kv := sqlite.NewKVStorage(db, arbor.NewLogger())
	eventSvc := events.NewService(arbor.NewLogger())

	cfg := &common.Config{Chrome: common.ChromeConfig{BinaryPath: "{chrome_path}"}}
	cfgSvc, err := config.NewService(cfg, kv, eventSvc, arbor.NewLogger())
	require.NoError(t, err)

	h := NewConfigHandler(cfgSvc, kv, eventSvc, arbor.NewLogger())
	return h, eventSvc, func() {
		eventSvc.Close()
		db.Close()
	}
}

func TestConfigHandler_Get_ReturnsConfig(t *testing.T) {
	h, _, cleanup := setupConfigHandler(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	rec := httptest.NewRecorder()
	h.Get(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.NotNil(t, resp.Data)
}

// TestConfigHandler_PutKey_InvalidatesCache proves PUT /config/keys/{key}
// reaches the KV store and publishes EventKeyUpdated so ConfigService's
// handleKeyUpdate subscriber invalidates the cache before the next GET -
// exercising the full publish/subscribe path end to end, not just the wiring.
func TestConfigHandler_PutKey_InvalidatesCache(t *testing.T) {
	h, _, cleanup := setupConfigHandler(t)
	defer cleanup()

	getReq := httptest.NewRequest(http.MethodGet, "/config", nil)
	getRec := httptest.NewRecorder()
	h.Get(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	body, err := json.Marshal(keyOverridePatch{Value: "/opt/chrome/chrome", Description: "test override"})
	require.NoError(t, err)

	putReq := httptest.NewRequest(http.MethodPut, "/config/keys/chrome_path", bytes.NewReader(body))
	putRec := httptest.NewRecorder()
	h.PutKey(putRec, putReq, "chrome_path")
	assert.Equal(t, http.StatusOK, putRec.Code)

	require.Eventually(t, func() bool {
		cfg, err := h.config.GetConfig(putReq.Context())
		if err != nil {
			return false
		}
		c, ok := cfg.(*common.Config)
		return ok && c.Chrome.BinaryPath == "/opt/chrome/chrome"
	}, time.Second, 10*time.Millisecond, "expected config cache to reflect injected key after EventKeyUpdated")
}

func TestConfigHandler_PutKey_RejectsWrongMethod(t *testing.T) {
	h, _, cleanup := setupConfigHandler(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/config/keys/chrome_path", nil)
	rec := httptest.NewRecorder()
	h.PutKey(rec, req, "chrome_path")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

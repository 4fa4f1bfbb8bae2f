package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/interfaces"
	"github.com/ternarybob/quaero/internal/services/config"
)

// ConfigHandler exposes the ambient config service (KV-injected, cached
// TOML config) for operator inspection and hot reload, independent of the
// per-site settings document served at /settings.
type ConfigHandler struct {
	config    *config.Service
	kvStorage interfaces.KeyValueStorage
	eventSvc  interfaces.EventService
	logger    arbor.ILogger
}

func NewConfigHandler(cfg *config.Service, kvStorage interfaces.KeyValueStorage, eventSvc interfaces.EventService, logger arbor.ILogger) *ConfigHandler {
	return &ConfigHandler{config: cfg, kvStorage: kvStorage, eventSvc: eventSvc, logger: logger}
}

// Get handles GET /config: returns the currently cached, key-injected
// config, rebuilding it first if a prior key update invalidated the cache.
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	cfg, err := h.config.GetConfig(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to read effective config")
		WriteError(w, http.StatusInternalServerError, "failed to read effective config")
		return
	}
	WriteData(w, cfg)
}

// Reload handles POST /config/reload: deletes every entry in the KV store,
// then re-reads the config files from disk, so the rebuilt config carries no
// {key-name} overrides.
func (h *ConfigHandler) Reload(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.config.ReloadConfig(r.Context(), true); err != nil {
		h.logger.Error().Err(err).Msg("failed to reload config")
		WriteError(w, http.StatusInternalServerError, "failed to reload config")
		return
	}
	cfg, err := h.config.GetConfig(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to read reloaded config")
		WriteError(w, http.StatusInternalServerError, "failed to read reloaded config")
		return
	}
	WriteSuccess(w, "config reloaded", cfg)
}

// keyOverridePatch is the body for PUT /config/keys/{key}.
type keyOverridePatch struct {
	Value       string `json:"value"`
	Description string `json:"description"`
}

// PutKey handles PUT /config/keys/{key}: sets one {key-name} override in the
// KV store and publishes EventKeyUpdated so the config service's cache
// invalidates on the next GetConfig call instead of serving a stale value
// until the next restart.
func (h *ConfigHandler) PutKey(w http.ResponseWriter, r *http.Request, key string) {
	if !RequireMethod(w, r, http.MethodPut) {
		return
	}
	var patch keyOverridePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.kvStorage.Set(r.Context(), key, patch.Value, patch.Description); err != nil {
		h.logger.Error().Err(err).Str("key", key).Msg("failed to set config key override")
		WriteError(w, http.StatusInternalServerError, "failed to set key override")
		return
	}

	if err := h.eventSvc.Publish(r.Context(), interfaces.Event{Type: interfaces.EventKeyUpdated, Payload: key}); err != nil {
		h.logger.Warn().Err(err).Str("key", key).Msg("failed to publish key update event")
	}

	WriteSuccess(w, "config key override set", nil)
}

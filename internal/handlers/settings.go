package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/settings"
)

// SettingsHandler exposes the operator-tunable settings document for
// read/write over HTTP.
type SettingsHandler struct {
	settings *settings.Provider
	logger   arbor.ILogger
}

func NewSettingsHandler(s *settings.Provider, logger arbor.ILogger) *SettingsHandler {
	return &SettingsHandler{settings: s, logger: logger}
}

// Get handles GET /settings.
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteData(w, h.settings.Get())
}

// settingPatch is the body for PATCH /settings: a single key/value override,
// applied through the provider's validated setter.
type settingPatch struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// Patch handles PATCH /settings: sets one named field at a time so a bad
// value for one knob can't clobber the rest of the document.
func (h *SettingsHandler) Patch(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPatch) {
		return
	}
	var patch settingPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if patch.Key == "" {
		WriteError(w, http.StatusBadRequest, "key is required")
		return
	}

	if err := h.settings.Set(r.Context(), patch.Key, patch.Value); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	WriteSuccess(w, "setting updated", h.settings.Get())
}

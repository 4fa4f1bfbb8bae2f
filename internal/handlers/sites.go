package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/interfaces"
	"github.com/ternarybob/quaero/internal/registry"
)

// SiteHandler exposes the site configuration registry's CRUD surface.
type SiteHandler struct {
	registry *registry.Registry
	eventSvc interfaces.EventService
	logger   arbor.ILogger
}

// NewSiteHandler builds a SiteHandler. eventSvc may be nil in tests that
// don't care about registry-change fan-out.
func NewSiteHandler(reg *registry.Registry, eventSvc interfaces.EventService, logger arbor.ILogger) *SiteHandler {
	return &SiteHandler{registry: reg, eventSvc: eventSvc, logger: logger}
}

// publishSiteEvent fires a best-effort registry-change notification; a nil
// eventSvc (as in unit tests) or publish failure is logged, never fatal to
// the request that triggered it.
func (h *SiteHandler) publishSiteEvent(ctx context.Context, eventType interfaces.EventType, siteID string) {
	if h.eventSvc == nil {
		return
	}
	if err := h.eventSvc.Publish(ctx, interfaces.Event{Type: eventType, Payload: siteID}); err != nil {
		h.logger.Warn().Err(err).Str("site_id", siteID).Msg("failed to publish site config event")
	}
}

// List handles GET /site-configs.
func (h *SiteHandler) List(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteData(w, h.registry.GetAvailableSites())
}

// Get handles GET /site-configs/{site_id}.
func (h *SiteHandler) Get(w http.ResponseWriter, r *http.Request, siteID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	setup, ok := h.registry.GetSiteSetup(siteID)
	if !ok {
		WriteError(w, http.StatusNotFound, "site not found: "+siteID)
		return
	}
	WriteData(w, setup)
}

// Update handles PUT /site-configs/{site_id}: upserts any provided parts of
// the site's SiteSetup (config, runtime, credential) in one call.
func (h *SiteHandler) Update(w http.ResponseWriter, r *http.Request, siteID string) {
	if !RequireMethod(w, r, http.MethodPut) {
		return
	}
	var update registry.SiteSetupUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	created, err := h.registry.UpdateSiteSetup(r.Context(), siteID, update)
	if err != nil {
		h.logger.Error().Err(err).Str("site_id", siteID).Msg("failed to update site config")
		WriteError(w, http.StatusInternalServerError, "failed to update site config")
		return
	}

	setup, _ := h.registry.GetSiteSetup(siteID)
	h.publishSiteEvent(r.Context(), interfaces.EventSiteConfigUpdated, siteID)
	if created {
		WriteCreated(w, setup)
		return
	}
	WriteSuccess(w, "site config updated", setup)
}

// Delete handles DELETE /site-configs/{site_id}.
func (h *SiteHandler) Delete(w http.ResponseWriter, r *http.Request, siteID string) {
	if !RequireMethod(w, r, http.MethodDelete) {
		return
	}
	existed, err := h.registry.DeleteSiteSetup(r.Context(), siteID)
	if err != nil {
		h.logger.Error().Err(err).Str("site_id", siteID).Msg("failed to delete site config")
		WriteError(w, http.StatusInternalServerError, "failed to delete site config")
		return
	}
	if !existed {
		WriteError(w, http.StatusNotFound, "site not found: "+siteID)
		return
	}
	h.publishSiteEvent(r.Context(), interfaces.EventSiteConfigDeleted, siteID)
	WriteSuccess(w, "site config deleted", nil)
}

// Reload handles POST /site-configs/{site_id}/reload (or /site-configs/reload
// for all sites), re-reading seed files from disk.
func (h *SiteHandler) Reload(w http.ResponseWriter, r *http.Request, siteID string, all bool) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.registry.Reload(r.Context(), siteID, all, true); err != nil {
		h.logger.Error().Err(err).Str("site_id", siteID).Msg("failed to reload site config")
		WriteError(w, http.StatusInternalServerError, "failed to reload site config")
		return
	}
	h.publishSiteEvent(r.Context(), interfaces.EventSiteConfigUpdated, siteID)
	WriteSuccess(w, "site config reloaded", nil)
}

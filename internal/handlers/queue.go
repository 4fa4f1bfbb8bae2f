package handlers

import (
	"context"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/common"
	"github.com/ternarybob/quaero/internal/queue"
	"github.com/ternarybob/quaero/internal/registry"
	"github.com/ternarybob/quaero/internal/supervisor"
)

// QueueHandler exposes bulk queue operations: kicking a scheduling pass and
// clearing pending (READY) tasks.
type QueueHandler struct {
	queue      *queue.Manager
	supervisor *supervisor.Supervisor
	registry   *registry.Registry
	logger     arbor.ILogger
}

func NewQueueHandler(q *queue.Manager, sup *supervisor.Supervisor, reg *registry.Registry, logger arbor.ILogger) *QueueHandler {
	return &QueueHandler{queue: q, supervisor: sup, registry: reg, logger: logger}
}

// Start handles POST /queue/start: runs a full scheduling pass synchronously
// and reports how many workers it spawned.
func (h *QueueHandler) Start(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	started := h.supervisor.StartCrawlerTasks(r.Context())
	WriteSuccess(w, "scheduling pass complete", map[string]int{"started": len(started)})
}

// StartSite handles POST /queue/{site_id}/start. It returns 404 for a site
// unknown to the registry, then requests one out-of-band scheduling pass
// asynchronously rather than blocking the HTTP response on it. The pass is
// the same all-sites pass as Start: it is not restricted to siteID, and it
// enforces concurrency and single-site exclusion itself.
func (h *QueueHandler) StartSite(w http.ResponseWriter, r *http.Request, siteID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if _, ok := h.registry.GetSiteSetup(siteID); !ok {
		WriteError(w, http.StatusNotFound, "site not found: "+siteID)
		return
	}

	common.SafeGo(h.logger, "queue.StartSite", func() {
		h.supervisor.StartCrawlerTasks(context.Background())
	})
	WriteSuccess(w, "scheduling pass requested", map[string]string{"site_id": siteID})
}

// Clear handles DELETE /queue/clear?site_id=.
func (h *QueueHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodDelete) {
		return
	}
	siteID := r.URL.Query().Get("site_id")
	result, err := h.queue.ClearPendingTasks(r.Context(), siteID)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to clear pending tasks")
		WriteError(w, http.StatusInternalServerError, "failed to clear pending tasks")
		return
	}
	WriteSuccess(w, "pending tasks cleared", map[string]int{
		"cleared": result.ClearedCount,
		"total":   result.TotalReadyCount,
	})
}

package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/interfaces"
	"github.com/ternarybob/quaero/internal/supervisor"
)

// HealthHandler backs GET /healthz: liveness confirms the store is
// reachable and the supervisor's tick loop is running.
type HealthHandler struct {
	storage    interfaces.StorageManager
	supervisor *supervisor.Supervisor
	logger     arbor.ILogger
}

func NewHealthHandler(storage interfaces.StorageManager, sup *supervisor.Supervisor, logger arbor.ILogger) *HealthHandler {
	return &HealthHandler{storage: storage, supervisor: sup, logger: logger}
}

func (h *HealthHandler) Get(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	status := "ok"
	code := http.StatusOK

	if !h.supervisor.Ticking() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	runningTasks, runningSites := h.supervisor.RunningCounts()

	WriteJSON(w, code, map[string]interface{}{
		"status":        status,
		"running_tasks": runningTasks,
		"running_sites": runningSites,
	})
}

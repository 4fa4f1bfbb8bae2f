package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/quaero/internal/models"
	"github.com/ternarybob/quaero/internal/queue"
	"github.com/ternarybob/quaero/internal/reconciler"
	"github.com/ternarybob/quaero/internal/registry"
	"github.com/ternarybob/quaero/internal/services/events"
)

// admissionRateLimit and admissionBurst bound how often a single site_id can
// be admitted through POST /tasks/{site_id}, the same per-endpoint client
// throttle the teacher applies to its outbound API clients (eodhd/navexa),
// turned around to protect a site from a bursty or misbehaving caller of
// this admission surface.
const (
	admissionRateLimit = 2 // tasks/sec, per site
	admissionBurst     = 5
)

var taskValidate = validator.New()

// taskCreateRequest is the optional JSON body for POST /tasks/{site_id}.
type taskCreateRequest struct {
	Metadata map[string]interface{} `json:"metadata" validate:"omitempty"`
}

func (r *taskCreateRequest) Validate() error {
	return taskValidate.Struct(r)
}

// TaskHandler exposes task admission, lookup, listing and cancellation over
// HTTP. Each method parses the request, calls exactly one core method, and
// maps the result to a response body.
type TaskHandler struct {
	queue      *queue.Manager
	reconciler *reconciler.Reconciler
	registry   *registry.Registry
	taskEvents *events.TaskEventAggregator
	logger     arbor.ILogger

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

func NewTaskHandler(q *queue.Manager, recon *reconciler.Reconciler, reg *registry.Registry, taskEvents *events.TaskEventAggregator, logger arbor.ILogger) *TaskHandler {
	return &TaskHandler{
		queue:      q,
		reconciler: recon,
		registry:   reg,
		taskEvents: taskEvents,
		logger:     logger,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// admissionLimiter returns the per-site token bucket, creating it on first
// use.
func (h *TaskHandler) admissionLimiter(siteID string) *rate.Limiter {
	h.limiterMu.Lock()
	defer h.limiterMu.Unlock()
	l, ok := h.limiters[siteID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(admissionRateLimit), admissionBurst)
		h.limiters[siteID] = l
	}
	return l
}

// Create handles POST /tasks/{site_id}.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request, siteID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	setup, ok := h.registry.GetSiteSetup(siteID)
	if !ok {
		WriteError(w, http.StatusNotFound, "site not found: "+siteID)
		return
	}
	if !setup.Runtime.Enabled {
		WriteError(w, http.StatusBadRequest, "site is disabled: "+siteID)
		return
	}
	if !h.admissionLimiter(siteID).Allow() {
		WriteError(w, http.StatusTooManyRequests, "admission rate exceeded for site: "+siteID)
		return
	}

	var req taskCreateRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if err := req.Validate(); err != nil {
			WriteError(w, http.StatusBadRequest, "validation failed: "+err.Error())
			return
		}
	}

	task, err := h.queue.AddTask(r.Context(), queue.TaskCreate{SiteID: siteID, Metadata: req.Metadata})
	if err != nil {
		h.logger.Error().Err(err).Str("site_id", siteID).Msg("failed to admit task")
		WriteError(w, http.StatusInternalServerError, "failed to admit task")
		return
	}

	WriteCreated(w, task)
}

// Get handles GET /tasks/{task_id}.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request, taskID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	task, err := h.reconciler.GetTask(r.Context(), taskID)
	if err != nil {
		h.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to read task")
		WriteError(w, http.StatusInternalServerError, "failed to read task")
		return
	}
	if task == nil {
		WriteError(w, http.StatusNotFound, "task not found: "+taskID)
		return
	}
	WriteData(w, task)
}

// List handles GET /tasks?site_id&status&limit.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	siteID := r.URL.Query().Get("site_id")
	status := models.TaskStatus(strings.ToUpper(r.URL.Query().Get("status")))
	limit := queryInt(r, "limit", 0)

	var (
		tasks []*models.Task
		err   error
	)
	if siteID != "" {
		tasks, err = h.reconciler.ListTasksBySite(r.Context(), siteID, status)
	} else {
		tasks, err = h.reconciler.ListTasks(r.Context(), status, limit)
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list tasks")
		WriteError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	WriteData(w, tasks)
}

// Cancel handles DELETE /tasks/{task_id}.
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request, taskID string) {
	if !RequireMethod(w, r, http.MethodDelete) {
		return
	}
	task, err := h.reconciler.GetTask(r.Context(), taskID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to read task")
		return
	}
	if task == nil {
		WriteError(w, http.StatusNotFound, "task not found: "+taskID)
		return
	}
	if task.Status.IsTerminal() {
		WriteSuccess(w, "task already terminal, no-op", nil)
		return
	}

	h.queue.CancelTask(r.Context(), taskID)
	h.taskEvents.TriggerImmediately(r.Context(), taskID)
	WriteSuccess(w, "task cancelled", nil)
}

package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures the HTTP admission surface described in the
// repository's external-interfaces design.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/tasks", s.handleTasksCollection)
	mux.HandleFunc("/tasks/", s.handleTasksItem)

	mux.HandleFunc("/queue/start", s.app.QueueHandler.Start)
	mux.HandleFunc("/queue/clear", s.app.QueueHandler.Clear)
	mux.HandleFunc("/queue/", s.handleQueueSite)

	mux.HandleFunc("/site-configs", s.handleSiteConfigsCollection)
	mux.HandleFunc("/site-configs/", s.handleSiteConfigsItem)

	mux.HandleFunc("/settings", s.handleSettings)

	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/config/reload", s.app.ConfigHandler.Reload)
	mux.HandleFunc("/config/keys/", s.handleConfigKey)

	mux.HandleFunc("/healthz", s.app.HealthHandler.Get)

	mux.HandleFunc("/ws/tasks", s.app.WSHandler.HandleTasks)

	return mux
}

func (s *Server) handleTasksCollection(w http.ResponseWriter, r *http.Request) {
	RouteCRUD(w, r, s.app.TaskHandler.List, nil, nil, nil)
}

// handleTasksItem dispatches /tasks/{id}: the id is a site_id on POST
// (enqueue for that site) and a task_id on GET/DELETE (read/cancel that
// specific task).
func (s *Server) handleTasksItem(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r.URL.Path, "/tasks")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.app.TaskHandler.Create(w, r, id)
	case http.MethodGet:
		s.app.TaskHandler.Get(w, r, id)
	case http.MethodDelete:
		s.app.TaskHandler.Cancel(w, r, id)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleQueueSite dispatches POST /queue/{site_id}/start.
func (s *Server) handleQueueSite(w http.ResponseWriter, r *http.Request) {
	tail := pathTail(r.URL.Path, "/queue")
	siteID := strings.TrimSuffix(tail, "/start")
	if siteID == tail || siteID == "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.app.QueueHandler.StartSite(w, r, siteID)
}

func (s *Server) handleSiteConfigsCollection(w http.ResponseWriter, r *http.Request) {
	RouteCRUD(w, r, s.app.SiteHandler.List, nil, nil, nil)
}

// handleSiteConfigsItem dispatches /site-configs/{id}, /site-configs/{id}/reload
// and /site-configs/reload.
func (s *Server) handleSiteConfigsItem(w http.ResponseWriter, r *http.Request) {
	tail := pathTail(r.URL.Path, "/site-configs")
	if tail == "" {
		http.NotFound(w, r)
		return
	}

	if tail == "reload" {
		s.app.SiteHandler.Reload(w, r, "", true)
		return
	}
	if siteID := strings.TrimSuffix(tail, "/reload"); siteID != tail {
		s.app.SiteHandler.Reload(w, r, siteID, false)
		return
	}

	RouteCRUD(w, r,
		func(w http.ResponseWriter, r *http.Request) { s.app.SiteHandler.Get(w, r, tail) },
		nil,
		func(w http.ResponseWriter, r *http.Request) { s.app.SiteHandler.Update(w, r, tail) },
		func(w http.ResponseWriter, r *http.Request) { s.app.SiteHandler.Delete(w, r, tail) },
	)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.app.SettingsHandler.Get(w, r)
	case http.MethodPatch:
		s.app.SettingsHandler.Patch(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.app.ConfigHandler.Get(w, r)
}

// handleConfigKey dispatches PUT /config/keys/{key}.
func (s *Server) handleConfigKey(w http.ResponseWriter, r *http.Request) {
	key := pathTail(r.URL.Path, "/config/keys")
	if key == "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.app.ConfigHandler.PutKey(w, r, key)
}

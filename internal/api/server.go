// Package api serves the read-only observability surface. All mutations flow
// through the queues; HTTP only reports what the store and broker already
// know.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"agentnet/internal/broker"
	"agentnet/internal/config"
	"agentnet/internal/models"
	"agentnet/internal/monitor"
	"agentnet/internal/store"
	"agentnet/internal/telemetry"
)

const defaultLimit = 50

// Server wires the HTTP handlers shared by both daemons.
type Server struct {
	cfg     config.Config
	store   store.Store
	broker  broker.Broker
	monitor *monitor.Monitor
}

// New constructs the API server.
func New(cfg config.Config, st store.Store, bk broker.Broker, mon *monitor.Monitor) *Server {
	return &Server{cfg: cfg, store: st, broker: bk, monitor: mon}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(countRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/agents", s.handleAgents)
		r.Get("/agents/{id}", s.handleAgent)
		r.Get("/agents/{id}/activity", s.handleAgentActivity)
		r.Get("/activity", s.handleActivity)
		r.Get("/tasks/active", s.handleActiveTasks)
		r.Get("/tasks/completed", s.handleCompletedTasks)
		r.Get("/tasks/{id}", s.handleTask)
		r.Get("/queues/{name}", s.handleQueue)
	})
	return r
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	reports, err := s.monitor.Snapshot(r.Context(), time.Now().UTC())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if reports == nil {
		reports = []monitor.AgentReport{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": reports})
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.store.GetAgentStatus(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, monitor.AgentReport{
		AgentStatus: status,
		Active:      models.IsActive(status, time.Now().UTC(), s.cfg.ActiveWindow),
	})
}

func (s *Server) handleAgentActivity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetAgentStatus(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}
	acts, err := s.store.RecentActivities(r.Context(), id, limitParam(r, s.cfg.ActivityLimit))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if acts == nil {
		acts = []models.Activity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": acts})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	acts, err := s.store.SystemActivities(r.Context(), limitParam(r, defaultLimit))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if acts == nil {
		acts = []models.Activity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": acts})
}

func (s *Server) handleActiveTasks(w http.ResponseWriter, r *http.Request) {
	s.handleTaskList(w, r, store.TaskQuery{
		Statuses: []models.TaskStatus{models.StatusPending, models.StatusAssigned, models.StatusInProgress},
		Order:    store.OrderCreatedDesc,
		Limit:    limitParam(r, defaultLimit),
	})
}

func (s *Server) handleCompletedTasks(w http.ResponseWriter, r *http.Request) {
	s.handleTaskList(w, r, store.TaskQuery{
		Statuses: []models.TaskStatus{models.StatusCompleted, models.StatusFailed},
		Order:    store.OrderCompletedDesc,
		Limit:    limitParam(r, defaultLimit),
	})
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request, q store.TaskQuery) {
	tasks, err := s.store.QueryTasks(r.Context(), q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleQueue reports live queue depth. When the broker link is down the
// numbers cannot be trusted, so the endpoint answers 503 instead of stale
// data.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if !s.broker.IsConnected() {
		http.Error(w, "broker disconnected", http.StatusServiceUnavailable)
		return
	}
	info, err := s.broker.QueueInfo(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func limitParam(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		telemetry.APIRequests.Inc()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// Package admin exposes the worker's control surface over HTTP: task
// lifecycle control, per-task health and metrics, and a store-level
// pipeline snapshot.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sunward-labs/chatpipe/internal/monitoring"
	"github.com/sunward-labs/chatpipe/internal/scheduler"
)

// Server routes admin requests to the registered tasks and the metrics
// collector.
type Server struct {
	tasks     map[string]*scheduler.Task
	order     []string
	collector *monitoring.Collector
	lookback  int
}

// NewServer creates an admin server over the given tasks. Task names must
// be unique; order is preserved for listings.
func NewServer(tasks []*scheduler.Task, collector *monitoring.Collector, lookbackHours int) *Server {
	s := &Server{
		tasks:     make(map[string]*scheduler.Task, len(tasks)),
		collector: collector,
		lookback:  lookbackHours,
	}
	if s.lookback <= 0 {
		s.lookback = 24
	}
	for _, t := range tasks {
		s.tasks[t.Name()] = t
		s.order = append(s.order, t.Name())
	}
	return s
}

// Router builds the chi handler for the admin surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Route("/{name}", func(r chi.Router) {
			r.Use(s.taskCtx)
			r.Get("/health", s.handleTaskHealth)
			r.Get("/metrics", s.handleTaskMetrics)
			r.Post("/start", s.handleTaskAction)
			r.Post("/stop", s.handleTaskAction)
			r.Post("/pause", s.handleTaskAction)
			r.Post("/resume", s.handleTaskAction)
			r.Post("/trigger", s.handleTaskAction)
		})
	})

	return r
}

// ListenAndServe runs the admin server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("admin: shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("admin: server listening", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "admin: listen")
	}
	return nil
}

type ctxKey int

const taskKey ctxKey = 0

// taskCtx resolves {name} to a task or 404s.
func (s *Server) taskCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		task, ok := s.tasks[name]
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("unknown task %q", name))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), taskKey, task)))
	})
}

func taskFrom(r *http.Request) *scheduler.Task {
	return r.Context().Value(taskKey).(*scheduler.Task)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := true
	tasks := make(map[string]scheduler.Health, len(s.order))
	for _, name := range s.order {
		h := s.tasks[name].GetHealthStatus()
		tasks[name] = h
		if !h.Healthy {
			healthy = false
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy": healthy,
		"tasks":   tasks,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collector.Collect(r.Context(), s.lookback)
	if err != nil {
		zap.L().Error("admin: collect metrics", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "metrics collection failed")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// taskSummary is one row in the task listing.
type taskSummary struct {
	Name     string           `json:"name"`
	Status   scheduler.Status `json:"status"`
	Interval string           `json:"interval"`
	Timeout  string           `json:"timeout"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	out := make([]taskSummary, 0, len(s.order))
	for _, name := range s.order {
		task := s.tasks[name]
		cfg := task.Config()
		out = append(out, taskSummary{
			Name:     name,
			Status:   task.Status(),
			Interval: cfg.Interval.String(),
			Timeout:  cfg.Timeout.String(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTaskHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, taskFrom(r).GetHealthStatus())
}

func (s *Server) handleTaskMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, taskFrom(r).GetMetrics())
}

func (s *Server) handleTaskAction(w http.ResponseWriter, r *http.Request) {
	task := taskFrom(r)
	action := path.Base(r.URL.Path)

	switch action {
	case "start":
		task.Start()
	case "stop":
		task.Stop()
	case "pause":
		task.Pause()
	case "resume":
		task.Resume()
	case "trigger":
		if err := task.Trigger(r.Context()); err != nil {
			if eris.Is(err, scheduler.ErrAlreadyRunning) {
				writeError(w, http.StatusConflict, "task already running")
				return
			}
			writeError(w, http.StatusConflict, err.Error())
			return
		}
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown action %q", action))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"task":   task.Name(),
		"action": action,
		"status": task.Status(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("admin: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

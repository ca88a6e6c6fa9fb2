// Package api serves the watchmin control surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/benaskins/watchmin/internal/daemon"
	"github.com/benaskins/watchmin/internal/metrics"
	"github.com/benaskins/watchmin/internal/spec"
)

const defaultLogLines = 100

// CreateRequest is the body of POST /v1/watchers.
type CreateRequest struct {
	Name       string            `json:"name,omitempty"`
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Shell      bool              `json:"shell,omitempty"`
	PID        int               `json:"pid,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Sources    []string          `json:"sources,omitempty"`
	Logs       []string          `json:"logs,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// Spec converts the request into a watcher definition.
func (c CreateRequest) Spec() *spec.WatcherSpec {
	return &spec.WatcherSpec{
		Watcher: spec.Watcher{
			Name:       c.Name,
			Command:    c.Command,
			Args:       c.Args,
			Shell:      c.Shell,
			PID:        c.PID,
			WorkingDir: c.WorkingDir,
			Logs:       c.Logs,
		},
		Env:     c.Env,
		Sources: c.Sources,
	}
}

// CreateResponse is returned for a created watcher.
type CreateResponse struct {
	ID string `json:"id"`
}

// Server serves the watchmin REST API over a Unix socket.
type Server struct {
	registry    *daemon.Registry
	metrics     *metrics.Metrics
	stopTimeout time.Duration
	server      *http.Server
	logger      *slog.Logger
}

// NewServer creates an API server backed by the given registry. m may be nil.
func NewServer(r *daemon.Registry, m *metrics.Metrics, stopTimeout time.Duration) *Server {
	s := &Server{
		registry:    r,
		metrics:     m,
		stopTimeout: stopTimeout,
		logger:      slog.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/watchers", s.listWatchers)
	mux.HandleFunc("POST /v1/watchers", s.createWatcher)
	mux.HandleFunc("GET /v1/watchers/{id}", s.getWatcher)
	mux.HandleFunc("GET /v1/watchers/{id}/logs", s.watcherLogs)
	mux.HandleFunc("POST /v1/watchers/{id}/stop", s.stopWatcher)
	mux.HandleFunc("POST /v1/reload", s.reload)
	mux.HandleFunc("GET /v1/health", s.health)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	s.server = &http.Server{Handler: mux}
	return s
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ListenUnix starts the server on a Unix socket.
func (s *Server) ListenUnix(path string) error {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.logger.Info("API listening", "socket", path)
	return s.server.Serve(ln)
}

// ListenTCP starts the server on a TCP address.
func (s *Server) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info("API listening", "addr", addr)
	return s.server.Serve(ln)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) listWatchers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) createWatcher(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	id, err := s.registry.Create(req.Spec())
	if errors.Is(err, daemon.ErrClosed) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, CreateResponse{ID: id})
}

func (s *Server) getWatcher(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.Info(r.PathValue("id"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) watcherLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultLogLines
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "n must be a non-negative integer")
			return
		}
		n = parsed
	}

	recs, err := s.registry.Logs(r.PathValue("id"), n)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) stopWatcher(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Stop(r.PathValue("id"), s.stopTimeout); err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	result, err := s.registry.Reload()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, daemon.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Package admin exposes a small HTTP control surface for the poll scheduler.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"robotrss/internal/scheduler"
)

const shutdownTimeout = 5 * time.Second

// Controller is the part of the scheduler the admin endpoints drive.
type Controller interface {
	Trigger() bool
	Running() bool
	SetInterval(d time.Duration) error
	Interval() time.Duration
	Stats() scheduler.Stats
}

// Server serves the admin endpoints.
type Server struct {
	addr string
	ctrl Controller
	log  *slog.Logger
}

// New creates a Server listening on addr once Run is called.
func New(addr string, ctrl Controller, log *slog.Logger) *Server {
	return &Server{addr: addr, ctrl: ctrl, log: log}
}

type statusResponse struct {
	Running   bool            `json:"running"`
	Interval  string          `json:"interval"`
	LastCycle scheduler.Stats `json:"last_cycle"`
}

type intervalRequest struct {
	Duration string `json:"duration"`
}

// Handler returns the routed admin handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.HandleFunc("/status", s.status).Methods(http.MethodGet)
	r.HandleFunc("/cycle", s.cycle).Methods(http.MethodPost)
	r.HandleFunc("/interval", s.interval).Methods(http.MethodPost)
	return r
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("admin server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown admin server: %w", err)
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, statusResponse{
		Running:   s.ctrl.Running(),
		Interval:  s.ctrl.Interval().String(),
		LastCycle: s.ctrl.Stats(),
	})
}

func (s *Server) cycle(w http.ResponseWriter, _ *http.Request) {
	if !s.ctrl.Trigger() {
		s.respondError(w, http.StatusConflict, "a poll cycle is already running")
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]bool{"triggered": true})
}

func (s *Server) interval(w http.ResponseWriter, r *http.Request) {
	var req intervalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid duration %q", req.Duration))
		return
	}
	if err := s.ctrl.SetInterval(d); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info("poll interval changed", "interval", d)
	s.respondJSON(w, http.StatusOK, map[string]string{"interval": d.String()})
}

func (s *Server) respondJSON(w http.ResponseWriter, code int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("marshal admin response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func (s *Server) respondError(w http.ResponseWriter, code int, msg string) {
	s.respondJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.Debug("admin request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

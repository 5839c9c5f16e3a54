// Package server exposes the HTTP trigger: GET /healthz, POST /, GET /status
// and GET /metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/johndauphine/ingest-sync/internal/config"
	"github.com/johndauphine/ingest-sync/internal/logging"
	"github.com/johndauphine/ingest-sync/internal/metrics"
	"github.com/johndauphine/ingest-sync/internal/orchestrator"
	"github.com/johndauphine/ingest-sync/internal/syncerr"
)

// maxBodyBytes bounds a trigger request body.
const maxBodyBytes = 1 << 20

// Runner is the part of the orchestrator the server drives.
type Runner interface {
	Run(ctx context.Context, trigger string, ov orchestrator.Overrides) (*orchestrator.RunResult, error)
	HealthCheck(ctx context.Context) *orchestrator.HealthCheckResult
	GetStatusResult() (*orchestrator.StatusResult, error)
}

// Server is the HTTP trigger server
type Server struct {
	runner Runner
	cfg    config.ServerConfig
	mux    *http.ServeMux
}

// New creates a server for runner.
func New(runner Runner, cfg config.ServerConfig) *Server {
	s := &Server{
		runner: runner,
		cfg:    cfg,
		mux:    http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /healthz", s.healthHandler())
	s.mux.HandleFunc("POST /{$}", s.runHandler())
	s.mux.HandleFunc("GET /status", s.statusHandler())
	s.mux.Handle("GET /metrics", metrics.Handler())
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return withRequestID(withRecover(s.mux))
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully,
// giving an in-flight run up to the write timeout to finish.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Listening on %s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logging.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

// healthHandler answers liveness probes. With ?deep=1 it also pings the
// state store, the warehouse and the archive.
func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("deep") == "" {
			writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
			return
		}
		hc := s.runner.HealthCheck(r.Context())
		code := http.StatusOK
		if !hc.Healthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"ready": hc.Healthy, "checks": hc})
	}
}

// runHandler triggers one run with the overrides in the request body.
func (s *Server) runHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, orchestrator.StatusConfigError, "reading request body: "+err.Error())
			return
		}
		ov, err := orchestrator.ParseOverrides(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, orchestrator.StatusConfigError, err.Error())
			return
		}

		// The run keeps its own deadline; a client disconnect must not abort it mid-write.
		res, err := s.runner.Run(context.WithoutCancel(r.Context()), orchestrator.TriggerHTTP, ov)
		switch {
		case errors.Is(err, orchestrator.ErrBusy):
			writeError(w, http.StatusConflict, "busy", err.Error())
			return
		case err != nil:
			code := http.StatusInternalServerError
			if syncerr.Is(err, syncerr.KindConfig) {
				code = http.StatusBadRequest
			}
			writeError(w, code, orchestrator.StatusFailed, err.Error())
			return
		}
		writeJSON(w, res.HTTPStatus(), res)
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.runner.GetStatusResult()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Warn("Writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, status, message string) {
	writeJSON(w, code, map[string]string{"status": status, "error": message})
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func durationMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}

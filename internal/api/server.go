// Package api exposes the operator HTTP surface of the census engine:
// inspection, the scan actions, and health probes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	censusapp "github.com/flairscan/flairscan/internal/census"
	domain "github.com/flairscan/flairscan/internal/domain/census"
	"github.com/flairscan/flairscan/pkg/common/logger"
	"github.com/flairscan/flairscan/pkg/common/otel"
)

// Server serves the operator API for one community's census.
type Server struct {
	addr    string
	logger  *logger.Logger
	router  *http.ServeMux
	service *censusapp.Service
	tracer  trace.Tracer
}

// NewServer creates the operator API server around a census Service.
func NewServer(addr string, svc *censusapp.Service, log *logger.Logger, tracer trace.Tracer) *Server {
	s := &Server{
		addr:    addr,
		logger:  log,
		router:  http.NewServeMux(),
		service: svc,
		tracer:  tracer,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("GET /v1/health", s.handleHealth)
	s.router.HandleFunc("GET /v1/readiness", s.handleReadiness)

	s.router.HandleFunc("GET /v1/census", s.handleInspect)
	s.router.HandleFunc("POST /v1/census/scan", s.handleAccept)
	s.router.HandleFunc("POST /v1/census/start", s.action("census.start", s.service.Start))
	s.router.HandleFunc("POST /v1/census/continue", s.action("census.continue", s.service.Continue))
	s.router.HandleFunc("POST /v1/census/refresh", s.action("census.refresh", s.service.Refresh))
	s.router.HandleFunc("POST /v1/census/retry", s.action("census.retry", s.service.Retry))
	s.router.HandleFunc("DELETE /v1/census", s.handleCancel)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "census.inspect")
	defer span.End()

	vm, err := s.service.Inspect(ctx)
	if err != nil {
		span.RecordError(err)
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, vm)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, "census.scan", s.service.Accept)
}

// action adapts one of the Service's explicit scan actions into a handler.
func (s *Server) action(spanName string, fn func(context.Context) (*domain.ScanCheckpoint, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.runAction(w, r, spanName, fn)
	}
}

func (s *Server) runAction(w http.ResponseWriter, r *http.Request, spanName string, fn func(context.Context) (*domain.ScanCheckpoint, error)) {
	ctx, span := s.tracer.Start(r.Context(), spanName)
	defer span.End()

	cp, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		s.writeError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if cp.Completed {
		status = http.StatusOK
	}
	s.writeJSON(w, r, status, cp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "census.cancel")
	defer span.End()

	if err := s.service.Cancel(ctx); err != nil {
		span.RecordError(err)
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(r.Context(), "failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var scanErr *domain.ScanError
	if errors.As(err, &scanErr) && scanErr.Kind() == domain.ErrKindInvalidAction {
		http.Error(w, scanErr.Error(), http.StatusConflict)
		return
	}

	s.logger.Error(r.Context(), "request failed", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func loggerMiddleware(log *logger.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		ctx := r.Context()
		log.Info(ctx, "request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
			"trace_id", otel.GetTraceID(ctx),
		)
	})
}

// Start runs the API server until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.addr,
		Handler: loggerMiddleware(s.logger, s.router),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting server", "addr", server.Addr, "service", "census-api")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

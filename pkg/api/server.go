package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/containerd/errdefs"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/substrateops/foreman/pkg/bus"
	"github.com/substrateops/foreman/pkg/log"
	"github.com/substrateops/foreman/pkg/metrics"
	"github.com/substrateops/foreman/pkg/monitor"
	"github.com/substrateops/foreman/pkg/persist"
	"github.com/substrateops/foreman/pkg/scheduler"
	"github.com/substrateops/foreman/pkg/store"
)

// Config holds operator API configuration.
type Config struct {
	Host    string
	Port    int
	Version string
}

// Deps are the components the API surfaces.
type Deps struct {
	Store     *store.Store
	Scheduler *scheduler.Scheduler
	Monitor   *monitor.Monitor
	Engine    *persist.Engine
	Bus       *bus.Bus
	Registry  *metrics.Registry
}

// Server is the stateless HTTP operator surface. Every call runs the
// underlying core operation in its own transaction and records a latency
// sample.
type Server struct {
	cfg  Config
	deps Deps

	start      time.Time
	httpServer *http.Server
	logger     zerolog.Logger
}

// NewServer creates the operator API server.
func NewServer(cfg Config, deps Deps) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		start:  time.Now(),
		logger: log.WithComponent("api"),
	}
	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Router builds the route table. Exposed for httptest.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.observe)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.Handle("/metrics/prometheus", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/bus", s.handleBus).Methods(http.MethodGet)

	r.HandleFunc("/workers/register", s.handleRegisterWorker).Methods(http.MethodPost)
	r.HandleFunc("/workers/unregister", s.handleUnregisterWorker).Methods(http.MethodPost)
	r.HandleFunc("/workers", s.handleListWorkers).Methods(http.MethodGet)
	r.HandleFunc("/workers/{id}", s.handleGetWorker).Methods(http.MethodGet)

	r.HandleFunc("/tasks/assign", s.handleAssignTask).Methods(http.MethodPost)
	r.HandleFunc("/tasks/complete", s.handleCompleteTask).Methods(http.MethodPost)
	r.HandleFunc("/tasks/fail", s.handleFailTask).Methods(http.MethodPost)
	r.HandleFunc("/tasks/cancel", s.handleCancelTask).Methods(http.MethodPost)
	r.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)

	r.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodPost)
	return r
}

// Start begins serving in the background. The returned channel reports the
// terminal serve error, if any.
func (s *Server) Start() (<-chan error, error) {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return nil, fmt.Errorf("binding operator API listener: %w", err)
	}
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("Operator API listening")
	return errCh, nil
}

// Stop shuts the server down gracefully within the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// observe records a latency sample and the request counters per route.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(started)
		if s.deps.Registry != nil {
			s.deps.Registry.RecordLatency(elapsed)
		}
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps the error's kind to an HTTP status and emits the
// structured {error} body. Internal details never leak; unknown errors
// collapse to a bare 500.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func statusFor(err error) int {
	switch {
	case errdefs.IsInvalidArgument(err):
		return http.StatusBadRequest
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsConflict(err) || errdefs.IsFailedPrecondition(err):
		return http.StatusConflict
	case errdefs.IsResourceExhausted(err):
		return http.StatusTooManyRequests
	case errdefs.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case errdefs.IsDeadlineExceeded(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, into any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("decoding request body: %w", errdefs.ErrInvalidArgument)
	}
	return nil
}

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/services/useapi"
)

const (
	defaultBuffer   = 256
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
	helloText       = "Hello from loom webhook\n"
)

// Notification is one decoded delivery.
type Notification struct {
	Job           useapi.Job
	CorrelationID string
	ReceivedAt    time.Time
}

// LaneStatus is the queue state of one channel.
type LaneStatus struct {
	Pending  int   `json:"pending"`
	Running  bool  `json:"running"`
	Paused   bool  `json:"paused"`
	Executed int64 `json:"executed"`
	Retried  int64 `json:"retried"`
	Full     int64 `json:"full"`
	Dropped  int64 `json:"dropped"`
}

// Status is the /api/status payload.
type Status struct {
	RunID     string                `json:"run_id"`
	Nodes     int                   `json:"nodes"`
	Completed int                   `json:"completed"`
	ByStatus  map[string]int        `json:"by_status"`
	Pending   []string              `json:"pending"`
	Lanes     map[string]LaneStatus `json:"lanes"`
	Received  int64                 `json:"received"`
}

// Server receives notifications over HTTP.
type Server struct {
	bind   string
	path   string
	logger *slog.Logger
	status func() Status

	out      chan Notification
	received atomic.Int64
	stopping atomic.Bool

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	mux      *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStatus supplies the run summary served at /api/status.
func WithStatus(fn func() Status) Option {
	return func(s *Server) { s.status = fn }
}

// New builds a server for bind that accepts notifications on path.
func New(bind, path string, opts ...Option) *Server {
	path = strings.TrimSpace(path)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	s := &Server{
		bind:   strings.TrimSpace(bind),
		path:   path,
		logger: logging.NewNop(),
		out:    make(chan Notification, defaultBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.NewComponentLogger(s.logger, "webhook")

	// The notification path is operator supplied, so it is matched literally
	// rather than registered as a mux pattern.
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/", s.route)
	return s
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case config.StatusPath:
		s.handleStatus(w, r)
	case s.path:
		s.handleNotification(w, r)
	default:
		http.NotFound(w, r)
	}
}

// Notifications delivers decoded notifications in arrival order.
func (s *Server) Notifications() <-chan Notification { return s.out }

// Handler exposes the routing for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Received counts accepted deliveries.
func (s *Server) Received() int64 { return s.received.Load() }

// Start listens on the bind address and serves until ctx is done or Stop is
// called.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("webhook listen: %w", err)
	}
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.listener = listener
	s.server = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.ErrorWithContext(s.logger, "webhook server error", "webhook_serve_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check that the bind address is still available"),
			)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("webhook listening",
		logging.String(logging.FieldEventType, "webhook_listening"),
		logging.String("address", listener.Addr().String()),
		logging.String("path", s.path),
	)
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops accepting notifications and shuts the listener down.
func (s *Server) Stop() {
	s.stopping.Store(true)
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, helloText)
		return
	case http.MethodPost:
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	cid := uuid.NewString()
	logger := s.logger.With(logging.String(logging.FieldCorrelationID, cid))

	var job useapi.Job
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&job); err != nil {
		logging.WarnWithContext(logger, "malformed notification rejected", "notification_malformed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the sender must post a JSON job document"),
			logging.String(logging.FieldImpact, "delivery is ignored"),
		)
		s.writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	logger.Info("notification received",
		logging.String(logging.FieldEventType, "notification_received"),
		logging.String(logging.FieldJobID, job.JobID),
		logging.String("verb", job.Verb),
		logging.String("status", job.Status),
	)

	if s.stopping.Load() {
		logger.Info("run finished, notification ignored",
			logging.String(logging.FieldEventType, "notification_after_stop"),
		)
		writeOK(w)
		return
	}

	n := Notification{Job: job, CorrelationID: cid, ReceivedAt: time.Now()}
	select {
	case s.out <- n:
		s.received.Add(1)
	case <-r.Context().Done():
		// Sender gave up; it will redeliver.
		return
	}
	writeOK(w)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload Status
	if s.status != nil {
		payload = s.status()
	}
	payload.Received = s.received.Load()
	s.writeJSON(w, http.StatusOK, payload)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

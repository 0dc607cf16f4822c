package service

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/c360/docrelay/connection"
	"github.com/c360/docrelay/document"
	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/health"
	"github.com/c360/docrelay/metric"
	"github.com/c360/docrelay/metricstore"
	"github.com/c360/docrelay/pkg/worker"
	"github.com/c360/docrelay/queue"
)

const (
	defaultProcessingLimit = 100
	maxProcessingLimit     = 1000
)

// ProcessingTimes answers GET /api/metrics/processing-times
type ProcessingTimes struct {
	ProcessingTimes []metricstore.ProcessingRecord `json:"processingTimes"`
	TargetMs        int64                          `json:"target"`
}

// RuntimeCounters answers GET /api/metrics/runtime
type RuntimeCounters struct {
	Timestamp time.Time          `json:"timestamp"`
	Uptime    string             `json:"uptime"`
	Counters  map[string]float64 `json:"counters"`
}

// QueueStats answers GET /api/queue/stats
type QueueStats struct {
	Counts  queue.Counts     `json:"counts"`
	Workers worker.PoolStats `json:"workers"`
	Failed  []queue.Record   `json:"recentFailures"`
}

// DocumentView answers GET /api/documents/{documentID}
type DocumentView struct {
	Document *document.Document `json:"document"`
	Summary  *document.Summary  `json:"summary,omitempty"`
}

// ConnectedUsers answers GET /api/sessions
type ConnectedUsers struct {
	Count int                        `json:"count"`
	Users []connection.ConnectedUser `json:"users"`
}

func (s *Service) registerRoutes() {
	s.server.Handle("/health", s.monitor.Handler(Name))
	s.server.HandleFunc("GET /api/metrics/system", s.handleSystemMetrics)
	s.server.HandleFunc("GET /api/metrics/processing-times", s.handleProcessingTimes)
	s.server.HandleFunc("GET /api/metrics/runtime", s.handleRuntimeCounters)
	s.server.HandleFunc("GET /api/queue/stats", s.handleQueueStats)
	s.server.HandleFunc("GET /api/sessions", s.handleConnectedUsers)
	s.server.HandleFunc("GET /api/sessions/{userID}/status", s.handleSessionStatus)
	s.server.HandleFunc("POST /api/sessions/{userID}/connect", s.handleConnect)
	s.server.HandleFunc("POST /api/sessions/{userID}/disconnect", s.handleDisconnect)
	s.server.HandleFunc("GET /api/documents/{documentID}", s.handleDocument)
}

// Handler returns the full HTTP surface, including /metrics
func (s *Service) Handler() (http.Handler, error) {
	return s.server.Handler()
}

func (s *Service) registerHealthChecks() {
	s.monitor.Register("service", func() health.Status {
		switch st := s.Status(); st {
		case StatusRunning:
			return health.NewHealthy(Name, "Service operating normally")
		case StatusStarting, StatusStopping:
			return health.NewDegraded(Name, fmt.Sprintf("Service is %s", st))
		default:
			return health.NewUnhealthy(Name, "Service is stopped")
		}
	})
	s.monitor.Register("connections", func() health.Status {
		n := len(s.connections.ConnectedUsers())
		return health.NewHealthy("connections", fmt.Sprintf("%d users connected", n))
	})
	s.monitor.Register("queue", func() health.Status {
		stats := s.engine.Stats()
		if stats.Workers == 0 {
			return health.NewUnhealthy("queue", "no workers")
		}
		return health.NewHealthy("queue", fmt.Sprintf("%d of %d workers busy", stats.Active, stats.Workers))
	})
	// An owned connection reports through its callbacks instead.
	if s.nats != nil && !s.ownsNATS {
		s.monitor.Register("nats", func() health.Status {
			if !s.nats.IsHealthy() {
				return health.NewUnhealthy("nats", fmt.Sprintf("NATS %s", s.nats.Status()))
			}
			return health.NewHealthy("nats", "connected")
		})
	}
}

func (s *Service) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	summary, err := s.recorder.Summary(r.Context())
	if err != nil {
		s.writeError(w, err, "Failed to get metrics")
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Service) handleProcessingTimes(w http.ResponseWriter, r *http.Request) {
	limit := defaultProcessingLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxProcessingLimit)
	}

	records, err := s.recorder.ProcessingTimes(r.Context(), limit)
	if err != nil {
		s.writeError(w, err, "Failed to get processing times")
		return
	}
	if records == nil {
		records = []metricstore.ProcessingRecord{}
	}
	s.writeJSON(w, http.StatusOK, ProcessingTimes{
		ProcessingTimes: records,
		TargetMs:        s.recorder.Target().Milliseconds(),
	})
}

func (s *Service) handleRuntimeCounters(w http.ResponseWriter, _ *http.Request) {
	counters, err := s.registry.CounterSnapshot(metric.Namespace + "_")
	if err != nil {
		s.writeError(w, err, "Failed to gather counters")
		return
	}
	s.writeJSON(w, http.StatusOK, RuntimeCounters{
		Timestamp: time.Now().UTC(),
		Uptime:    s.Uptime().Round(time.Second).String(),
		Counters:  counters,
	})
}

func (s *Service) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.engine.Counts(r.Context())
	if err != nil {
		s.writeError(w, err, "Failed to get queue stats")
		return
	}
	failed := s.engine.Failed()
	if n := len(failed); n > 10 {
		failed = failed[n-10:]
	}
	s.writeJSON(w, http.StatusOK, QueueStats{
		Counts:  counts,
		Workers: s.engine.Stats(),
		Failed:  failed,
	})
}

func (s *Service) handleConnectedUsers(w http.ResponseWriter, _ *http.Request) {
	users := s.connections.ConnectedUsers()
	if users == nil {
		users = []connection.ConnectedUser{}
	}
	s.writeJSON(w, http.StatusOK, ConnectedUsers{Count: len(users), Users: users})
}

func (s *Service) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.connections.Status(r.PathValue("userID")))
}

func (s *Service) handleConnect(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	if err := s.connections.Connect(r.Context(), userID); err != nil {
		s.writeError(w, err, "Failed to start session")
		return
	}
	s.writeJSON(w, http.StatusAccepted, s.connections.Status(userID))
}

func (s *Service) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	if err := s.connections.Disconnect(r.Context(), userID); err != nil {
		s.writeError(w, err, "Failed to disconnect session")
		return
	}
	s.writeJSON(w, http.StatusOK, s.connections.Status(userID))
}

func (s *Service) handleDocument(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("documentID"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "Invalid document id", http.StatusBadRequest)
		return
	}
	doc, err := s.documents.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err, "Failed to get document")
		return
	}
	view := DocumentView{Document: doc}
	if doc.Status == document.StatusCompleted {
		if view.Summary, err = s.documents.GetSummary(r.Context(), id); err != nil {
			s.writeError(w, err, "Failed to get summary")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError maps the error class to a status. Internal error text stays in
// the log.
func (s *Service) writeError(w http.ResponseWriter, err error, msg string) {
	status := http.StatusInternalServerError
	switch {
	case stderrors.Is(err, errors.ErrNotFound):
		status = http.StatusNotFound
	case errors.IsInvalid(err):
		status = http.StatusBadRequest
	case errors.IsTransient(err):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, "error", err)
	}
	s.writeJSON(w, status, map[string]any{
		"error":     msg,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

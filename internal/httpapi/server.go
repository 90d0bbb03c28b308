package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/alexedwards/flow"
	"github.com/sirupsen/logrus"
)

type ServerConfig struct {
	// Token, when set, must be presented as a bearer token on /requests.
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          logrus.FieldLogger
}

type Server struct {
	store       *Store
	cfg         ServerConfig
	logger      logrus.FieldLogger
	rateLimiter *rateLimiter
	mux         *flow.Mux
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *Store, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		store:       store,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
		mux:         flow.New(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	s.mux.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	s.mux.Use(s.logRequests)

	s.mux.HandleFunc("/health", s.handleHealth, http.MethodGet)

	s.mux.Group(func(m *flow.Mux) {
		m.Use(s.requireToken)
		m.Use(s.limitRate)

		m.HandleFunc("/requests", s.handleList, http.MethodGet)
		m.HandleFunc("/requests", s.handleCreate, http.MethodPost)
		m.HandleFunc("/requests/:id", s.handleGet, http.MethodGet)
		m.HandleFunc("/requests/:id", s.handleUpdate, http.MethodPut)
		m.HandleFunc("/requests/:id", s.handleDelete, http.MethodDelete)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.List())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	req, err := s.store.Get(flow.Param(r.Context(), "id"))
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var in CreateInput
	if !s.decodeJSONBody(w, r, correlationID, &in) {
		return
	}
	created, err := s.store.Create(in)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.logger.WithFields(logrus.Fields{"request_id": created.ID, "correlation_id": correlationID}).Info("help request created")
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var patch map[string]json.RawMessage
	if !s.decodeJSONBody(w, r, correlationID, &patch) {
		return
	}
	updated, err := s.store.Update(flow.Param(r.Context(), "id"), patch)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleDelete answers 404 for unknown ids; clients treat that as done.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := flow.Param(r.Context(), "id")
	if !s.store.Delete(id) {
		writeError(w, http.StatusNotFound, "not_found", "request not found", getCorrelationID(r))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "request not found", correlationID)
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (r *rateLimiter) retryAfter() string {
	seconds := int(math.Ceil(r.window.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

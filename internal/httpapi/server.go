// Package httpapi exposes the document store over HTTP: GET and POST of the
// whole blob, a websocket change feed, and a small operational surface. The
// contract is deliberately dumb. No authentication, no partial updates, no
// query parameters; clients exchange the entire document every time.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/teamscope/workstate/internal/workstate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const watchWriteTimeout = 10 * time.Second

type ServerConfig struct {
	MaxBodyBytes    int64
	RateLimitMax    int
	RateLimitWindow time.Duration
	Logger          zerolog.Logger
	Clock           func() time.Time
}

// Server is a plain http.Handler. Documents are stored byte for byte as
// posted; the only server-side mutation is stamping lastUpdated when the
// client left it absent or zero.
type Server struct {
	store       *workstate.PersistentStore
	cfg         ServerConfig
	rateLimiter *rateLimiter
	hub         *watchHub
	startedAt   time.Time
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

func NewServer(store *workstate.PersistentStore) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *workstate.PersistentStore, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		hub:         newWatchHub(),
		startedAt:   cfg.Clock(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	correlationID := s.ensureCorrelationID(w, r)

	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientKey(r), s.cfg.Clock()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch r.URL.Path {
	case "/api/data":
		switch r.Method {
		case http.MethodGet:
			s.handleDataRead(w, correlationID)
		case http.MethodPost:
			s.handleDataWrite(w, r, correlationID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or POST", correlationID)
		}
	case "/api/watch":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET", correlationID)
			return
		}
		s.handleWatch(w, r, correlationID)
	case "/api/status":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET", correlationID)
			return
		}
		s.handleStatus(w, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleDataRead(w http.ResponseWriter, correlationID string) {
	data, err := s.store.RawDocument()
	if err != nil {
		s.cfg.Logger.Error().Err(err).Str("correlationId", correlationID).Msg("document read failed")
		writeError(w, http.StatusInternalServerError, "storage_failure", "failed to read document", correlationID)
		return
	}
	if len(data) == 0 {
		data = []byte("{}")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleDataWrite(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil || doc == nil {
		writeError(w, http.StatusBadRequest, "invalid_document", "request body must be a JSON object", correlationID)
		return
	}
	stamp, err := documentStamp(doc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_document", "lastUpdated must be an integer", correlationID)
		return
	}
	if stamp == 0 {
		stamp = s.cfg.Clock().UnixMilli()
		doc["lastUpdated"], _ = json.Marshal(stamp)
		body, err = json.Marshal(doc)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "storage_failure", "failed to encode document", correlationID)
			return
		}
	}
	if err := s.store.SaveRaw(body); err != nil {
		if errors.Is(err, workstate.ErrCapacityExceeded) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "document exceeds storage capacity", correlationID)
			return
		}
		s.cfg.Logger.Error().Err(err).Str("correlationId", correlationID).Msg("document write failed")
		writeError(w, http.StatusInternalServerError, "storage_failure", "failed to persist document", correlationID)
		return
	}
	s.cfg.Logger.Info().Int("bytes", len(body)).Int64("lastUpdated", stamp).Str("correlationId", correlationID).Msg("document stored")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "timestamp": stamp})
	s.BroadcastRefresh()
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request, correlationID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.cfg.Logger.Warn().Err(err).Str("correlationId", correlationID).Msg("watch upgrade failed")
		return
	}
	sess := s.hub.register()
	defer s.hub.unregister(sess)
	s.cfg.Logger.Debug().Str("correlationId", correlationID).Msg("watch session opened")

	// This connection only writes; CloseRead drains the read side and
	// cancels the context when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case frame := <-sess.frames:
			writeCtx, cancel := context.WithTimeout(ctx, watchWriteTimeout)
			err := wsjson.Write(writeCtx, conn, frame)
			cancel()
			if err != nil {
				s.cfg.Logger.Debug().Err(err).Str("correlationId", correlationID).Msg("watch session dropped")
				return
			}
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, correlationID string) {
	data, err := s.store.RawDocument()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_failure", "failed to read document", correlationID)
		return
	}
	var stamp int64
	if len(data) > 0 {
		var probe struct {
			LastUpdated int64 `json:"lastUpdated"`
		}
		_ = json.Unmarshal(data, &probe)
		stamp = probe.LastUpdated
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document": map[string]any{
			"exists":      len(data) > 0,
			"bytes":       len(data),
			"lastUpdated": stamp,
		},
		"watchers":      s.hub.count(),
		"uptimeSeconds": int64(s.cfg.Clock().Sub(s.startedAt).Seconds()),
	})
}

// BroadcastRefresh pushes a refresh frame to every watch subscriber. The
// write path calls it after each accepted POST; deployments that watch the
// backing medium directly call it when an out-of-band change lands.
func (s *Server) BroadcastRefresh() {
	s.hub.broadcast(watchFrame{Type: "refresh"})
}

type watchFrame struct {
	Type string `json:"type"`
}

// watchHub fans refresh signals out to connected watch sessions. Sends never
// block: a refresh only means "re-fetch now", so for a slow consumer the one
// pending frame carries the same information as ten.
type watchHub struct {
	mu       sync.Mutex
	sessions map[*watchSession]struct{}
}

type watchSession struct {
	frames chan watchFrame
}

func newWatchHub() *watchHub {
	return &watchHub{sessions: map[*watchSession]struct{}{}}
}

func (h *watchHub) register() *watchSession {
	sess := &watchSession{frames: make(chan watchFrame, 1)}
	h.mu.Lock()
	h.sessions[sess] = struct{}{}
	h.mu.Unlock()
	return sess
}

func (h *watchHub) unregister(sess *watchSession) {
	h.mu.Lock()
	delete(h.sessions, sess)
	h.mu.Unlock()
}

func (h *watchHub) broadcast(frame watchFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sess := range h.sessions {
		select {
		case sess.frames <- frame:
		default:
		}
	}
}

func (h *watchHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// documentStamp extracts lastUpdated from the decoded object. Absent or null
// reads as zero, which the write path treats as "stamp it now".
func documentStamp(doc map[string]json.RawMessage) (int64, error) {
	raw, ok := doc["lastUpdated"]
	if !ok || string(raw) == "null" {
		return 0, nil
	}
	var stamp int64
	if err := json.Unmarshal(raw, &stamp); err != nil {
		return 0, err
	}
	return stamp, nil
}

func (s *Server) ensureCorrelationID(w http.ResponseWriter, r *http.Request) string {
	id := r.Header.Get("X-Correlation-Id")
	if id == "" {
		id = "req_" + uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", id)
	return id
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
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

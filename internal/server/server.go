// Package server exposes the download manager over a small JSON API and a
// websocket event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"ytmaster/internal/download"
	"ytmaster/internal/events"
	"ytmaster/internal/model"
	"ytmaster/internal/store"
	"ytmaster/internal/urlnorm"
)

type downloadManager interface {
	Enqueue(raw string, opts model.FormatOptions) (urlnorm.Key, error)
	Cancel(key urlnorm.Key) error
	Remove(key urlnorm.Key) error
	Get(key urlnorm.Key) (model.Record, bool)
	Snapshot() []model.Record
	Stats() download.Stats
	SetMaxConcurrent(n int)
	MaxConcurrent() int
	Events() *events.Bus
}

type historyStore interface {
	List(ctx context.Context, f store.ListFilter) ([]store.Download, error)
}

type rateLimiter interface {
	Allow(key string) bool
}

// Options configures New.
type Options struct {
	// Preset is the quality used for enqueue requests; audio mode derives
	// from it.
	Preset download.Preset
	// History backs /api/history; nil disables the route.
	History historyStore
	// RateLimit requests per RateWindow per client IP. Zero means 120/min.
	RateLimit  int
	RateWindow time.Duration
}

// Server is the HTTP front of the manager.
type Server struct {
	mgr     downloadManager
	opts    Options
	rl      *ipRateLimiter
	handler http.Handler

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	closed bool
}

// New returns a Server with routes and middleware wired.
func New(mgr downloadManager, opts Options) *Server {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 120
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	s := &Server{
		mgr:   mgr,
		opts:  opts,
		rl:    newIPRateLimiter(opts.RateLimit, opts.RateWindow),
		conns: make(map[*wsConn]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/enqueue", with(s.rl, s.handleEnqueue))
	mux.HandleFunc("/api/cancel", with(s.rl, s.handleCancel))
	mux.HandleFunc("/api/remove", with(s.rl, s.handleRemove))
	mux.HandleFunc("/api/downloads", with(s.rl, s.handleDownloads))
	mux.HandleFunc("/api/concurrency", with(s.rl, s.handleConcurrency))
	mux.HandleFunc("/api/events", with(s.rl, s.handleEvents))
	if opts.History != nil {
		mux.HandleFunc("/api/history", with(s.rl, s.handleHistory))
	}

	// Healthcheck
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Add minimal logging + recover
	s.handler = recoverer(logger(mux))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close stops the rate limiter janitor and drops every event stream.
// http.Server.Shutdown does not touch hijacked connections, so call this
// alongside it.
func (s *Server) Close() {
	s.rl.Stop()
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

type enqueueRequest struct {
	URL  string   `json:"url"`
	URLs []string `json:"urls"`
	Mode string   `json:"mode"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	raw := req.URLs
	if req.URL != "" {
		raw = append([]string{req.URL}, raw...)
	}
	if len(raw) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	format := download.ResolveFormat(download.PresetForMode(s.opts.Preset, urlnorm.ParseMode(req.Mode)))

	if len(raw) == 1 {
		key, err := s.mgr.Enqueue(raw[0], format)
		if err != nil {
			writeManagerError(w, err)
			return
		}
		rec, _ := s.mgr.Get(key)
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "enqueued", "key": key, "record": rec})
		return
	}

	keys := make([]urlnorm.Key, 0, len(raw))
	rejected := make([]string, 0)
	for _, u := range raw {
		key, err := s.mgr.Enqueue(u, format)
		if errors.Is(err, download.ErrShuttingDown) {
			writeManagerError(w, err)
			return
		}
		if err != nil {
			rejected = append(rejected, u)
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		writeError(w, http.StatusBadRequest, "no_valid_urls")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "enqueued", "keys": keys, "rejected": rejected})
}

type keyRequest struct {
	Key string `json:"key"`
}

func (s *Server) decodeKey(w http.ResponseWriter, r *http.Request) (urlnorm.Key, bool) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return urlnorm.Key{}, false
	}
	var req keyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return urlnorm.Key{}, false
	}
	key, err := urlnorm.Normalize(req.Key)
	if err != nil {
		writeManagerError(w, err)
		return urlnorm.Key{}, false
	}
	return key, true
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	key, ok := s.decodeKey(w, r)
	if !ok {
		return
	}
	if err := s.mgr.Cancel(key); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "cancelling", "key": key})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	key, ok := s.decodeKey(w, r)
	if !ok {
		return
	}
	if err := s.mgr.Remove(key); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "removed", "key": key})
}

func (s *Server) handleDownloads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if raw := r.URL.Query().Get("key"); raw != "" {
		key, err := urlnorm.Normalize(raw)
		if err != nil {
			writeManagerError(w, err)
			return
		}
		rec, ok := s.mgr.Get(key)
		if !ok {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "downloads": []model.Record{rec}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "downloads": s.mgr.Snapshot(), "stats": s.mgr.Stats()})
}

func (s *Server) handleConcurrency(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut, http.MethodPost:
		var req struct {
			MaxConcurrent *int `json:"max_concurrent"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 4<<10)).Decode(&req); err != nil || req.MaxConcurrent == nil {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		s.mgr.SetMaxConcurrent(*req.MaxConcurrent)
	default:
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "max_concurrent": s.mgr.MaxConcurrent()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	f := store.ListFilter{Order: q.Get("order")}
	if st := strings.TrimSpace(q.Get("status")); st != "" {
		status := model.Status(st)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_status")
			return
		}
		f.Status = status
	}
	f.Limit = atoiOr(q.Get("limit"), 100)
	f.Offset = atoiOr(q.Get("offset"), 0)

	items, err := s.opts.History.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "downloads": items})
}

func atoiOr(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return def
	}
	return n
}

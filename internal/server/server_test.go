package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"ytmaster/internal/download"
	"ytmaster/internal/events"
	"ytmaster/internal/model"
	"ytmaster/internal/store"
	"ytmaster/internal/urlnorm"
)

type mockMgr struct {
	mu       sync.Mutex
	bus      *events.Bus
	records  map[urlnorm.Key]model.Record
	formats  []model.FormatOptions
	max      int
	enqueueF func(raw string) (urlnorm.Key, error)
	cancelF  func(key urlnorm.Key) error
	removeF  func(key urlnorm.Key) error
}

func newMockMgr(t *testing.T) *mockMgr {
	m := &mockMgr{bus: events.NewBus(), records: make(map[urlnorm.Key]model.Record), max: 2}
	t.Cleanup(m.bus.Close)
	return m
}

func (m *mockMgr) Enqueue(raw string, opts model.FormatOptions) (urlnorm.Key, error) {
	m.mu.Lock()
	m.formats = append(m.formats, opts)
	m.mu.Unlock()
	if m.enqueueF != nil {
		return m.enqueueF(raw)
	}
	key, err := urlnorm.Normalize(raw)
	if err != nil {
		return urlnorm.Key{}, err
	}
	m.mu.Lock()
	m.records[key] = model.Record{Key: key, ID: "rec-" + key.ID, Status: model.StatusQueued, Format: opts}
	m.mu.Unlock()
	return key, nil
}

func (m *mockMgr) Cancel(key urlnorm.Key) error {
	if m.cancelF != nil {
		return m.cancelF(key)
	}
	return nil
}

func (m *mockMgr) Remove(key urlnorm.Key) error {
	if m.removeF != nil {
		return m.removeF(key)
	}
	return nil
}

func (m *mockMgr) Get(key urlnorm.Key) (model.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	return rec, ok
}

func (m *mockMgr) Snapshot() []model.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out
}

func (m *mockMgr) Stats() download.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return download.Stats{Queued: len(m.records), MaxConcurrent: m.max}
}

func (m *mockMgr) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	m.mu.Lock()
	m.max = n
	m.mu.Unlock()
}

func (m *mockMgr) MaxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.max
}

func (m *mockMgr) Events() *events.Bus { return m.bus }

func newTestServer(t *testing.T, mgr downloadManager, opts Options) *Server {
	t.Helper()
	s := New(mgr, opts)
	t.Cleanup(s.Close)
	return s
}

// helpers
func doJSON(t *testing.T, h http.Handler, method, path, ip string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestEnqueue_Success(t *testing.T) {
	mgr := newMockMgr(t)
	h := newTestServer(t, mgr, Options{Preset: download.DefaultPreset})
	w := doJSON(t, h, http.MethodPost, "/api/enqueue", "10.0.0.1", map[string]string{"url": "https://youtu.be/dQw4w9WgXcQ?t=42"})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%s", ct)
	}
	resp := decodeBody(t, w)
	if resp["status"] != "success" || resp["key"] != "https://www.youtube.com/watch?v=dQw4w9WgXcQ" {
		t.Fatalf("resp=%v", resp)
	}
	if got := mgr.formats[0]; got != download.ResolveFormat(download.DefaultPreset) {
		t.Fatalf("expected default preset format, got %+v", got)
	}
}

func TestEnqueue_AudioModeUsesAudioPreset(t *testing.T) {
	mgr := newMockMgr(t)
	h := newTestServer(t, mgr, Options{Preset: download.DefaultPreset})
	w := doJSON(t, h, http.MethodPost, "/api/enqueue", "10.0.0.1", map[string]string{"url": "dQw4w9WgXcQ", "mode": "audio"})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	want := download.ResolveFormat(download.PresetForMode(download.DefaultPreset, urlnorm.ModeAudio))
	if mgr.formats[0] != want {
		t.Fatalf("format=%+v want %+v", mgr.formats[0], want)
	}
}

func TestEnqueue_Batch(t *testing.T) {
	mgr := newMockMgr(t)
	h := newTestServer(t, mgr, Options{})
	w := doJSON(t, h, http.MethodPost, "/api/enqueue", "10.0.0.1", map[string]any{
		"urls": []string{"dQw4w9WgXcQ", "https://example.com/nope", "https://www.bilibili.com/video/BV1xx411c7mD"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	if keys := resp["keys"].([]any); len(keys) != 2 {
		t.Fatalf("keys=%v", keys)
	}
	if rejected := resp["rejected"].([]any); len(rejected) != 1 || rejected[0] != "https://example.com/nope" {
		t.Fatalf("rejected=%v", rejected)
	}
}

func TestEnqueue_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   any
		err    error
		code   int
		detail string
	}{
		{name: "empty body", body: map[string]string{}, code: http.StatusBadRequest, detail: "invalid_request"},
		{name: "invalid input", body: map[string]string{"url": "   "}, code: http.StatusBadRequest, detail: "invalid_input"},
		{name: "unrecognized", body: map[string]string{"url": "https://vimeo.com/1"}, code: http.StatusBadRequest, detail: "unrecognized_url"},
		{name: "shutting down", body: map[string]string{"url": "dQw4w9WgXcQ"}, err: download.ErrShuttingDown, code: http.StatusServiceUnavailable, detail: "shutting_down"},
		{name: "unexpected", body: map[string]string{"url": "dQw4w9WgXcQ"}, err: errors.New("boom"), code: http.StatusInternalServerError, detail: "internal_error"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := newMockMgr(t)
			if tt.err != nil {
				mgr.enqueueF = func(string) (urlnorm.Key, error) { return urlnorm.Key{}, tt.err }
			}
			h := newTestServer(t, mgr, Options{})
			w := doJSON(t, h, http.MethodPost, "/api/enqueue", fmt.Sprintf("10.1.0.%d", i), tt.body)
			if w.Code != tt.code {
				t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
			}
			if resp := decodeBody(t, w); resp["message"] != tt.detail {
				t.Fatalf("resp=%v", resp)
			}
		})
	}
}

func TestEnqueue_MethodNotAllowed(t *testing.T) {
	h := newTestServer(t, newMockMgr(t), Options{})
	w := doJSON(t, h, http.MethodGet, "/api/enqueue", "10.0.0.2", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", w.Code)
	}
	if resp := decodeBody(t, w); resp["message"] != "method_not_allowed" {
		t.Fatalf("resp=%v", resp)
	}
}

func TestEnqueue_InvalidJSON(t *testing.T) {
	h := newTestServer(t, newMockMgr(t), Options{})
	req := httptest.NewRequest(http.MethodPost, "/api/enqueue", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "10.0.0.3")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestCancelAndRemove_MapErrors(t *testing.T) {
	mgr := newMockMgr(t)
	var cancelled urlnorm.Key
	mgr.cancelF = func(key urlnorm.Key) error {
		if key.ID == "aaaaaaaaaaa" {
			return fmt.Errorf("%w: %s", download.ErrNotFound, key)
		}
		cancelled = key
		return nil
	}
	mgr.removeF = func(key urlnorm.Key) error {
		return fmt.Errorf("%w: %s is Downloading", download.ErrBusy, key)
	}
	h := newTestServer(t, mgr, Options{})

	w := doJSON(t, h, http.MethodPost, "/api/cancel", "10.0.1.1", map[string]string{"key": "https://youtu.be/dQw4w9WgXcQ"})
	if w.Code != http.StatusOK || cancelled.ID != "dQw4w9WgXcQ" {
		t.Fatalf("cancel status=%d key=%v", w.Code, cancelled)
	}
	w = doJSON(t, h, http.MethodPost, "/api/cancel", "10.0.1.1", map[string]string{"key": "aaaaaaaaaaa"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("cancel unknown status=%d", w.Code)
	}
	w = doJSON(t, h, http.MethodPost, "/api/cancel", "10.0.1.1", map[string]string{"key": ""})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("cancel empty status=%d", w.Code)
	}
	w = doJSON(t, h, http.MethodPost, "/api/remove", "10.0.1.1", map[string]string{"key": "dQw4w9WgXcQ"})
	if w.Code != http.StatusConflict {
		t.Fatalf("remove busy status=%d", w.Code)
	}
}

func TestDownloads_SnapshotAndSingle(t *testing.T) {
	mgr := newMockMgr(t)
	h := newTestServer(t, mgr, Options{})
	if _, err := mgr.Enqueue("dQw4w9WgXcQ", model.FormatOptions{}); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, h, http.MethodGet, "/api/downloads", "10.0.2.1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var resp struct {
		Downloads []model.Record `json:"downloads"`
		Stats     download.Stats `json:"stats"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Downloads) != 1 || resp.Downloads[0].Key.ID != "dQw4w9WgXcQ" || resp.Stats.MaxConcurrent != 2 {
		t.Fatalf("resp=%+v", resp)
	}

	w = doJSON(t, h, http.MethodGet, "/api/downloads?key=https://youtu.be/dQw4w9WgXcQ", "10.0.2.1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("single status=%d", w.Code)
	}
	w = doJSON(t, h, http.MethodGet, "/api/downloads?key=bbbbbbbbbbb", "10.0.2.1", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing status=%d", w.Code)
	}
}

func TestConcurrency_GetAndSet(t *testing.T) {
	mgr := newMockMgr(t)
	h := newTestServer(t, mgr, Options{})

	w := doJSON(t, h, http.MethodPut, "/api/concurrency", "10.0.3.1", map[string]int{"max_concurrent": 0})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if resp := decodeBody(t, w); resp["max_concurrent"].(float64) != 1 {
		t.Fatalf("expected clamp to 1, resp=%v", resp)
	}
	w = doJSON(t, h, http.MethodGet, "/api/concurrency", "10.0.3.1", nil)
	if resp := decodeBody(t, w); resp["max_concurrent"].(float64) != 1 {
		t.Fatalf("resp=%v", resp)
	}
	w = doJSON(t, h, http.MethodPut, "/api/concurrency", "10.0.3.1", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing value status=%d", w.Code)
	}
	w = doJSON(t, h, http.MethodDelete, "/api/concurrency", "10.0.3.1", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("delete status=%d", w.Code)
	}
}

func TestHistory(t *testing.T) {
	st, err := store.Open(t.TempDir() + "/history.db")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()
	for i, id := range []string{"aaaaaaaaaaa", "bbbbbbbbbbb"} {
		status := model.StatusComplete
		if i == 1 {
			status = model.StatusError
		}
		rec := model.Record{Key: urlnorm.Key{Platform: urlnorm.YouTube, ID: id}, ID: id, Status: status, QueuedAt: time.Now()}
		if err := st.Upsert(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	h := newTestServer(t, newMockMgr(t), Options{History: st})
	w := doJSON(t, h, http.MethodGet, "/api/history?status=Error", "10.0.4.1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		Downloads []store.Download `json:"downloads"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Downloads) != 1 || resp.Downloads[0].Status != model.StatusError {
		t.Fatalf("resp=%+v", resp)
	}

	w = doJSON(t, h, http.MethodGet, "/api/history?status=bogus", "10.0.4.1", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bogus status=%d", w.Code)
	}

	noHistory := newTestServer(t, newMockMgr(t), Options{})
	w = doJSON(t, noHistory, http.MethodGet, "/api/history", "10.0.4.1", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("history without store status=%d", w.Code)
	}
}

func TestRateLimited(t *testing.T) {
	h := newTestServer(t, newMockMgr(t), Options{RateLimit: 2, RateWindow: time.Minute})
	for i := 0; i < 2; i++ {
		if w := doJSON(t, h, http.MethodGet, "/api/downloads", "10.9.9.9", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d status=%d", i, w.Code)
		}
	}
	w := doJSON(t, h, http.MethodGet, "/api/downloads", "10.9.9.9", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d", w.Code)
	}
	if w := doJSON(t, h, http.MethodGet, "/api/downloads", "10.9.9.10", nil); w.Code != http.StatusOK {
		t.Fatalf("other IP status=%d", w.Code)
	}
}

func TestRecoverer(t *testing.T) {
	h := recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") }))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	if got := clientIP(req); got != "192.0.2.1" {
		t.Fatalf("clientIP=%q", got)
	}
	req.Header.Set("X-Real-IP", "198.51.100.2")
	if got := clientIP(req); got != "198.51.100.2" {
		t.Fatalf("clientIP=%q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.5" {
		t.Fatalf("clientIP=%q", got)
	}
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, newMockMgr(t), Options{})
	w := doJSON(t, h, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
}

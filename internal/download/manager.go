package download

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"ytmaster/internal/events"
	"ytmaster/internal/logging"
	"ytmaster/internal/model"
	"ytmaster/internal/urlnorm"
)

const (
	DefaultMaxConcurrent   = 2
	DefaultCancelGrace     = 3 * time.Second
	DefaultMetadataTimeout = 15 * time.Second
)

// Options configures a Manager. Zero values select the defaults above.
type Options struct {
	MaxConcurrent int
	CancelGrace   time.Duration
	OutputDir     string
	// DefaultFormat replaces zero FormatOptions passed to Enqueue.
	DefaultFormat model.FormatOptions
	Engine        Engine
	// Metadata is optional; without it records keep ID-derived thumbnails only.
	Metadata        MetadataFetcher
	MetadataTimeout time.Duration
	// Bus receives all events. The manager closes it on Shutdown.
	Bus *events.Bus
	// Completed seeds the completed set, typically from the history store.
	Completed []urlnorm.Key
}

// Manager owns the queue, the active set and the completed set, and
// dispatches queued keys to workers while honoring the concurrency cap.
//
// All state is guarded by mu. Workers never lock it; they send messages to
// inbox, which a single loop goroutine applies under mu. Events are appended
// to the bus under mu so their order matches the order of state changes, and
// delivered later by the bus goroutine without mu held.
type Manager struct {
	engine      Engine
	metadata    MetadataFetcher
	metaTimeout time.Duration
	grace       time.Duration
	outDir      string
	defFormat   model.FormatOptions
	bus         *events.Bus

	mu     sync.Mutex
	max    int
	queue  []urlnorm.Key
	active map[urlnorm.Key]*handle
	// draining holds force-terminated runs whose record is already
	// Cancelled but whose engine call has not returned. They keep their
	// slot until it does.
	draining  map[urlnorm.Key]*handle
	completed map[urlnorm.Key]struct{}
	records   map[urlnorm.Key]*model.Record
	closed    bool

	inbox    chan workerMsg
	stopLoop chan struct{}
	loopDone chan struct{}

	workerCtx  context.Context
	metaCtx    context.Context
	metaCancel context.CancelFunc
	workers    sync.WaitGroup
	meta       sync.WaitGroup

	shutdownOnce sync.Once
}

// New creates a manager and starts its coordination loop.
func New(opts Options) *Manager {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = DefaultCancelGrace
	}
	if opts.MetadataTimeout <= 0 {
		opts.MetadataTimeout = DefaultMetadataTimeout
	}
	if opts.DefaultFormat.IsZero() {
		opts.DefaultFormat = ResolveFormat(DefaultPreset)
	}
	if opts.Engine == nil {
		opts.Engine = NewCLIEngine("")
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}

	metaCtx, metaCancel := context.WithCancel(context.Background())
	m := &Manager{
		engine:      opts.Engine,
		metadata:    opts.Metadata,
		metaTimeout: opts.MetadataTimeout,
		grace:       opts.CancelGrace,
		outDir:      opts.OutputDir,
		defFormat:   opts.DefaultFormat,
		bus:         opts.Bus,
		max:         opts.MaxConcurrent,
		active:      make(map[urlnorm.Key]*handle),
		draining:    make(map[urlnorm.Key]*handle),
		completed:   make(map[urlnorm.Key]struct{}, len(opts.Completed)),
		records:     make(map[urlnorm.Key]*model.Record),
		inbox:       make(chan workerMsg, 64),
		stopLoop:    make(chan struct{}),
		loopDone:    make(chan struct{}),
		workerCtx:   context.Background(),
		metaCtx:     metaCtx,
		metaCancel:  metaCancel,
	}
	for _, k := range opts.Completed {
		m.completed[k] = struct{}{}
	}
	go m.loop()
	return m
}

// Events returns the bus the manager publishes to.
func (m *Manager) Events() *events.Bus { return m.bus }

// Enqueue normalizes raw and queues it. Keys that are already queued, active
// or complete are ignored and returned without error. Keys whose last record
// failed or was cancelled get a fresh record.
func (m *Manager) Enqueue(raw string, opts model.FormatOptions) (urlnorm.Key, error) {
	key, err := urlnorm.Normalize(raw)
	if err != nil {
		return urlnorm.Key{}, err
	}
	if opts.IsZero() {
		opts = m.defFormat
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return urlnorm.Key{}, ErrShuttingDown
	}
	if rec, ok := m.records[key]; ok && (!rec.Status.IsFinished() || rec.Status == model.StatusComplete) {
		logging.LogDuplicate(key.String(), rec.Status.String())
		return key, nil
	}
	if _, ok := m.completed[key]; ok {
		logging.LogDuplicate(key.String(), model.StatusComplete.String())
		return key, nil
	}

	rec := &model.Record{
		Key:          key,
		ID:           uuid.NewString(),
		Status:       model.StatusQueued,
		StatusText:   "Queued",
		ThumbnailURL: urlnorm.ThumbnailURL(key),
		Format:       opts,
		QueuedAt:     time.Now(),
	}
	m.records[key] = rec
	m.queue = append(m.queue, key)
	logging.LogEnqueue(key.String(), rec.ID, raw, len(m.queue))
	m.publishLocked(events.QueueChanged, rec)

	m.startMetadataLocked(key, rec.ID)
	m.dispatchLocked()
	return key, nil
}

// Cancel removes a queued key, or stops an active one. Active items get a
// cooperative stop first; if the worker has not finished after the grace
// period it is force-terminated. Either way the record ends Cancelled. A
// force-terminated run keeps its slot until the engine call returns. Cancel
// does not wait for any of this.
func (m *Manager) Cancel(key urlnorm.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelLocked(key, "active")
}

const stageShutdown = "shutdown"

func (m *Manager) cancelLocked(key urlnorm.Key, stage string) error {
	if i := slices.Index(m.queue, key); i >= 0 {
		m.queue = slices.Delete(m.queue, i, i+1)
		rec := m.records[key]
		m.finishLocked(rec, model.StatusCancelled, "")
		logging.LogCancel(key.String(), "queued", false)
		m.publishCancelledLocked(rec, stage == stageShutdown)
		return nil
	}
	h, ok := m.active[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if h.cancelling {
		return nil
	}
	h.cancelling = true
	h.interrupted = stage == stageShutdown
	h.requestStop()
	m.records[key].StatusText = "Cancelling..."
	h.timer = time.AfterFunc(m.grace, func() {
		m.send(workerMsg{h: h, kind: msgForce})
	})
	logging.LogCancel(key.String(), stage, false)
	return nil
}

// Remove drops a finished record and forgets that the key completed, so it
// can be downloaded again.
func (m *Manager) Remove(key urlnorm.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	_, done := m.completed[key]
	switch {
	case ok && !rec.Status.IsFinished():
		return fmt.Errorf("%w: %s is %s", ErrBusy, key, rec.Status)
	case !ok && !done:
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(m.records, key)
	delete(m.completed, key)
	removed := model.Record{Key: key}
	if ok {
		removed = *rec
	}
	m.publishLocked(events.Removed, &removed)
	return nil
}

// SetMaxConcurrent changes the cap. Values below 1 are clamped to 1. Running
// workers are never preempted; a larger cap dispatches immediately.
func (m *Manager) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n == m.max {
		return
	}
	logging.LogConcurrencyChange(m.max, n)
	m.max = n
	m.bus.Publish(events.Event{Type: events.QueueChanged})
	m.dispatchLocked()
}

// MaxConcurrent returns the current cap.
func (m *Manager) MaxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.max
}

// Shutdown cancels every queued and active item, waits for workers and
// metadata fetches, and closes the event bus. No events are delivered after
// it returns. It is safe to call more than once but must not be called from
// an event handler.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(m.shutdown)
}

func (m *Manager) shutdown() {
	m.metaCancel()

	m.mu.Lock()
	m.closed = true
	for len(m.queue) > 0 {
		_ = m.cancelLocked(m.queue[0], stageShutdown)
	}
	for key := range m.active {
		_ = m.cancelLocked(key, stageShutdown)
	}
	m.mu.Unlock()

	m.workers.Wait()
	close(m.stopLoop)
	<-m.loopDone
	m.meta.Wait()
	m.bus.Close()
}

// dispatchLocked starts workers while there is a free slot and a queued key.
func (m *Manager) dispatchLocked() {
	for !m.closed && m.slotsInUseLocked() < m.max && len(m.queue) > 0 {
		key := m.queue[0]
		if _, ok := m.draining[key]; ok {
			// The killed run of this key may still write or clean up its
			// files; start the new one only after it has exited.
			return
		}
		m.queue = m.queue[1:]
		rec := m.records[key]

		rec.Status = model.StatusStarting
		rec.StatusText = "Starting..."
		rec.StartedAt = time.Now()

		h := newHandle(m.workerCtx, key, rec.ID)
		m.active[key] = h
		req := Request{Key: key, URL: key.URL(), Format: rec.Format, OutputDir: m.outDir}
		m.workers.Add(1)
		go func() {
			defer m.workers.Done()
			runWorker(h, m.engine, req, m.send)
		}()

		logging.LogDispatch(key.String(), rec.ID, m.slotsInUseLocked(), m.max)
		m.publishLocked(events.Started, rec)
	}
}

// send delivers a worker message unless the loop has already stopped.
func (m *Manager) send(msg workerMsg) {
	select {
	case m.inbox <- msg:
	case <-m.loopDone:
	}
}

func (m *Manager) loop() {
	defer close(m.loopDone)
	for {
		select {
		case msg := <-m.inbox:
			m.apply(msg)
		case <-m.stopLoop:
			// Workers have exited; apply whatever they sent last.
			for {
				select {
				case msg := <-m.inbox:
					m.apply(msg)
				default:
					return
				}
			}
		}
	}
}

// apply folds one worker message into manager state.
func (m *Manager) apply(msg workerMsg) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := msg.h
	if m.draining[h.key] == h {
		if msg.kind == msgDone || msg.kind == msgFailed {
			delete(m.draining, h.key)
			m.dispatchLocked()
		}
		return
	}
	if cur, ok := m.active[h.key]; !ok || cur != h {
		return
	}
	rec := m.records[h.key]

	switch msg.kind {
	case msgProgress:
		if h.cancelling {
			return
		}
		m.applyProgressLocked(rec, msg)

	case msgDone:
		m.releaseLocked(h)
		if h.cancelling {
			m.finishLocked(rec, model.StatusCancelled, "")
			m.publishCancelledLocked(rec, h.interrupted)
			break
		}
		if msg.result.Filename != "" {
			rec.Filename = msg.result.Filename
		}
		if rec.Title == "" {
			rec.Title = msg.result.Title
		}
		rec.Progress = 100
		m.finishLocked(rec, model.StatusComplete, "")
		m.completed[h.key] = struct{}{}
		logging.LogDownloadComplete(h.key.String(), rec.Filename, rec.FinishedAt.Sub(rec.StartedAt))
		m.publishLocked(events.Completed, rec)

	case msgFailed:
		m.releaseLocked(h)
		if h.cancelling || errors.Is(msg.err, ErrCancelled) {
			m.finishLocked(rec, model.StatusCancelled, "")
			m.publishCancelledLocked(rec, h.interrupted)
			break
		}
		m.finishLocked(rec, model.StatusError, msg.err.Error())
		logging.LogDownloadError(h.key.String(), "download failed", msg.err)
		m.publishLocked(events.Failed, rec)

	case msgForce:
		if !h.cancelling {
			return
		}
		h.terminate()
		m.releaseLocked(h)
		m.draining[h.key] = h
		m.finishLocked(rec, model.StatusCancelled, "")
		logging.LogCancel(h.key.String(), "grace_expired", true)
		m.publishCancelledLocked(rec, h.interrupted)
	}

	if msg.kind != msgProgress {
		m.dispatchLocked()
	}
}

func (m *Manager) applyProgressLocked(rec *model.Record, msg workerMsg) {
	if msg.title != "" && rec.Title == "" {
		rec.Title = msg.title
	}
	if msg.filename != "" {
		rec.Filename = msg.filename
	}
	rec.Progress = msg.percent
	rec.StatusText = msg.text

	// Step through every intermediate status so none is skipped.
	if rec.Status == model.StatusStarting {
		rec.Status = model.StatusProcessing
		if msg.phase == PhaseDownloading {
			m.publishLocked(events.Progress, rec)
		}
	}
	if msg.phase == PhaseDownloading && rec.Status.CanAdvanceTo(model.StatusDownloading) {
		rec.Status = model.StatusDownloading
	}
	logging.LogDownloadProgress(rec.Key.String(), rec.Progress, rec.StatusText)
	m.publishLocked(events.Progress, rec)
}

// slotsInUseLocked counts running workers, including killed ones that have
// not exited yet.
func (m *Manager) slotsInUseLocked() int {
	return len(m.active) + len(m.draining)
}

// releaseLocked takes h out of the active set.
func (m *Manager) releaseLocked(h *handle) {
	if h.timer != nil {
		h.timer.Stop()
	}
	delete(m.active, h.key)
}

func (m *Manager) finishLocked(rec *model.Record, status model.Status, errMsg string) {
	rec.Status = status
	rec.Error = errMsg
	rec.StatusText = status.String()
	if errMsg != "" {
		rec.StatusText = "Error: " + errMsg
	}
	rec.FinishedAt = time.Now()
}

func (m *Manager) publishLocked(typ events.Type, rec *model.Record) {
	m.bus.Publish(events.Event{Type: typ, Key: rec.Key, Record: *rec})
}

func (m *Manager) publishCancelledLocked(rec *model.Record, interrupted bool) {
	m.bus.Publish(events.Event{Type: events.Cancelled, Key: rec.Key, Record: *rec, Interrupted: interrupted})
}

func (m *Manager) startMetadataLocked(key urlnorm.Key, recordID string) {
	if m.metadata == nil {
		return
	}
	m.meta.Add(1)
	go func() {
		defer m.meta.Done()
		ctx, cancel := context.WithTimeout(m.metaCtx, m.metaTimeout)
		md, err := m.metadata.FetchMetadata(ctx, key)
		cancel()
		if err != nil {
			logging.LogMetadataFetch(key.URL(), "manager", err)
			return
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		rec, ok := m.records[key]
		if !ok || rec.ID != recordID {
			return
		}
		changed := false
		if md.Title != "" && rec.Title == "" {
			rec.Title = md.Title
			changed = true
		}
		if md.ThumbnailURL != "" && md.ThumbnailURL != rec.ThumbnailURL {
			rec.ThumbnailURL = md.ThumbnailURL
			changed = true
		}
		if changed {
			m.publishLocked(events.Metadata, rec)
		}
	}()
}

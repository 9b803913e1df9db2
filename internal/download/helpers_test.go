package download

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ytmaster/internal/events"
	"ytmaster/internal/model"
	"ytmaster/internal/urlnorm"
)

// fakeEngine blocks each Fetch until the test finishes it. When tick is set
// it reports progress at that interval, which is when it notices a
// cooperative stop.
type fakeEngine struct {
	tick time.Duration

	mu         sync.Mutex
	runs       map[urlnorm.Key]*fakeRun
	calls      []urlnorm.Key
	running    int
	maxRunning int
	stopErrs   []error
}

type fakeRun struct {
	finish   chan error
	progress chan Progress
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{runs: make(map[urlnorm.Key]*fakeRun)}
}

func (e *fakeEngine) run(key urlnorm.Key) *fakeRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[key]
	if !ok {
		r = &fakeRun{finish: make(chan error, 1), progress: make(chan Progress, 16)}
		e.runs[key] = r
	}
	return r
}

func (e *fakeEngine) Fetch(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	r := e.run(req.Key)
	e.mu.Lock()
	e.calls = append(e.calls, req.Key)
	e.running++
	if e.running > e.maxRunning {
		e.maxRunning = e.running
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running--
		delete(e.runs, req.Key)
		e.mu.Unlock()
	}()

	var tick <-chan time.Time
	if e.tick > 0 {
		t := time.NewTicker(e.tick)
		defer t.Stop()
		tick = t.C
	}
	pct := 0.0
	for {
		select {
		case p := <-r.progress:
			if err := progress(p); err != nil {
				e.recordStop(err)
				return Result{}, err
			}
		case <-tick:
			pct++
			if err := progress(Progress{Phase: PhaseDownloading, Percent: pct}); err != nil {
				e.recordStop(err)
				return Result{}, err
			}
		case err := <-r.finish:
			if err != nil {
				return Result{}, err
			}
			return Result{Filename: req.Key.ID + ".mp4", Title: "title " + req.Key.ID}, nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

func (e *fakeEngine) recordStop(err error) {
	e.mu.Lock()
	e.stopErrs = append(e.stopErrs, err)
	e.mu.Unlock()
}

func (e *fakeEngine) complete(key urlnorm.Key)             { e.run(key).finish <- nil }
func (e *fakeEngine) fail(key urlnorm.Key, err error)      { e.run(key).finish <- err }
func (e *fakeEngine) tickOnce(key urlnorm.Key, p Progress) { e.run(key).progress <- p }

func (e *fakeEngine) callCount(key urlnorm.Key) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, k := range e.calls {
		if k == key {
			n++
		}
	}
	return n
}

func (e *fakeEngine) callOrder() []urlnorm.Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]urlnorm.Key(nil), e.calls...)
}

func (e *fakeEngine) peak() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxRunning
}

// eventLog records every event the manager publishes.
type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func watch(m *Manager) *eventLog {
	l := &eventLog{}
	m.Events().Subscribe(func(ev events.Event) {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
	})
	return l
}

func (l *eventLog) all() []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.Event(nil), l.events...)
}

func (l *eventLog) forKey(key urlnorm.Key) []events.Event {
	var out []events.Event
	for _, ev := range l.all() {
		if ev.Key == key {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) has(key urlnorm.Key, typ events.Type) bool {
	for _, ev := range l.forKey(key) {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func newTestManager(t *testing.T, engine Engine, opts Options) *Manager {
	t.Helper()
	opts.Engine = engine
	if opts.OutputDir == "" {
		opts.OutputDir = t.TempDir()
	}
	m := New(opts)
	t.Cleanup(m.Shutdown)
	return m
}

func ytKey(id string) urlnorm.Key {
	return urlnorm.Key{Platform: urlnorm.YouTube, ID: id}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStatus(t *testing.T, m *Manager, key urlnorm.Key, want model.Status) model.Record {
	t.Helper()
	var rec model.Record
	waitFor(t, string(want)+" for "+key.ID, func() bool {
		var ok bool
		rec, ok = m.Get(key)
		return ok && rec.Status == want
	})
	return rec
}

func mustEnqueue(t *testing.T, m *Manager, raw string) urlnorm.Key {
	t.Helper()
	key, err := m.Enqueue(raw, model.FormatOptions{})
	if err != nil {
		t.Fatalf("Enqueue(%q) failed: %v", raw, err)
	}
	return key
}

var errEngine = errors.New("ERROR: [youtube] x: Video unavailable")

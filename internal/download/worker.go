package download

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"ytmaster/internal/logging"
	"ytmaster/internal/urlnorm"
)

type msgKind int

const (
	msgProgress msgKind = iota
	msgDone
	msgFailed
	msgForce
)

// workerMsg is what workers and grace timers send to the manager inbox.
type workerMsg struct {
	h        *handle
	kind     msgKind
	phase    Phase
	percent  float64
	text     string
	title    string
	filename string
	result   Result
	err      error
}

// handle is the manager's reference to one running worker. Fields below the
// blank line are guarded by the manager lock.
type handle struct {
	key      urlnorm.Key
	recordID string
	ctx      context.Context
	hard     context.CancelFunc
	soft     chan struct{}
	softOnce sync.Once
	forced   atomic.Bool

	cancelling  bool
	interrupted bool
	timer       *time.Timer
}

func newHandle(parent context.Context, key urlnorm.Key, recordID string) *handle {
	ctx, cancel := context.WithCancel(parent)
	return &handle{key: key, recordID: recordID, ctx: ctx, hard: cancel, soft: make(chan struct{})}
}

// requestStop signals cooperative cancellation.
func (h *handle) requestStop() {
	h.softOnce.Do(func() { close(h.soft) })
}

func (h *handle) stopRequested() bool {
	select {
	case <-h.soft:
		return true
	default:
		return false
	}
}

// terminate force-stops the engine run.
func (h *handle) terminate() {
	h.forced.Store(true)
	h.hard()
}

// runWorker drives one engine run and reports exactly one terminal message.
func runWorker(h *handle, engine Engine, req Request, send func(workerMsg)) {
	defer h.hard()

	last := 0.0
	progress := func(p Progress) error {
		if h.stopRequested() {
			return ErrCancelled
		}
		if p.Percent >= 0 {
			pct := clampPercent(p.Percent)
			if pct > last {
				last = pct
			}
		}
		send(workerMsg{
			h:        h,
			kind:     msgProgress,
			phase:    p.Phase,
			percent:  last,
			text:     statusText(p, last),
			title:    p.Title,
			filename: p.Filename,
		})
		return nil
	}

	res, err := engine.Fetch(h.ctx, req, progress)
	if h.stopRequested() || h.forced.Load() {
		removed, cerr := cleanupTempFiles(req.OutputDir, req.Key)
		logging.LogTempCleanup(req.OutputDir, removed, cerr)
	}
	if err != nil {
		send(workerMsg{h: h, kind: msgFailed, err: err})
		return
	}
	send(workerMsg{h: h, kind: msgDone, result: res})
}

// statusText renders a progress tick the way the download list shows it,
// e.g. "Downloading: 42.0% at 1.2 MB/s, ETA: 00:30".
func statusText(p Progress, percent float64) string {
	switch p.Phase {
	case PhaseDownloading:
		s := fmt.Sprintf("Downloading: %.1f%%", percent)
		if p.Speed > 0 {
			s += " at " + humanize.Bytes(uint64(p.Speed)) + "/s"
		}
		if p.ETA > 0 {
			s += ", ETA: " + formatETA(p.ETA)
		}
		return s
	case PhasePostProcessing:
		return "Post-processing..."
	default:
		return "Processing..."
	}
}

func formatETA(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	h, m, s := secs/3600, (secs%3600)/60, secs%60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

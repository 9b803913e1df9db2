package store

import (
	"context"
	"time"

	"ytmaster/internal/events"
	"ytmaster/internal/logging"
	"ytmaster/internal/model"
	"ytmaster/internal/urlnorm"
)

const defaultRecordTimeout = 2 * time.Second

// Recorder mirrors manager events into the store. Handle is meant to be
// subscribed to the manager's bus, which calls it from one goroutine.
type Recorder struct {
	st      *Store
	timeout time.Duration
	// last persisted progress per key; ticks that change neither the whole
	// percent nor the status are not written.
	lastPct map[urlnorm.Key]progressMark
}

type progressMark struct {
	pct    int
	status model.Status
}

// NewRecorder returns a recorder writing to st.
func NewRecorder(st *Store) *Recorder {
	return &Recorder{st: st, timeout: defaultRecordTimeout, lastPct: make(map[urlnorm.Key]progressMark)}
}

// Handle persists one event. Failures are logged and never reach the manager.
func (r *Recorder) Handle(ev events.Event) {
	if ev.Key.IsZero() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var err error
	switch ev.Type {
	case events.Removed:
		delete(r.lastPct, ev.Key)
		err = r.st.Delete(ctx, ev.Key)
	case events.Progress:
		mark := progressMark{pct: int(ev.Record.Progress), status: ev.Record.Status}
		if last, ok := r.lastPct[ev.Key]; ok && last == mark {
			return
		}
		r.lastPct[ev.Key] = mark
		err = r.st.UpdateProgress(ctx, ev.Key, ev.Record.Status, ev.Record.Progress)
	case events.Metadata:
		err = r.st.UpdateMeta(ctx, ev.Key, ev.Record.Title, ev.Record.ThumbnailURL)
	case events.Cancelled:
		delete(r.lastPct, ev.Key)
		rec := ev.Record
		if ev.Interrupted {
			rec = requeued(rec)
		}
		err = r.st.Upsert(ctx, rec)
	default:
		if ev.Type.Terminal() {
			delete(r.lastPct, ev.Key)
		}
		err = r.st.Upsert(ctx, ev.Record)
	}
	if err != nil {
		logging.LogDBOperation(string(ev.Type), ev.Key.String(), err)
	}
}

// requeued turns a record stopped by shutdown back into a queued one, so
// the next session's resume picks it up in its original queue position.
func requeued(rec model.Record) model.Record {
	rec.Status = model.StatusQueued
	rec.StatusText = "Queued"
	rec.Progress = 0
	rec.Error = ""
	rec.StartedAt = time.Time{}
	rec.FinishedAt = time.Time{}
	return rec
}

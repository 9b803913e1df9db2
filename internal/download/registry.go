package download

import (
	"slices"

	"ytmaster/internal/model"
	"ytmaster/internal/urlnorm"
)

// Stats counts records by state.
type Stats struct {
	Queued        int `json:"queued"`
	Active        int `json:"active"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	Cancelled     int `json:"cancelled"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Get returns a copy of the record for key.
func (m *Manager) Get(key urlnorm.Key) (model.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return model.Record{}, false
	}
	return *rec, true
}

// Snapshot returns copies of all records: queued items in dispatch order,
// then active items by start time, then finished items by finish time.
func (m *Manager) Snapshot() []model.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Record, 0, len(m.records))
	for _, key := range m.queue {
		out = append(out, *m.records[key])
	}

	var active, finished []model.Record
	for _, rec := range m.records {
		switch {
		case rec.Status.IsActive():
			active = append(active, *rec)
		case rec.Status.IsFinished():
			finished = append(finished, *rec)
		}
	}
	slices.SortFunc(active, func(a, b model.Record) int { return a.StartedAt.Compare(b.StartedAt) })
	slices.SortFunc(finished, func(a, b model.Record) int { return a.FinishedAt.Compare(b.FinishedAt) })
	out = append(out, active...)
	return append(out, finished...)
}

// Stats returns record counts and the current cap.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Queued: len(m.queue), Active: len(m.active), MaxConcurrent: m.max}
	for _, rec := range m.records {
		switch rec.Status {
		case model.StatusComplete:
			s.Completed++
		case model.StatusError:
			s.Failed++
		case model.StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

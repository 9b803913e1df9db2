// Package events delivers manager notifications to subscribers in order,
// outside of any producer lock.
package events

import (
	"time"

	"ytmaster/internal/model"
	"ytmaster/internal/urlnorm"
)

// Type names an event kind.
type Type string

const (
	// QueueChanged fires when an item is enqueued and when the concurrency
	// cap changes. A queued item that is cancelled gets Cancelled instead.
	QueueChanged Type = "queue_changed"
	Started      Type = "download_started"
	Metadata     Type = "metadata"
	Progress     Type = "progress"
	Completed    Type = "completed"
	Failed       Type = "failed"
	Cancelled    Type = "cancelled"
	Removed      Type = "removed"
)

// Terminal reports whether the event ends an item's lifecycle.
func (t Type) Terminal() bool {
	return t == Completed || t == Failed || t == Cancelled
}

// Event is one notification. Record is a copy taken when the event was
// produced; it is the zero value for cap-only queue changes.
type Event struct {
	Seq    uint64       `json:"seq"`
	Type   Type         `json:"type"`
	Key    urlnorm.Key  `json:"key"`
	Record model.Record `json:"record"`
	Time   time.Time    `json:"time"`
	// Interrupted is set on Cancelled events caused by shutting the manager
	// down rather than by a user. Such items are meant to run again in the
	// next session.
	Interrupted bool `json:"interrupted,omitempty"`
}

package model

import (
	"path/filepath"
	"strings"
	"time"

	"ytmaster/internal/urlnorm"
)

// FormatOptions is the opaque format selection handed to the fetch engine.
type FormatOptions struct {
	Format            string `json:"format,omitempty" yaml:"format"`
	MergeOutputFormat string `json:"merge_output_format,omitempty" yaml:"merge_output_format"`
}

// IsZero reports whether no format was selected.
func (o FormatOptions) IsZero() bool {
	return o.Format == "" && o.MergeOutputFormat == ""
}

// Record is the manager's bookkeeping for one key. Values handed out by the
// manager are copies.
type Record struct {
	Key          urlnorm.Key   `json:"key"`
	ID           string        `json:"id"`
	Status       Status        `json:"status"`
	Progress     float64       `json:"progress"`
	StatusText   string        `json:"status_text,omitempty"`
	Title        string        `json:"title,omitempty"`
	ThumbnailURL string        `json:"thumbnail_url,omitempty"`
	Error        string        `json:"error,omitempty"`
	Format       FormatOptions `json:"format"`
	Filename     string        `json:"filename,omitempty"`
	QueuedAt     time.Time     `json:"queued_at"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
}

// DisplayTitle returns the title, the output file name without extension,
// or the canonical URL, in that order of preference.
func (r *Record) DisplayTitle() string {
	if r.Title != "" {
		return r.Title
	}
	if r.Filename != "" {
		name := filepath.Base(r.Filename)
		if idx := strings.LastIndex(name, "."); idx > 0 {
			name = name[:idx]
		}
		return name
	}
	return r.Key.URL()
}

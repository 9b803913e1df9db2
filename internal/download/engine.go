package download

import (
	"context"
	"time"

	"ytmaster/internal/model"
	"ytmaster/internal/urlnorm"
)

// Phase is the stage an engine reports with a progress tick.
type Phase string

const (
	// PhaseProcessing covers extraction and format selection before bytes flow.
	PhaseProcessing Phase = "processing"
	// PhaseDownloading means media bytes are being transferred.
	PhaseDownloading Phase = "downloading"
	// PhasePostProcessing covers merging, remuxing and embedding after transfer.
	PhasePostProcessing Phase = "post_processing"
)

// Progress is one engine progress tick. Unknown numeric values are zero,
// except Percent which is negative when the engine cannot tell.
type Progress struct {
	Phase      Phase
	Percent    float64
	Downloaded int64
	Total      int64
	Speed      float64 // bytes per second
	ETA        time.Duration
	Title      string
	Filename   string
}

// ProgressFunc receives progress ticks. Engines never call it concurrently.
// Returning ErrCancelled asks the engine to stop as soon as it can; the
// engine then returns ErrCancelled from Fetch.
type ProgressFunc func(Progress) error

// Request describes one fetch.
type Request struct {
	Key       urlnorm.Key
	URL       string
	Format    model.FormatOptions
	OutputDir string
}

// Result describes a finished fetch.
type Result struct {
	Filename string
	Title    string
}

// Engine runs one download to completion. Fetch blocks until the engine is
// done. Cancelling ctx force-terminates the run.
type Engine interface {
	Fetch(ctx context.Context, req Request, progress ProgressFunc) (Result, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, req Request, progress ProgressFunc) (Result, error)

func (f EngineFunc) Fetch(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	return f(ctx, req, progress)
}

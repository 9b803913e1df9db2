package download

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
)

// LibraryEngine drives yt-dlp through github.com/lrstanley/go-ytdlp.
type LibraryEngine struct {
	// Bin overrides the yt-dlp executable go-ytdlp runs.
	Bin string
	// Interval is the minimum spacing between progress callbacks.
	Interval time.Duration
}

// NewLibraryEngine returns an engine using bin, or the yt-dlp found by
// go-ytdlp when bin is empty.
func NewLibraryEngine(bin string) *LibraryEngine {
	return &LibraryEngine{Bin: bin, Interval: 250 * time.Millisecond}
}

// Fetch implements Engine.
func (e *LibraryEngine) Fetch(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu        sync.Mutex
		cancelled bool
		title     string
	)

	dl := ytdlp.New().
		NoPlaylist().
		Output(filepath.Join(req.OutputDir, defaultOutputTemplate))
	if e.Bin != "" {
		dl.SetExecutable(e.Bin)
	}
	if req.Format.Format != "" {
		dl.Format(req.Format.Format)
	}
	if req.Format.MergeOutputFormat != "" {
		dl.MergeOutputFormat(req.Format.MergeOutputFormat)
	}

	interval := e.Interval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	dl.ProgressFunc(interval, func(update ytdlp.ProgressUpdate) {
		p := libraryProgress(update)

		mu.Lock()
		defer mu.Unlock()
		if p.Title != "" {
			title = p.Title
		}
		if cancelled || progress == nil {
			return
		}
		if err := progress(p); err != nil {
			cancelled = true
			cancel()
		}
	})

	res, err := dl.Run(runCtx, req.URL)

	mu.Lock()
	wasCancelled := cancelled
	mu.Unlock()
	if wasCancelled {
		return Result{}, ErrCancelled
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if err != nil {
		if msg := lastErrorLine(err.Error()); msg != "" {
			return Result{}, fmt.Errorf("yt-dlp: %s", msg)
		}
		return Result{}, err
	}

	out := Result{Title: title}
	if res != nil {
		if infos, err := res.GetExtractedInfo(); err == nil && len(infos) > 0 && infos[0].Filename != nil {
			out.Filename = filepath.Base(*infos[0].Filename)
		}
	}
	return out, nil
}

func libraryProgress(update ytdlp.ProgressUpdate) Progress {
	p := Progress{
		Phase:      PhaseProcessing,
		Percent:    -1,
		Downloaded: int64(update.DownloadedBytes),
		Total:      int64(update.TotalBytes),
		ETA:        update.ETA(),
	}
	if update.DownloadedBytes > 0 {
		p.Phase = PhaseDownloading
	}
	if update.TotalBytes > 0 {
		p.Percent = clampPercent(float64(update.DownloadedBytes) / float64(update.TotalBytes) * 100)
	}
	if !update.Started.IsZero() {
		if elapsed := time.Since(update.Started).Seconds(); elapsed > 0 {
			p.Speed = float64(update.DownloadedBytes) / elapsed
		}
	}
	if update.Info != nil && update.Info.Title != nil {
		p.Title = *update.Info.Title
	}
	return p
}

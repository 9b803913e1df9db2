package download

import (
	"testing"
	"time"

	"github.com/lrstanley/go-ytdlp"
)

func TestLibraryProgress(t *testing.T) {
	title := "Never Gonna Give You Up"
	tests := []struct {
		name    string
		update  ytdlp.ProgressUpdate
		phase   Phase
		percent float64
		title   string
	}{
		{
			name:    "nothing transferred yet",
			update:  ytdlp.ProgressUpdate{},
			phase:   PhaseProcessing,
			percent: -1,
		},
		{
			name:    "unknown total",
			update:  ytdlp.ProgressUpdate{DownloadedBytes: 512},
			phase:   PhaseDownloading,
			percent: -1,
		},
		{
			name:    "quarter done",
			update:  ytdlp.ProgressUpdate{DownloadedBytes: 250, TotalBytes: 1000},
			phase:   PhaseDownloading,
			percent: 25,
		},
		{
			name:    "overshoot is clamped",
			update:  ytdlp.ProgressUpdate{DownloadedBytes: 1200, TotalBytes: 1000},
			phase:   PhaseDownloading,
			percent: 100,
		},
		{
			name:    "title from extracted info",
			update:  ytdlp.ProgressUpdate{TotalBytes: 1000, Info: &ytdlp.ExtractedInfo{Title: &title}},
			phase:   PhaseProcessing,
			percent: 0,
			title:   title,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := libraryProgress(tt.update)
			if p.Phase != tt.phase || p.Percent != tt.percent || p.Title != tt.title {
				t.Fatalf("libraryProgress() = %+v, want phase=%s percent=%v title=%q", p, tt.phase, tt.percent, tt.title)
			}
			if p.Speed != 0 {
				t.Fatalf("speed without a start time should be 0, got %v", p.Speed)
			}
		})
	}
}

func TestLibraryProgress_Speed(t *testing.T) {
	p := libraryProgress(ytdlp.ProgressUpdate{
		DownloadedBytes: 1000,
		TotalBytes:      4000,
		Started:         time.Now().Add(-2 * time.Second),
	})
	if p.Speed < 400 || p.Speed > 501 {
		t.Fatalf("expected about 500 B/s, got %v", p.Speed)
	}
	if p.Downloaded != 1000 || p.Total != 4000 {
		t.Fatalf("unexpected byte counts %+v", p)
	}
}

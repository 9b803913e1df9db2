package download

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"ytmaster/internal/logging"
	"ytmaster/internal/urlnorm"
)

// ProbeFetcher reads metadata from `yt-dlp -j`.
type ProbeFetcher struct {
	Bin string
}

type probeThumbnail struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type probeInfo struct {
	Title      string           `json:"title"`
	Duration   float64          `json:"duration"`
	Thumbnail  string           `json:"thumbnail"`
	Thumbnails []probeThumbnail `json:"thumbnails"`
}

// FetchMetadata implements MetadataFetcher.
func (p ProbeFetcher) FetchMetadata(ctx context.Context, key urlnorm.Key) (Metadata, error) {
	bin := p.Bin
	if bin == "" {
		bin = "yt-dlp"
	}
	cmd := exec.CommandContext(ctx, bin, "-j", "--no-playlist", "--no-warnings", "--", key.URL())
	out, err := cmd.Output()
	if err != nil {
		msg := ""
		if ee, ok := err.(*exec.ExitError); ok {
			msg = lastErrorLine(string(ee.Stderr))
		}
		if msg != "" {
			err = fmt.Errorf("yt-dlp -j: %w: %s", err, msg)
		} else {
			err = fmt.Errorf("yt-dlp -j: %w", err)
		}
		logging.LogMetadataFetch(key.URL(), "probe", err)
		return Metadata{}, err
	}

	md, err := parseProbeOutput(string(out))
	logging.LogMetadataFetch(key.URL(), "probe", err)
	return md, err
}

// parseProbeOutput returns the first media entry in yt-dlp -j output.
func parseProbeOutput(out string) (Metadata, error) {
	for _, ln := range strings.Split(out, "\n") {
		ln = strings.TrimSpace(ln)
		if ln == "" {
			continue
		}
		var info probeInfo
		if err := json.Unmarshal([]byte(ln), &info); err != nil {
			continue
		}
		thumb := smallestThumbnail(info.Thumbnails)
		if thumb == "" {
			thumb = info.Thumbnail
		}
		return Metadata{Title: info.Title, ThumbnailURL: thumb, DurationSec: int64(info.Duration)}, nil
	}
	return Metadata{}, ErrNoMediaInfo
}

// smallestThumbnail picks the sized thumbnail with the fewest pixels.
func smallestThumbnail(thumbs []probeThumbnail) string {
	best, bestArea := "", 0
	for _, t := range thumbs {
		area := t.Width * t.Height
		if t.URL == "" || area <= 0 {
			continue
		}
		if best == "" || area < bestArea {
			best, bestArea = t.URL, area
		}
	}
	return best
}

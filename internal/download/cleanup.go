package download

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"ytmaster/internal/urlnorm"
)

// intermediateStream matches yt-dlp's per-format files such as
// "Title-id.f137.mp4" that are merged and removed on success.
var intermediateStream = regexp.MustCompile(`\.f[0-9]+(-[0-9]+)?\.(mp4|m4a|webm|mkv|opus)$`)

// cleanupTempFiles removes partial files a stopped yt-dlp run left behind for
// key in dir. Finished media files are never touched.
func cleanupTempFiles(dir string, key urlnorm.Key) (int, error) {
	if dir == "" || key.ID == "" {
		return 0, nil
	}
	// Output names end in "-<id>.<ext>"; ids only contain glob-safe characters.
	matches, err := filepath.Glob(filepath.Join(dir, "*-"+key.ID+"*"))
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, path := range matches {
		if !isTempArtifact(filepath.Base(path)) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func isTempArtifact(name string) bool {
	switch {
	case strings.HasSuffix(name, ".part"),
		strings.HasSuffix(name, ".ytdl"),
		strings.Contains(name, ".part-Frag"),
		strings.HasSuffix(name, ".temp"):
		return true
	}
	return intermediateStream.MatchString(name)
}

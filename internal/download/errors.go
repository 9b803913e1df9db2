package download

import (
	"errors"

	"ytmaster/internal/urlnorm"
)

var (
	// ErrInvalidInput indicates empty or malformed input to Enqueue
	ErrInvalidInput = urlnorm.ErrInvalidInput

	// ErrUnrecognized indicates input no supported platform could classify
	ErrUnrecognized = urlnorm.ErrUnrecognized

	// ErrNotFound indicates the key is unknown or not in the required state
	ErrNotFound = errors.New("not_found")

	// ErrBusy indicates the key is queued or active
	ErrBusy = errors.New("busy")

	// ErrShuttingDown indicates the manager is no longer accepting new downloads
	ErrShuttingDown = errors.New("shutting_down")

	// ErrCancelled is returned by a ProgressFunc to stop a fetch, and by
	// engines that stopped because of it
	ErrCancelled = errors.New("cancelled")

	// ErrNoMediaInfo indicates metadata extraction produced no results
	ErrNoMediaInfo = errors.New("no_media_info")

	// ErrYTDLPNotFound indicates yt-dlp is missing or unusable
	ErrYTDLPNotFound = errors.New("yt_dlp_not_found")
)

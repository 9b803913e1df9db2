package model

// Status is the lifecycle state of a download record.
type Status string

const (
	// StatusQueued means the item waits for a free slot
	StatusQueued Status = "Queued"

	// StatusStarting means a worker was spawned but has not reported progress yet
	StatusStarting Status = "Starting"

	// StatusProcessing means the engine reported its first progress tick
	StatusProcessing Status = "Processing"

	// StatusDownloading means the engine is transferring media bytes
	StatusDownloading Status = "Downloading"

	// StatusComplete means the download finished successfully
	StatusComplete Status = "Complete"

	// StatusError means the engine failed
	StatusError Status = "Error"

	// StatusCancelled means the item was cancelled by the user or by shutdown
	StatusCancelled Status = "Cancelled"
)

func (s Status) String() string {
	return string(s)
}

// IsActive reports whether the item holds a concurrency slot.
func (s Status) IsActive() bool {
	return s == StatusStarting || s == StatusProcessing || s == StatusDownloading
}

// IsFinished reports whether the status is terminal.
func (s Status) IsFinished() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s.rank() >= 0
}

func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusStarting:
		return 1
	case StatusProcessing:
		return 2
	case StatusDownloading:
		return 3
	case StatusComplete, StatusError, StatusCancelled:
		return 4
	}
	return -1
}

// CanAdvanceTo reports whether moving from s to next keeps the per-item
// ordering Queued, Starting, Processing, Downloading, terminal. Staying in the
// same non-terminal state is allowed; a terminal state never changes.
func (s Status) CanAdvanceTo(next Status) bool {
	if s.IsFinished() || !next.Valid() {
		return false
	}
	if next == StatusQueued {
		return s == StatusQueued
	}
	return next.rank() >= s.rank()
}

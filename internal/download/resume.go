package download

import (
	"context"
	"fmt"

	"ytmaster/internal/logging"
	"ytmaster/internal/model"
	"ytmaster/internal/urlnorm"
)

// HistoryStore is the part of the history store that resuming needs.
type HistoryStore interface {
	IncompleteDownloads(ctx context.Context, limit int) ([]model.Record, error)
	MarkFinished(ctx context.Context, key urlnorm.Key, status model.Status, errMsg string) error
}

// ResumeIncomplete re-enqueues items the previous session left queued or
// active, oldest first. Items that can no longer be enqueued are marked Error
// in the store. It returns how many items were queued again.
func ResumeIncomplete(ctx context.Context, st HistoryStore, m *Manager, limit int) (int, error) {
	pending, err := st.IncompleteDownloads(ctx, limit)
	if err != nil {
		err = fmt.Errorf("list incomplete downloads: %w", err)
		logging.LogResume(0, err)
		return 0, err
	}

	resumed := 0
	for _, rec := range pending {
		if ctx.Err() != nil {
			break
		}
		if _, err := m.Enqueue(rec.Key.URL(), rec.Format); err != nil {
			logging.LogDownloadError(rec.Key.String(), "resume enqueue failed", err)
			if uerr := st.MarkFinished(ctx, rec.Key, model.StatusError, "resume_failed: "+err.Error()); uerr != nil {
				logging.LogDBOperation("mark_finished", rec.Key.String(), uerr)
			}
			continue
		}
		resumed++
	}
	logging.LogResume(resumed, nil)
	return resumed, ctx.Err()
}

package ingest

import (
	"context"
	"fmt"

	"github.com/samvad-hq/samvad-feed-ingester/internal/logger"
	"github.com/samvad-hq/samvad-feed-ingester/internal/storage"
)

// ChangeDetector decides whether a feed carries anything new since the last poll.
type ChangeDetector struct {
	repo storage.FeedStateRepository
	log  logger.Logger
}

// NewChangeDetector builds a detector over the persisted channel markers.
func NewChangeDetector(repo storage.FeedStateRepository, log logger.Logger) *ChangeDetector {
	return &ChangeDetector{repo: repo, log: logger.Ensure(log)}
}

// HasChanged compares marker with the persisted one using literal string
// equality. A new or different marker is persisted and reported as a change.
// An empty marker means the feed publishes none and is reported unchanged.
func (d *ChangeDetector) HasChanged(ctx context.Context, sourceID, marker string) (bool, error) {
	if marker == "" {
		d.log.WarnObj("feed has no channel marker; skipping", "source_id", sourceID)
		return false, nil
	}

	prev, found, err := d.repo.GetMarker(ctx, sourceID)
	if err != nil {
		return false, fmt.Errorf("%w: read marker for %s: %v", ErrStoreRead, sourceID, err)
	}
	if found && prev == marker {
		return false, nil
	}

	if err := d.repo.SetMarker(ctx, sourceID, marker); err != nil {
		return false, fmt.Errorf("%w: persist marker for %s: %v", ErrStoreWrite, sourceID, err)
	}
	d.log.DebugObj("feed marker changed", "feed_marker", map[string]any{
		"source_id": sourceID,
		"previous":  prev,
		"current":   marker,
	})
	return true, nil
}

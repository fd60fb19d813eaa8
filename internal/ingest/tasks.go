package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/samvad-hq/samvad-feed-ingester/internal/domain"
)

// Deferred task names.
const (
	TaskFeedPoll   = "feed_poll"
	TaskUpsert     = "post_upsert"
	TaskAttachment = "attachment_upload"
)

// Scheduler is the deferred-job surface the pipeline schedules work on.
type Scheduler interface {
	ScheduleOnce(ctx context.Context, task string, runAt time.Time, key string, payload any) (bool, error)
	IsScheduled(ctx context.Context, task, key string) (bool, error)
}

// RecurringScheduler registers repeating jobs.
type RecurringScheduler interface {
	ScheduleRecurring(ctx context.Context, task string, interval time.Duration, key string, payload any) (bool, error)
}

// PollPayload is the argument of a feed_poll job.
type PollPayload struct {
	SourceID string `json:"source_id"`
}

// AttachmentPayload is the argument of an attachment_upload job.
type AttachmentPayload struct {
	RecordID uint64 `json:"record_id"`
	ImageURL string `json:"image_url"`
}

// UpsertKey is the idempotency key of an upsert job: one pending job per
// (reference_id, last_updated).
func UpsertKey(item domain.NormalizedItem) string {
	return digest(item.ReferenceID, item.LastUpdated)
}

// AttachmentKey is the idempotency key of an attachment job.
func AttachmentKey(recordID uint64, imageURL string) string {
	return digest(strconv.FormatUint(recordID, 10), imageURL)
}

func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

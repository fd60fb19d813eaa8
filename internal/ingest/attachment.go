package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samvad-hq/samvad-feed-ingester/internal/domain"
	"github.com/samvad-hq/samvad-feed-ingester/internal/logger"
	"github.com/samvad-hq/samvad-feed-ingester/internal/storage"
)

// AttachmentScheduler defers cover-image uploads.
type AttachmentScheduler struct {
	store storage.ContentStore
	sched Scheduler
	now   func() time.Time
	log   logger.Logger
}

// NewAttachmentScheduler builds a scheduler over the content store and job queue.
func NewAttachmentScheduler(store storage.ContentStore, sched Scheduler, log logger.Logger) *AttachmentScheduler {
	return &AttachmentScheduler{store: store, sched: sched, now: time.Now, log: logger.Ensure(log)}
}

// Schedule queues an upload of imageURL for recordID. Nothing is queued when
// the record is missing or unpublished, the url is empty, or the same upload
// is already pending.
func (s *AttachmentScheduler) Schedule(ctx context.Context, recordID uint64, imageURL string) (bool, error) {
	if imageURL == "" {
		return false, nil
	}
	rec, err := s.store.Get(ctx, recordID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: load record %d: %v", ErrStoreRead, recordID, err)
	}
	if rec.Kind != domain.KindPost || rec.Status != domain.StatusPublished {
		return false, nil
	}

	key := AttachmentKey(recordID, imageURL)
	pending, err := s.sched.IsScheduled(ctx, TaskAttachment, key)
	if err != nil {
		return false, fmt.Errorf("check pending attachment for %d: %w", recordID, err)
	}
	if pending {
		return false, nil
	}

	ok, err := s.sched.ScheduleOnce(ctx, TaskAttachment, s.now(), key, AttachmentPayload{RecordID: recordID, ImageURL: imageURL})
	if err != nil {
		return false, fmt.Errorf("schedule attachment for %d: %w", recordID, err)
	}
	if ok {
		s.log.DebugObj("attachment scheduled", "attachment", map[string]any{
			"record_id": recordID,
			"image_url": imageURL,
		})
	}
	return ok, nil
}

// AttachmentUploader downloads cover images and attaches them to records.
type AttachmentUploader struct {
	store   storage.ContentStore
	fetcher ImageFetcher
	log     logger.Logger
}

// NewAttachmentUploader builds an uploader.
func NewAttachmentUploader(store storage.ContentStore, fetcher ImageFetcher, log logger.Logger) *AttachmentUploader {
	return &AttachmentUploader{store: store, fetcher: fetcher, log: logger.Ensure(log)}
}

// Upload attaches imageURL as the cover of recordID. Failures leave the
// record as it was; there is no retry.
func (u *AttachmentUploader) Upload(ctx context.Context, recordID uint64, imageURL string) error {
	current, err := u.store.GetMeta(ctx, recordID, domain.MetaImageURL)
	if err != nil {
		return fmt.Errorf("%w: read image_url of %d: %v", ErrAttachment, recordID, err)
	}
	if current != imageURL {
		u.log.InfoObj("attachment superseded; skipped", "attachment", map[string]any{
			"record_id": recordID,
			"image_url": imageURL,
			"current":   current,
		})
		return nil
	}

	media, err := u.fetcher.Fetch(ctx, imageURL)
	if err != nil {
		return fmt.Errorf("%w: record %d: %v", ErrAttachment, recordID, err)
	}
	attachmentID, err := u.store.AddAttachment(ctx, recordID, media)
	if err != nil {
		return fmt.Errorf("%w: store media for %d: %v", ErrAttachment, recordID, err)
	}
	if err := u.store.SetCoverImage(ctx, recordID, attachmentID); err != nil {
		return fmt.Errorf("%w: set cover of %d: %v", ErrAttachment, recordID, err)
	}

	// an update may have replaced the url while the download ran
	latest, err := u.store.GetMeta(ctx, recordID, domain.MetaImageURL)
	if err != nil {
		return fmt.Errorf("%w: re-read image_url of %d: %v", ErrAttachment, recordID, err)
	}
	if latest == imageURL {
		if err := u.store.DeleteMeta(ctx, recordID, domain.MetaImageURL); err != nil {
			return fmt.Errorf("%w: clear image_url of %d: %v", ErrAttachment, recordID, err)
		}
	}

	u.log.InfoObj("attachment uploaded", "attachment", map[string]any{
		"record_id":     recordID,
		"attachment_id": attachmentID,
		"image_url":     imageURL,
	})
	return nil
}

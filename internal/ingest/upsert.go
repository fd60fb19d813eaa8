package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/samvad-hq/samvad-feed-ingester/internal/domain"
	"github.com/samvad-hq/samvad-feed-ingester/internal/logger"
	"github.com/samvad-hq/samvad-feed-ingester/internal/storage"
	"github.com/samvad-hq/samvad-feed-ingester/pkg/publishers"
)

// EventSink receives record-committed events.
type EventSink interface {
	Publish(ctx context.Context, evt publishers.Event) (int, error)
}

// UpsertEngine turns one normalized item into a create, update or no-op
// against the content store.
type UpsertEngine struct {
	store       storage.ContentStore
	attachments *AttachmentScheduler
	authors     *AuthorDirectory
	events      EventSink
	now         func() time.Time
	log         logger.Logger
}

// UpsertOption customizes an UpsertEngine.
type UpsertOption func(*UpsertEngine)

// WithAuthorDirectory invalidates the cached author listing after each commit
// and names the author in record-committed events.
func WithAuthorDirectory(d *AuthorDirectory) UpsertOption {
	return func(e *UpsertEngine) { e.authors = d }
}

// WithEventSink publishes a record-committed event after each commit.
func WithEventSink(sink EventSink) UpsertOption {
	return func(e *UpsertEngine) { e.events = sink }
}

// NewUpsertEngine builds an engine writing to store and deferring cover
// images through attachments.
func NewUpsertEngine(store storage.ContentStore, attachments *AttachmentScheduler, log logger.Logger, opts ...UpsertOption) *UpsertEngine {
	e := &UpsertEngine{
		store:       store,
		attachments: attachments,
		now:         time.Now,
		log:         logger.Ensure(log),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Upsert commits item. A stored record with the same reference id and the
// same last_updated value is left untouched.
func (e *UpsertEngine) Upsert(ctx context.Context, item domain.NormalizedItem) (domain.CommitOutcome, error) {
	if !item.Ingestible() {
		return domain.CommitOutcome{}, ErrNotIngestible
	}

	id, found, err := e.store.FindByMeta(ctx, domain.MetaReferenceID, item.ReferenceID)
	if err != nil {
		return domain.CommitOutcome{}, fmt.Errorf("%w: find %s: %v", ErrStoreRead, item.ReferenceID, err)
	}

	rec := domain.ContentRecord{Kind: domain.KindPost}
	outcome := domain.OutcomeCreate
	if found {
		stored, err := e.store.GetMeta(ctx, id, domain.MetaLastUpdated)
		if err != nil {
			return domain.CommitOutcome{}, fmt.Errorf("%w: read last_updated of %d: %v", ErrStoreRead, id, err)
		}
		if stored == item.LastUpdated {
			return domain.CommitOutcome{Outcome: domain.OutcomeNoOp, RecordID: id}, nil
		}
		if rec, err = e.store.Get(ctx, id); err != nil {
			return domain.CommitOutcome{}, fmt.Errorf("%w: load record %d: %v", ErrStoreRead, id, err)
		}
		outcome = domain.OutcomeUpdate
	}

	authorID, err := e.store.ResolveOrCreateAuthor(ctx, item.AuthorSlug)
	if err != nil {
		return domain.CommitOutcome{}, fmt.Errorf("%w: resolve author %q: %v", ErrStoreWrite, item.AuthorSlug, err)
	}

	now := e.now().UTC()
	rec.Status = domain.StatusPublished
	rec.AuthorID = authorID
	rec.Title = item.Title
	rec.Body = item.Body
	rec.PublishedAt = item.PublishedAt
	if rec.PublishedAt.IsZero() {
		rec.PublishedAt = now
	}
	rec.ModifiedAt = now
	if catID, ok := e.resolveCategory(ctx, item); ok {
		rec.CategoryIDs = []uint64{catID}
	}
	rec.Meta = mergeMeta(rec.Meta, item)

	if err := e.store.CreateOrUpdate(ctx, &rec); err != nil {
		return domain.CommitOutcome{}, fmt.Errorf("%w: %s %s: %v", ErrStoreWrite, outcome, item.ReferenceID, err)
	}

	res := domain.CommitOutcome{Outcome: outcome, RecordID: rec.ID}
	e.afterCommit(ctx, item, rec, res)
	return res, nil
}

func (e *UpsertEngine) resolveCategory(ctx context.Context, item domain.NormalizedItem) (uint64, bool) {
	if item.CategorySlug == "" {
		return 0, false
	}
	id, err := e.store.ResolveOrCreateCategory(ctx, item.CategorySlug)
	if err != nil {
		e.log.WarnObj("category unresolved; committing without it", "category_error", map[string]any{
			"reference_id": item.ReferenceID,
			"slug":         item.CategorySlug,
			"error":        err.Error(),
		})
		return 0, false
	}
	return id, true
}

// afterCommit runs the follow-up steps of a successful write. None of them
// can undo the commit; failures are logged only.
func (e *UpsertEngine) afterCommit(ctx context.Context, item domain.NormalizedItem, rec domain.ContentRecord, res domain.CommitOutcome) {
	fields := map[string]any{
		"source_id":    item.SourceID,
		"reference_id": item.ReferenceID,
		"record_id":    rec.ID,
		"outcome":      res.Outcome,
	}

	if err := e.store.TouchAuthor(ctx, rec.AuthorID, rec.ModifiedAt); err != nil {
		e.log.WarnObj("author bookkeeping failed", "upsert_warning", withError(fields, err))
	}
	if err := e.authors.Invalidate(ctx); err != nil {
		e.log.WarnObj("author cache invalidation failed", "upsert_warning", withError(fields, err))
	}
	if item.ImageURL != "" && e.attachments != nil {
		if _, err := e.attachments.Schedule(ctx, rec.ID, item.ImageURL); err != nil {
			e.log.WarnObj("attachment scheduling failed", "upsert_warning", withError(fields, err))
		}
	}
	if e.events != nil {
		event := publishers.NewEvent(item, res, rec.ModifiedAt)
		if e.authors != nil {
			author, err := e.authors.Author(ctx, rec.AuthorID)
			if err != nil {
				e.log.WarnObj("author lookup failed; event carries slug only", "upsert_warning", withError(fields, err))
			} else {
				event = event.WithAuthor(author)
			}
		}
		if _, err := e.events.Publish(ctx, event); err != nil {
			e.log.WarnObj("record event publish failed", "upsert_warning", withError(fields, err))
		}
	}

	e.log.InfoObj("record committed", "upsert_result", fields)
}

// mergeMeta overlays the item's metadata on the stored bag. An item without
// an image clears any stale image_url.
func mergeMeta(stored map[string]string, item domain.NormalizedItem) map[string]string {
	meta := make(map[string]string, len(stored)+len(item.Extra)+4)
	for k, v := range stored {
		meta[k] = v
	}
	for k, v := range item.Extra {
		meta[k] = v
	}
	meta[domain.MetaReferenceID] = item.ReferenceID
	meta[domain.MetaLastUpdated] = item.LastUpdated
	meta[domain.MetaSourceID] = item.SourceID
	if item.ImageURL != "" {
		meta[domain.MetaImageURL] = item.ImageURL
	} else {
		delete(meta, domain.MetaImageURL)
	}
	return meta
}

func withError(fields map[string]any, err error) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["error"] = err.Error()
	return out
}

package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samvad-hq/samvad-feed-ingester/internal/domain"
	"github.com/samvad-hq/samvad-feed-ingester/internal/logger"
)

// EnqueueResult summarizes one batch.
type EnqueueResult struct {
	Scheduled  int `json:"scheduled"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
}

// Enqueuer defers one upsert job per item, spreading a batch over time.
type Enqueuer struct {
	sched   Scheduler
	stagger time.Duration
	now     func() time.Time
	log     logger.Logger
}

// NewEnqueuer builds an enqueuer that offsets consecutive jobs by stagger.
func NewEnqueuer(sched Scheduler, stagger time.Duration, log logger.Logger) *Enqueuer {
	return &Enqueuer{sched: sched, stagger: stagger, now: time.Now, log: logger.Ensure(log)}
}

// Enqueue schedules one parse batch. The k-th job actually scheduled runs at
// now + k*stagger; items already pending under the same key are skipped and
// do not advance the offset. Scheduler failures do not stop the batch.
func (e *Enqueuer) Enqueue(ctx context.Context, items []domain.NormalizedItem) (EnqueueResult, error) {
	var (
		res  EnqueueResult
		errs []error
	)
	base := e.now()

	for _, item := range items {
		if !item.Ingestible() {
			res.Skipped++
			e.log.WarnObj("item has no reference id; skipped", "item", map[string]any{
				"source_id": item.SourceID,
				"title":     item.Title,
			})
			continue
		}

		key := UpsertKey(item)
		pending, err := e.sched.IsScheduled(ctx, TaskUpsert, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("check pending upsert %s: %w", item.ReferenceID, err))
			continue
		}
		if pending {
			res.Duplicates++
			continue
		}

		runAt := base.Add(time.Duration(res.Scheduled) * e.stagger)
		scheduled, err := e.sched.ScheduleOnce(ctx, TaskUpsert, runAt, key, item)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule upsert %s: %w", item.ReferenceID, err))
			continue
		}
		if !scheduled {
			res.Duplicates++
			continue
		}
		res.Scheduled++
	}
	return res, errors.Join(errs...)
}

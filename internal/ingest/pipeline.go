package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samvad-hq/samvad-feed-ingester/internal/domain"
	"github.com/samvad-hq/samvad-feed-ingester/internal/jobs"
	"github.com/samvad-hq/samvad-feed-ingester/internal/logger"
	"github.com/samvad-hq/samvad-feed-ingester/pkg/feeds"
)

// SourceLookup resolves configured feed sources.
type SourceLookup interface {
	ByID(id string) (feeds.Source, bool)
	Enabled() []feeds.Source
}

// FeedFetcher downloads a raw feed body.
type FeedFetcher interface {
	Fetch(ctx context.Context, src feeds.Source) ([]byte, error)
}

// PollResult summarizes one poll cycle.
type PollResult struct {
	SourceID string        `json:"source_id"`
	Changed  bool          `json:"changed"`
	Items    int           `json:"items"`
	Enqueue  EnqueueResult `json:"enqueue"`
}

// Pipeline wires the poll, upsert and attachment stages together.
type Pipeline struct {
	sources    SourceLookup
	fetcher    FeedFetcher
	detector   *ChangeDetector
	normalizer *Normalizer
	enqueuer   *Enqueuer
	upserts    *UpsertEngine
	uploader   *AttachmentUploader
	log        logger.Logger
}

// PipelineDeps are the collaborators of a Pipeline.
type PipelineDeps struct {
	Sources    SourceLookup
	Fetcher    FeedFetcher
	Detector   *ChangeDetector
	Normalizer *Normalizer
	Enqueuer   *Enqueuer
	Upserts    *UpsertEngine
	Uploader   *AttachmentUploader
}

// NewPipeline validates deps and builds a pipeline.
func NewPipeline(deps PipelineDeps, log logger.Logger) (*Pipeline, error) {
	switch {
	case deps.Sources == nil:
		return nil, errors.New("pipeline: sources are required")
	case deps.Fetcher == nil:
		return nil, errors.New("pipeline: fetcher is required")
	case deps.Detector == nil, deps.Normalizer == nil, deps.Enqueuer == nil:
		return nil, errors.New("pipeline: poll stages are required")
	case deps.Upserts == nil || deps.Uploader == nil:
		return nil, errors.New("pipeline: upsert and attachment stages are required")
	}
	return &Pipeline{
		sources:    deps.Sources,
		fetcher:    deps.Fetcher,
		detector:   deps.Detector,
		normalizer: deps.Normalizer,
		enqueuer:   deps.Enqueuer,
		upserts:    deps.Upserts,
		uploader:   deps.Uploader,
		log:        logger.Ensure(log),
	}, nil
}

// Poll runs one cycle for sourceID: fetch, parse, compare the channel marker
// and, when it moved, enqueue one upsert job per item. Disabled sources are
// skipped.
func (p *Pipeline) Poll(ctx context.Context, sourceID string) (PollResult, error) {
	res := PollResult{SourceID: sourceID}

	src, ok := p.sources.ByID(sourceID)
	if !ok {
		return res, fmt.Errorf("unknown feed source %q", sourceID)
	}
	if !src.EnabledValue() {
		p.log.DebugObj("feed disabled; poll skipped", "source_id", sourceID)
		return res, nil
	}
	dialect, err := feeds.DialectFor(src.Dialect)
	if err != nil {
		return res, err
	}

	raw, err := p.fetcher.Fetch(ctx, src)
	if err != nil {
		return res, err
	}
	channel, items, err := dialect.Parse(raw)
	if err != nil {
		return res, fmt.Errorf("parse %s feed: %w", sourceID, err)
	}

	changed, err := p.detector.HasChanged(ctx, sourceID, channel.Marker)
	if err != nil {
		return res, err
	}
	res.Changed = changed
	res.Items = len(items)
	if !changed {
		p.log.DebugObj("feed unchanged", "poll_result", res)
		return res, nil
	}

	normalized := p.normalizer.NormalizeAll(ctx, src, dialect, items)
	res.Enqueue, err = p.enqueuer.Enqueue(ctx, normalized)
	p.log.InfoObj("feed polled", "poll_result", res)
	if err != nil {
		return res, fmt.Errorf("enqueue %s items: %w", sourceID, err)
	}
	return res, nil
}

// Handlers returns the job handlers of every pipeline task.
func (p *Pipeline) Handlers() map[string]jobs.Handler {
	return map[string]jobs.Handler{
		TaskFeedPoll:   p.handlePoll,
		TaskUpsert:     p.handleUpsert,
		TaskAttachment: p.handleAttachment,
	}
}

// Register binds every pipeline task on d.
func (p *Pipeline) Register(d *jobs.Dispatcher) {
	for task, h := range p.Handlers() {
		d.On(task, h)
	}
}

// SchedulePolls registers one recurring poll per enabled source. Already
// registered polls keep their schedule.
func (p *Pipeline) SchedulePolls(ctx context.Context, sched RecurringScheduler, interval time.Duration) (int, error) {
	var (
		added int
		errs  []error
	)
	for _, src := range p.sources.Enabled() {
		ok, err := sched.ScheduleRecurring(ctx, TaskFeedPoll, interval, src.ID, PollPayload{SourceID: src.ID})
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule poll for %s: %w", src.ID, err))
			continue
		}
		if ok {
			added++
		}
	}
	return added, errors.Join(errs...)
}

func (p *Pipeline) handlePoll(ctx context.Context, job jobs.Job) error {
	var payload PollPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	_, err := p.Poll(ctx, payload.SourceID)
	return err
}

func (p *Pipeline) handleUpsert(ctx context.Context, job jobs.Job) error {
	var item domain.NormalizedItem
	if err := job.Decode(&item); err != nil {
		return err
	}
	_, err := p.upserts.Upsert(ctx, item)
	return err
}

func (p *Pipeline) handleAttachment(ctx context.Context, job jobs.Job) error {
	var payload AttachmentPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	return p.uploader.Upload(ctx, payload.RecordID, payload.ImageURL)
}

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samvad-hq/samvad-feed-ingester/internal/cache"
	"github.com/samvad-hq/samvad-feed-ingester/internal/config"
	"github.com/samvad-hq/samvad-feed-ingester/internal/ingest"
	"github.com/samvad-hq/samvad-feed-ingester/internal/jobs"
	"github.com/samvad-hq/samvad-feed-ingester/internal/logger"
	"github.com/samvad-hq/samvad-feed-ingester/internal/storage"
	"github.com/samvad-hq/samvad-feed-ingester/pkg/feeds"
	"github.com/samvad-hq/samvad-feed-ingester/pkg/httpclient"
	"github.com/samvad-hq/samvad-feed-ingester/pkg/publishers"
)

// Ingester is the feed ingestion runtime. It owns the content store, the job
// queue and its dispatcher, and registers one recurring poll per enabled feed.
type Ingester struct {
	cfg        *config.Config
	sources    *feeds.Registry
	store      storage.Store
	cache      cache.Cache
	queue      *jobs.Queue
	dispatcher *jobs.Dispatcher
	pipeline   *ingest.Pipeline
	fanout     *publishers.Fanout
	log        logger.Logger
}

// NewIngester builds an ingester runtime from config files.
func NewIngester(ctx context.Context, cfg *config.Config, log logger.Logger) (ing *Ingester, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	log = logger.Ensure(log)
	if ctx == nil {
		ctx = context.Background()
	}

	ing = &Ingester{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = ing.Close()
			ing = nil
		}
	}()

	ing.sources, err = feeds.LoadRegistry(cfg.FeedsFile)
	if err != nil {
		return ing, fmt.Errorf("load feeds registry: %w", err)
	}
	enabled := ing.sources.Enabled()
	feedIDs := make([]string, 0, len(enabled))
	for _, src := range enabled {
		feedIDs = append(feedIDs, src.ID)
	}
	log.InfoObj("feeds registry loaded", "feeds_meta", map[string]any{
		"count":   len(ing.sources.All()),
		"enabled": feedIDs,
	})

	ing.fanout, err = buildFanout(ctx, cfg, log)
	if err != nil {
		return ing, err
	}

	ing.store, err = storage.NewStore(ctx, cfg.StorageType, storage.Options{
		BoltPath:  cfg.BBoltPath,
		SQLiteDSN: cfg.SQLiteDSN,
	})
	if err != nil {
		return ing, fmt.Errorf("init storage: %w", err)
	}
	log.InfoObj("storage initialized", "storage_config", map[string]any{
		"type":        cfg.StorageType,
		"bbolt_path":  cfg.BBoltPath,
		"sqlite_dsn":  cfg.SQLiteDSN,
		"cache_type":  cfg.CacheType,
		"cache_ttl_s": int(cfg.CacheTTL.Seconds()),
	})

	ing.cache, err = cache.New(ctx, cfg.CacheType, cfg.RedisAddr)
	if err != nil {
		return ing, fmt.Errorf("init cache: %w", err)
	}

	ing.queue, err = jobs.Open(cfg.JobsPath)
	if err != nil {
		return ing, fmt.Errorf("open job queue: %w", err)
	}
	ing.dispatcher = jobs.NewDispatcher(ing.queue, jobs.DispatcherOptions{
		Interval:   cfg.DispatchInterval,
		JobTimeout: cfg.JobTimeout,
		Workers:    cfg.Workers,
	}, log)

	ing.pipeline, err = buildPipeline(cfg, ing.sources, ing.store, ing.cache, ing.queue, ing.fanout, log)
	if err != nil {
		return ing, err
	}
	ing.pipeline.Register(ing.dispatcher)
	return ing, nil
}

func buildFanout(ctx context.Context, cfg *config.Config, log logger.Logger) (*publishers.Fanout, error) {
	if strings.TrimSpace(cfg.PublishersFile) == "" {
		log.InfoObj("no publishers file; record events disabled", "publishers_file", "")
		return publishers.NewFanout(nil), nil
	}

	reg, err := publishers.LoadRegistry(cfg.PublishersFile)
	if err != nil {
		return nil, fmt.Errorf("load publishers registry: %w", err)
	}
	enabled := reg.Enabled()
	clients, err := publishers.BuildAll(ctx, publishers.DefaultRegistry(), enabled, log)
	if err != nil {
		return nil, fmt.Errorf("build publishers: %w", err)
	}

	summaries := make([]map[string]string, 0, len(enabled))
	for _, pubCfg := range enabled {
		summaries = append(summaries, map[string]string{
			"id":   pubCfg.ID,
			"type": pubCfg.Type,
		})
	}
	log.InfoObj("publishers registry loaded", "publishers_meta", map[string]any{
		"count":      len(summaries),
		"publishers": summaries,
	})
	return publishers.NewFanout(clients), nil
}

func buildPipeline(
	cfg *config.Config,
	sources *feeds.Registry,
	store storage.Store,
	c cache.Cache,
	queue *jobs.Queue,
	fanout *publishers.Fanout,
	log logger.Logger,
) (*ingest.Pipeline, error) {
	client := httpclient.NewRestyClient(cfg.HTTPTimeout, cfg.UserAgent)

	attachments := ingest.NewAttachmentScheduler(store, queue, log)
	authors := ingest.NewAuthorDirectory(store, c, cfg.CacheTTL, log)
	opts := []ingest.UpsertOption{ingest.WithAuthorDirectory(authors)}
	if fanout.Size() > 0 {
		opts = append(opts, ingest.WithEventSink(fanout))
	}

	p, err := ingest.NewPipeline(ingest.PipelineDeps{
		Sources:    sources,
		Fetcher:    feeds.NewFetcher(client),
		Detector:   ingest.NewChangeDetector(store, log),
		Normalizer: ingest.NewNormalizer(store, log),
		Enqueuer:   ingest.NewEnqueuer(queue, cfg.StaggerInterval, log),
		Upserts:    ingest.NewUpsertEngine(store, attachments, log, opts...),
		Uploader:   ingest.NewAttachmentUploader(store, ingest.NewHTTPImageFetcher(client, nil), log),
	}, log)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	return p, nil
}

// Run registers the recurring polls and dispatches jobs until the context is
// cancelled. With ingestion switched off the runtime idles without touching
// the queue.
func (i *Ingester) Run(ctx context.Context) error {
	if i == nil || i.pipeline == nil || i.dispatcher == nil {
		return fmt.Errorf("ingester is not initialized")
	}
	defer i.Close()

	if !i.cfg.IngestEnabled {
		i.log.WarnObj("ingestion disabled; ingester idle", "ingest_enabled", false)
		<-ctx.Done()
		return nil
	}

	added, err := i.pipeline.SchedulePolls(ctx, i.queue, i.cfg.PollInterval)
	if err != nil {
		i.log.ErrorObj("poll scheduling failed", "error", err.Error())
	}
	state := map[string]any{
		"feeds_enabled":    len(i.sources.Enabled()),
		"polls_registered": added,
		"publishers_count": i.fanout.Size(),
		"poll_interval":    i.cfg.PollInterval.String(),
		"stagger_interval": i.cfg.StaggerInterval.String(),
	}
	if latest, err := i.store.ListPublished(ctx, 1); err != nil {
		i.log.WarnObj("latest record lookup failed", "error", err.Error())
	} else if len(latest) == 1 {
		state["latest_record_id"] = latest[0].ID
		state["latest_record_modified"] = latest[0].ModifiedAt
	}
	i.log.InfoObj("ingester loop starting", "ingester_state", state)

	return i.dispatcher.Run(ctx)
}

// Close releases every backend the ingester opened. It is safe to call more than once.
func (i *Ingester) Close() error {
	if i == nil {
		return nil
	}
	var errs []error
	if i.queue != nil {
		if err := i.queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close job queue: %w", err))
		}
		i.queue = nil
	}
	if i.cache != nil {
		if err := i.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
		i.cache = nil
	}
	if i.store != nil {
		if err := i.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
		i.store = nil
	}
	if i.fanout != nil {
		if err := i.fanout.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publishers: %w", err))
		}
		i.fanout = nil
	}
	err := errors.Join(errs...)
	if err != nil {
		i.log.ErrorObj("ingester close failed", "error", err.Error())
	}
	return err
}

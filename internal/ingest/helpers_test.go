package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/samvad-hq/samvad-feed-ingester/internal/domain"
	"github.com/samvad-hq/samvad-feed-ingester/internal/jobs"
	"github.com/samvad-hq/samvad-feed-ingester/internal/storage"
	"github.com/samvad-hq/samvad-feed-ingester/pkg/feeds"
	"github.com/samvad-hq/samvad-feed-ingester/pkg/publishers"
)

var baseTime = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func openStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewStore(context.Background(), "bbolt", storage.Options{
		BoltPath: filepath.Join(t.TempDir(), "content.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func openQueue(t *testing.T) *jobs.Queue {
	t.Helper()
	q, err := jobs.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func sampleItem(ref, updated string) domain.NormalizedItem {
	return domain.NormalizedItem{
		SourceID:     "generic",
		ReferenceID:  ref,
		LastUpdated:  updated,
		Title:        "Title " + ref,
		Body:         "<p>Body " + ref + "</p>",
		AuthorSlug:   "prtimes",
		PublishedAt:  baseTime,
		CategorySlug: "prtimes",
		ImageURL:     "https://img.example.com/" + ref + ".jpg",
		Extra:        map[string]string{"youtube_url": "https://youtu.be/x"},
	}
}

type scheduledCall struct {
	task  string
	runAt time.Time
	key   string
}

// recordingScheduler is an in-memory Scheduler keeping one pending job per key.
type recordingScheduler struct {
	mu      sync.Mutex
	calls   []scheduledCall
	pending map[string]bool
	failOn  int
	n       int
}

func newRecordingScheduler() *recordingScheduler {
	return &recordingScheduler{pending: map[string]bool{}}
}

func (s *recordingScheduler) ScheduleOnce(_ context.Context, task string, runAt time.Time, key string, _ any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	if s.failOn > 0 && s.n == s.failOn {
		return false, errors.New("queue unavailable")
	}
	if s.pending[task+"/"+key] {
		return false, nil
	}
	s.pending[task+"/"+key] = true
	s.calls = append(s.calls, scheduledCall{task: task, runAt: runAt, key: key})
	return true, nil
}

func (s *recordingScheduler) IsScheduled(_ context.Context, task, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[task+"/"+key], nil
}

// fakeFeedFetcher serves a fixed body per source id.
type fakeFeedFetcher struct {
	mu     sync.Mutex
	bodies map[string][]byte
	err    error
	calls  int
}

func (f *fakeFeedFetcher) set(id string, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bodies == nil {
		f.bodies = map[string][]byte{}
	}
	f.bodies[id] = []byte(body)
}

func (f *fakeFeedFetcher) Fetch(_ context.Context, src feeds.Source) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.bodies[src.ID], nil
}

// fakeImageFetcher returns a tiny image or a fixed error.
type fakeImageFetcher struct {
	mu   sync.Mutex
	err  error
	urls []string
}

func (f *fakeImageFetcher) Fetch(_ context.Context, imageURL string) (domain.Media, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, imageURL)
	if f.err != nil {
		return domain.Media{}, f.err
	}
	return domain.Media{
		SourceURL:   imageURL,
		FileName:    imageFileName(imageURL),
		ContentType: "image/jpeg",
		Data:        []byte{0xff, 0xd8, 0xff},
	}, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []publishers.Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, evt publishers.Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	if s.err != nil {
		return 0, s.err
	}
	return 1, nil
}

// failingStore wraps a real store and fails selected operations.
type failingStore struct {
	storage.Store
	failWrite      bool
	failAuthor     bool
	failCategory   bool
	failAttachment bool
	failMarkerRead bool
}

func (f *failingStore) CreateOrUpdate(ctx context.Context, rec *domain.ContentRecord) error {
	if f.failWrite {
		return errors.New("disk full")
	}
	return f.Store.CreateOrUpdate(ctx, rec)
}

func (f *failingStore) ResolveOrCreateAuthor(ctx context.Context, slug string) (uint64, error) {
	if f.failAuthor {
		return 0, errors.New("authors table locked")
	}
	return f.Store.ResolveOrCreateAuthor(ctx, slug)
}

func (f *failingStore) ResolveOrCreateCategory(ctx context.Context, slug string) (uint64, error) {
	if f.failCategory {
		return 0, errors.New("taxonomy locked")
	}
	return f.Store.ResolveOrCreateCategory(ctx, slug)
}

func (f *failingStore) AddAttachment(ctx context.Context, parentID uint64, media domain.Media) (uint64, error) {
	if f.failAttachment {
		return 0, errors.New("media bucket full")
	}
	return f.Store.AddAttachment(ctx, parentID, media)
}

func (f *failingStore) GetMarker(ctx context.Context, sourceID string) (string, bool, error) {
	if f.failMarkerRead {
		return "", false, errors.New("state unreadable")
	}
	return f.Store.GetMarker(ctx, sourceID)
}

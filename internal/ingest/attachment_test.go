package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/samvad-hq/samvad-feed-ingester/internal/domain"
	"github.com/samvad-hq/samvad-feed-ingester/internal/storage"
)

func seedPost(t *testing.T, store storage.Store, status, imageURL string) uint64 {
	t.Helper()
	rec := &domain.ContentRecord{
		Kind:   domain.KindPost,
		Status: status,
		Title:  "post",
		Body:   "body",
		Meta: map[string]string{
			domain.MetaReferenceID: "https://example.com/p",
			domain.MetaLastUpdated: "T1",
		},
	}
	if imageURL != "" {
		rec.Meta[domain.MetaImageURL] = imageURL
	}
	if err := store.CreateOrUpdate(context.Background(), rec); err != nil {
		t.Fatalf("seed post: %v", err)
	}
	return rec.ID
}

const coverURL = "https://img.example.com/cover.jpg"

func TestUploadAttachesCoverAndClearsURL(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	id := seedPost(t, store, domain.StatusPublished, coverURL)
	images := &fakeImageFetcher{}

	if err := NewAttachmentUploader(store, images, nil).Upload(ctx, id, coverURL); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	rec, _ := store.Get(ctx, id)
	if rec.CoverImageID == 0 {
		t.Fatalf("cover image not set")
	}
	if _, ok := rec.Meta[domain.MetaImageURL]; ok {
		t.Fatalf("image_url should be cleared, meta %v", rec.Meta)
	}
	att, err := store.Get(ctx, rec.CoverImageID)
	if err != nil {
		t.Fatalf("Get attachment: %v", err)
	}
	if att.Kind != domain.KindAttachment || att.Status != domain.StatusAttachmentInternal || att.ParentID != id {
		t.Fatalf("unexpected attachment %+v", att)
	}
	if att.Title != "cover.jpg" {
		t.Fatalf("attachment title = %q", att.Title)
	}
}

func TestUploadFailureLeavesRecordUntouched(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	id := seedPost(t, store, domain.StatusPublished, coverURL)
	before, _ := store.Get(ctx, id)

	err := NewAttachmentUploader(store, &fakeImageFetcher{err: errors.New("404")}, nil).Upload(ctx, id, coverURL)
	if !errors.Is(err, ErrAttachment) {
		t.Fatalf("expected ErrAttachment, got %v", err)
	}

	after, _ := store.Get(ctx, id)
	if after.Title != before.Title || after.Body != before.Body || after.Status != before.Status {
		t.Fatalf("record changed on failure: %+v", after)
	}
	if after.CoverImageID != 0 {
		t.Fatalf("cover must stay unset")
	}
	if after.Meta[domain.MetaImageURL] != coverURL {
		t.Fatalf("image_url must be retained on failure, got %v", after.Meta)
	}
}

func TestUploadStoreFailureWrapsAttachmentError(t *testing.T) {
	ctx := context.Background()
	base := openStore(t)
	id := seedPost(t, base, domain.StatusPublished, coverURL)
	store := &failingStore{Store: base, failAttachment: true}

	err := NewAttachmentUploader(store, &fakeImageFetcher{}, nil).Upload(ctx, id, coverURL)
	if !errors.Is(err, ErrAttachment) {
		t.Fatalf("expected ErrAttachment, got %v", err)
	}
	if got, _ := base.GetMeta(ctx, id, domain.MetaImageURL); got != coverURL {
		t.Fatalf("image_url must be retained, got %q", got)
	}
}

func TestUploadSkipsSupersededURL(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	id := seedPost(t, store, domain.StatusPublished, "https://img.example.com/new.jpg")
	images := &fakeImageFetcher{}

	if err := NewAttachmentUploader(store, images, nil).Upload(ctx, id, coverURL); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(images.urls) != 0 {
		t.Fatalf("stale job must not download, fetched %v", images.urls)
	}
}

func TestUploadMissingRecord(t *testing.T) {
	err := NewAttachmentUploader(openStore(t), &fakeImageFetcher{}, nil).Upload(context.Background(), 42, coverURL)
	if !errors.Is(err, ErrAttachment) {
		t.Fatalf("expected ErrAttachment, got %v", err)
	}
}

func TestScheduleAttachmentPreconditions(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	published := seedPost(t, store, domain.StatusPublished, coverURL)
	draft := seedPost(t, store, "draft", coverURL)

	cases := []struct {
		name     string
		recordID uint64
		url      string
		want     bool
	}{
		{"published", published, coverURL, true},
		{"pending duplicate", published, coverURL, false},
		{"unpublished", draft, coverURL, false},
		{"missing record", 999, coverURL, false},
		{"empty url", published, "", false},
	}

	sched := newRecordingScheduler()
	s := NewAttachmentScheduler(store, sched, nil)
	s.now = fixedClock(baseTime)
	for _, tc := range cases {
		got, err := s.Schedule(ctx, tc.recordID, tc.url)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: scheduled = %v, want %v", tc.name, got, tc.want)
		}
	}
	if len(sched.calls) != 1 || sched.calls[0].runAt != baseTime {
		t.Fatalf("expected one immediate job, got %+v", sched.calls)
	}
}

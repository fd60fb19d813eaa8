package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/samvad-hq/samvad-feed-ingester/internal/cache"
	"github.com/samvad-hq/samvad-feed-ingester/internal/domain"
)

type countingLister struct {
	AuthorLister
	calls int
}

func (c *countingLister) ListAuthors(ctx context.Context) ([]domain.Author, error) {
	c.calls++
	return c.AuthorLister.ListAuthors(ctx)
}

func TestAuthorDirectoryServesIdentityFromCache(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	id, err := store.ResolveOrCreateAuthor(ctx, "prtimes")
	if err != nil {
		t.Fatalf("ResolveOrCreateAuthor: %v", err)
	}
	if err := store.TouchAuthor(ctx, id, baseTime); err != nil {
		t.Fatalf("TouchAuthor: %v", err)
	}
	lister := &countingLister{AuthorLister: store}
	dir := NewAuthorDirectory(lister, cache.NewMemory(), time.Hour, nil)

	for i := 0; i < 3; i++ {
		author, err := dir.Author(ctx, id)
		if err != nil {
			t.Fatalf("Author: %v", err)
		}
		if author.Slug != "prtimes" || author.DisplayName != "Prtimes" || author.LastPublishedAt != nil {
			t.Fatalf("unexpected author %+v", author)
		}
	}
	if lister.calls != 1 {
		t.Fatalf("expected one store listing, got %d", lister.calls)
	}

	// the identity entry outlives listing invalidation
	if err := dir.Invalidate(ctx); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := dir.Author(ctx, id); err != nil {
		t.Fatalf("Author: %v", err)
	}
	if lister.calls != 1 {
		t.Fatalf("identity lookup must not relist, got %d listings", lister.calls)
	}
}

func TestAuthorDirectoryRefreshesStaleListing(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	if _, err := store.ResolveOrCreateAuthor(ctx, "prtimes"); err != nil {
		t.Fatalf("ResolveOrCreateAuthor: %v", err)
	}
	lister := &countingLister{AuthorLister: store}
	dir := NewAuthorDirectory(lister, cache.NewMemory(), time.Hour, nil)
	if _, err := dir.Published(ctx); err != nil {
		t.Fatalf("Published: %v", err)
	}

	newcomer, err := store.ResolveOrCreateAuthor(ctx, "story")
	if err != nil {
		t.Fatalf("ResolveOrCreateAuthor: %v", err)
	}
	author, err := dir.Author(ctx, newcomer)
	if err != nil {
		t.Fatalf("Author: %v", err)
	}
	if author.Slug != "story" {
		t.Fatalf("unexpected author %+v", author)
	}
	if lister.calls != 2 {
		t.Fatalf("expected listing refresh, got %d listings", lister.calls)
	}
	listed, _ := dir.Published(ctx)
	if len(listed) != 2 {
		t.Fatalf("refreshed listing should be cached, got %+v", listed)
	}
}

func TestAuthorDirectoryUnknownAuthor(t *testing.T) {
	dir := NewAuthorDirectory(openStore(t), cache.NewMemory(), time.Hour, nil)
	if _, err := dir.Author(context.Background(), 42); err == nil {
		t.Fatalf("expected error for unknown author")
	}
}

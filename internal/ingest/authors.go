package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/samvad-hq/samvad-feed-ingester/internal/cache"
	"github.com/samvad-hq/samvad-feed-ingester/internal/domain"
	"github.com/samvad-hq/samvad-feed-ingester/internal/logger"
)

// AuthorsCacheKey is the cache entry holding the published-authors listing.
var AuthorsCacheKey = cache.Key("authors", "published")

// authorKey caches one author's identity. Slugs and display names never
// change, so these entries survive listing invalidation.
func authorKey(id uint64) string {
	return cache.Key("authors", "id", strconv.FormatUint(id, 10))
}

// AuthorLister lists authors ordered by most recent publication.
type AuthorLister interface {
	ListAuthors(ctx context.Context) ([]domain.Author, error)
}

// AuthorDirectory serves the published-authors listing through a cache.
type AuthorDirectory struct {
	store AuthorLister
	cache cache.Cache
	ttl   time.Duration
	log   logger.Logger

	mu sync.Mutex
}

// NewAuthorDirectory builds a cached author listing; c may be nil to disable caching.
func NewAuthorDirectory(store AuthorLister, c cache.Cache, ttl time.Duration, log logger.Logger) *AuthorDirectory {
	return &AuthorDirectory{store: store, cache: c, ttl: ttl, log: logger.Ensure(log)}
}

// Published returns the listing, filling the cache on a miss. Cache failures
// fall through to the store.
func (d *AuthorDirectory) Published(ctx context.Context) ([]domain.Author, error) {
	if d.cache != nil {
		raw, ok, err := d.cache.Get(ctx, AuthorsCacheKey)
		if err != nil {
			d.log.WarnObj("author cache read failed", "cache_error", err.Error())
		} else if ok {
			var authors []domain.Author
			if err := json.Unmarshal(raw, &authors); err == nil {
				return authors, nil
			}
		}
	}

	authors, err := d.store.ListAuthors(ctx)
	if err != nil {
		return nil, err
	}
	if d.cache != nil {
		if raw, err := json.Marshal(authors); err == nil {
			if err := d.cache.Set(ctx, AuthorsCacheKey, raw, d.ttl); err != nil {
				d.log.WarnObj("author cache write failed", "cache_error", err.Error())
			}
		}
	}
	return authors, nil
}

// Invalidate drops the cached listing.
func (d *AuthorDirectory) Invalidate(ctx context.Context) error {
	if d == nil || d.cache == nil {
		return nil
	}
	return d.cache.Delete(ctx, AuthorsCacheKey)
}

// Author returns the identity of author id. A miss is filled from the
// published listing; an author newer than the cached listing forces one
// listing refresh.
func (d *AuthorDirectory) Author(ctx context.Context, id uint64) (domain.Author, error) {
	if d.cache != nil {
		raw, ok, err := d.cache.Get(ctx, authorKey(id))
		if err != nil {
			d.log.WarnObj("author cache read failed", "cache_error", err.Error())
		} else if ok {
			var author domain.Author
			if err := json.Unmarshal(raw, &author); err == nil {
				return author, nil
			}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	author, ok, err := d.findPublished(ctx, id)
	if err == nil && !ok {
		if err = d.Invalidate(ctx); err == nil {
			author, ok, err = d.findPublished(ctx, id)
		}
	}
	if err != nil {
		return domain.Author{}, err
	}
	if !ok {
		return domain.Author{}, fmt.Errorf("author %d: not listed", id)
	}

	author.LastPublishedAt = nil
	if d.cache != nil {
		if raw, err := json.Marshal(author); err == nil {
			if err := d.cache.Set(ctx, authorKey(id), raw, d.ttl); err != nil {
				d.log.WarnObj("author cache write failed", "cache_error", err.Error())
			}
		}
	}
	return author, nil
}

func (d *AuthorDirectory) findPublished(ctx context.Context, id uint64) (domain.Author, bool, error) {
	authors, err := d.Published(ctx)
	if err != nil {
		return domain.Author{}, false, err
	}
	for _, a := range authors {
		if a.ID == id {
			return a, true, nil
		}
	}
	return domain.Author{}, false, nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/samvad-hq/samvad-feed-ingester/internal/domain"
)

// Package storage persists content records, their metadata, taxonomy and
// per-feed channel state.

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ContentStore is the content persistence surface used by the ingest pipeline.
type ContentStore interface {
	// FindByMeta returns the highest record id whose meta key holds value.
	FindByMeta(ctx context.Context, key, value string) (uint64, bool, error)
	GetMeta(ctx context.Context, id uint64, key string) (string, error)
	Get(ctx context.Context, id uint64) (domain.ContentRecord, error)
	// CreateOrUpdate inserts rec when rec.ID is zero and replaces it otherwise.
	// The assigned id is written back to rec.
	CreateOrUpdate(ctx context.Context, rec *domain.ContentRecord) error
	DeleteMeta(ctx context.Context, id uint64, key string) error
	AddAttachment(ctx context.Context, parentID uint64, media domain.Media) (uint64, error)
	SetCoverImage(ctx context.Context, recordID, attachmentID uint64) error
	ResolveOrCreateCategory(ctx context.Context, slug string) (uint64, error)
	ResolveOrCreateAuthor(ctx context.Context, slug string) (uint64, error)
	TouchAuthor(ctx context.Context, authorID uint64, at time.Time) error
	ListAuthors(ctx context.Context) ([]domain.Author, error)
	// ListPublished returns published posts newest first; attachments are never listed.
	ListPublished(ctx context.Context, limit int) ([]domain.ContentRecord, error)
}

// FeedStateRepository keeps the last seen channel marker per feed source.
type FeedStateRepository interface {
	GetMarker(ctx context.Context, sourceID string) (string, bool, error)
	SetMarker(ctx context.Context, sourceID, marker string) error
}

// Store is a full storage backend.
type Store interface {
	ContentStore
	FeedStateRepository
	Close() error
}

// Options selects backend locations.
type Options struct {
	BoltPath  string
	SQLiteDSN string
}

// NewStore creates the configured storage backend.
func NewStore(ctx context.Context, typ string, opts Options) (Store, error) {
	typ = strings.TrimSpace(strings.ToLower(typ))

	switch typ {
	case "", "bbolt":
		if strings.TrimSpace(opts.BoltPath) == "" {
			return nil, fmt.Errorf("bbolt storage requires a path")
		}
		return openBolt(opts.BoltPath)
	case "sqlite":
		if strings.TrimSpace(opts.SQLiteDSN) == "" {
			return nil, fmt.Errorf("sqlite storage requires a dsn")
		}
		return openSQLite(ctx, opts.SQLiteDSN)
	default:
		return nil, fmt.Errorf("unsupported storage type %q", typ)
	}
}

// displayName derives a human readable name from a slug ("press-events" -> "Press Events").
func displayName(slug string) string {
	words := strings.FieldsFunc(slug, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

func normalizeSlug(slug string) (string, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return "", errors.New("slug is empty")
	}
	return slug, nil
}

func copyMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

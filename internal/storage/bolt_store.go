package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/samvad-hq/samvad-feed-ingester/internal/domain"
)

const (
	recordBucket     = "records"
	metaIndexBucket  = "meta_index"
	mediaBucket      = "media"
	categoryBucket   = "categories"
	authorBucket     = "authors"
	authorSlugBucket = "author_slugs"
	feedStateBucket  = "feed_state"

	idBytes = 8
)

var boltBuckets = []string{
	recordBucket, metaIndexBucket, mediaBucket, categoryBucket,
	authorBucket, authorSlugBucket, feedStateBucket,
}

// boltStore implements Store backed by BoltDB. Meta lookups go through an
// index bucket keyed by key\x00value\x00id.
type boltStore struct {
	db *bolt.DB
}

type storedMedia struct {
	SourceURL   string `json:"source_url"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// openBolt initializes a BoltDB-backed Store.
func openBolt(path string) (*boltStore, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range boltBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return &boltStore{db: db}, nil
}

// Close closes the BoltDB store.
func (b *boltStore) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *boltStore) FindByMeta(ctx context.Context, key, value string) (uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	prefix := metaPrefix(key, value)

	var (
		id    uint64
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(metaIndexBucket)).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if len(k) != len(prefix)+idBytes {
				continue
			}
			// ids are big-endian so the last hit is the most recent record.
			id = binary.BigEndian.Uint64(k[len(prefix):])
			found = true
		}
		return nil
	})
	return id, found, err
}

func (b *boltStore) GetMeta(ctx context.Context, id uint64, key string) (string, error) {
	rec, err := b.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.Meta[key], nil
}

func (b *boltStore) Get(ctx context.Context, id uint64) (domain.ContentRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.ContentRecord{}, err
	}
	var rec domain.ContentRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = loadRecord(tx, id)
		return err
	})
	return rec, err
}

func (b *boltStore) CreateOrUpdate(ctx context.Context, rec *domain.ContentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("record is nil")
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket([]byte(recordBucket))
		if rec.ID == 0 {
			seq, err := records.NextSequence()
			if err != nil {
				return fmt.Errorf("next record id: %w", err)
			}
			rec.ID = seq
		} else {
			prev, err := loadRecord(tx, rec.ID)
			if err != nil {
				return err
			}
			if err := unindexMeta(tx, prev.ID, prev.Meta); err != nil {
				return err
			}
		}
		return putRecord(tx, *rec)
	})
}

func (b *boltStore) DeleteMeta(ctx context.Context, id uint64, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		rec, err := loadRecord(tx, id)
		if err != nil {
			return err
		}
		value, ok := rec.Meta[key]
		if !ok {
			return nil
		}
		if err := tx.Bucket([]byte(metaIndexBucket)).Delete(metaIndexKey(key, value, id)); err != nil {
			return err
		}
		delete(rec.Meta, key)
		return putRecord(tx, rec)
	})
}

func (b *boltStore) AddAttachment(ctx context.Context, parentID uint64, media domain.Media) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var id uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		if _, err := loadRecord(tx, parentID); err != nil {
			return err
		}
		seq, err := tx.Bucket([]byte(recordBucket)).NextSequence()
		if err != nil {
			return fmt.Errorf("next record id: %w", err)
		}
		id = seq
		now := time.Now().UTC()
		att := attachmentRecord(id, parentID, media, now)
		if err := putRecord(tx, att); err != nil {
			return err
		}
		raw, err := json.Marshal(storedMedia(media))
		if err != nil {
			return fmt.Errorf("encode media: %w", err)
		}
		return tx.Bucket([]byte(mediaBucket)).Put(itob(id), raw)
	})
	return id, err
}

func (b *boltStore) SetCoverImage(ctx context.Context, recordID, attachmentID uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		if _, err := loadRecord(tx, attachmentID); err != nil {
			return err
		}
		rec, err := loadRecord(tx, recordID)
		if err != nil {
			return err
		}
		rec.CoverImageID = attachmentID
		return putRecord(tx, rec)
	})
}

func (b *boltStore) ResolveOrCreateCategory(ctx context.Context, slug string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	slug, err := normalizeSlug(slug)
	if err != nil {
		return 0, err
	}

	var id uint64
	// a single write transaction makes lookup and create atomic.
	err = b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(categoryBucket))
		if raw := bucket.Get([]byte(slug)); raw != nil {
			var cat domain.Category
			if err := json.Unmarshal(raw, &cat); err != nil {
				return fmt.Errorf("decode category %q: %w", slug, err)
			}
			id = cat.ID
			return nil
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		cat := domain.Category{ID: seq, Slug: slug, Name: displayName(slug)}
		raw, err := json.Marshal(cat)
		if err != nil {
			return err
		}
		id = seq
		return bucket.Put([]byte(slug), raw)
	})
	return id, err
}

func (b *boltStore) ResolveOrCreateAuthor(ctx context.Context, slug string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	slug, err := normalizeSlug(slug)
	if err != nil {
		return 0, err
	}

	var id uint64
	err = b.db.Update(func(tx *bolt.Tx) error {
		slugs := tx.Bucket([]byte(authorSlugBucket))
		if raw := slugs.Get([]byte(slug)); len(raw) == idBytes {
			id = binary.BigEndian.Uint64(raw)
			return nil
		}
		authors := tx.Bucket([]byte(authorBucket))
		seq, err := authors.NextSequence()
		if err != nil {
			return err
		}
		author := domain.Author{ID: seq, Slug: slug, DisplayName: displayName(slug)}
		raw, err := json.Marshal(author)
		if err != nil {
			return err
		}
		if err := authors.Put(itob(seq), raw); err != nil {
			return err
		}
		id = seq
		return slugs.Put([]byte(slug), itob(seq))
	})
	return id, err
}

func (b *boltStore) TouchAuthor(ctx context.Context, authorID uint64, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(authorBucket))
		raw := bucket.Get(itob(authorID))
		if raw == nil {
			return fmt.Errorf("author %d: %w", authorID, ErrNotFound)
		}
		var author domain.Author
		if err := json.Unmarshal(raw, &author); err != nil {
			return fmt.Errorf("decode author %d: %w", authorID, err)
		}
		stamp := at.UTC()
		author.LastPublishedAt = &stamp
		out, err := json.Marshal(author)
		if err != nil {
			return err
		}
		return bucket.Put(itob(authorID), out)
	})
}

func (b *boltStore) ListAuthors(ctx context.Context) ([]domain.Author, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.Author
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(authorBucket)).ForEach(func(_, v []byte) error {
			var author domain.Author
			if err := json.Unmarshal(v, &author); err != nil {
				return err
			}
			out = append(out, author)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortAuthors(out)
	return out, nil
}

func (b *boltStore) ListPublished(ctx context.Context, limit int) ([]domain.ContentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.ContentRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(recordBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var rec domain.ContentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Kind == domain.KindPost && rec.Status == domain.StatusPublished {
				out = append(out, rec)
			}
		}
		return nil
	})
	return out, err
}

func (b *boltStore) GetMarker(ctx context.Context, sourceID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var (
		marker string
		found  bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket([]byte(feedStateBucket)).Get([]byte(sourceID)); raw != nil {
			marker, found = string(raw), true
		}
		return nil
	})
	return marker, found, err
}

func (b *boltStore) SetMarker(ctx context.Context, sourceID, marker string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(feedStateBucket)).Put([]byte(sourceID), []byte(marker))
	})
}

func loadRecord(tx *bolt.Tx, id uint64) (domain.ContentRecord, error) {
	raw := tx.Bucket([]byte(recordBucket)).Get(itob(id))
	if raw == nil {
		return domain.ContentRecord{}, fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	var rec domain.ContentRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.ContentRecord{}, fmt.Errorf("decode record %d: %w", id, err)
	}
	if rec.Meta == nil {
		rec.Meta = map[string]string{}
	}
	return rec, nil
}

func putRecord(tx *bolt.Tx, rec domain.ContentRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %d: %w", rec.ID, err)
	}
	if err := tx.Bucket([]byte(recordBucket)).Put(itob(rec.ID), raw); err != nil {
		return err
	}
	index := tx.Bucket([]byte(metaIndexBucket))
	for k, v := range rec.Meta {
		if err := index.Put(metaIndexKey(k, v, rec.ID), []byte{}); err != nil {
			return err
		}
	}
	return nil
}

func unindexMeta(tx *bolt.Tx, id uint64, meta map[string]string) error {
	index := tx.Bucket([]byte(metaIndexBucket))
	for k, v := range meta {
		if err := index.Delete(metaIndexKey(k, v, id)); err != nil {
			return err
		}
	}
	return nil
}

func metaPrefix(key, value string) []byte {
	buf := make([]byte, 0, len(key)+len(value)+2)
	buf = append(buf, key...)
	buf = append(buf, 0)
	buf = append(buf, value...)
	return append(buf, 0)
}

func metaIndexKey(key, value string, id uint64) []byte {
	return append(metaPrefix(key, value), itob(id)...)
}

func itob(v uint64) []byte {
	buf := make([]byte, idBytes)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func attachmentRecord(id, parentID uint64, media domain.Media, now time.Time) domain.ContentRecord {
	return domain.ContentRecord{
		ID:          id,
		Kind:        domain.KindAttachment,
		Status:      domain.StatusAttachmentInternal,
		ParentID:    parentID,
		Title:       media.FileName,
		PublishedAt: now,
		ModifiedAt:  now,
		Meta: map[string]string{
			"source_url":   media.SourceURL,
			"content_type": media.ContentType,
		},
	}
}

// sortAuthors orders by most recent publication, never-published authors last.
func sortAuthors(authors []domain.Author) {
	sort.SliceStable(authors, func(i, j int) bool {
		a, b := authors[i].LastPublishedAt, authors[j].LastPublishedAt
		switch {
		case a == nil && b == nil:
			return authors[i].ID < authors[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
}

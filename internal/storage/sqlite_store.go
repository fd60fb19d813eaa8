package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-pkgz/repeater/v2"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/samvad-hq/samvad-feed-ingester/internal/domain"
)

//go:embed schema.sql
var sqliteSchema string

var errNotRetryable = errors.New("not retryable")

// sqliteStore implements Store on SQLite through sqlx.
type sqliteStore struct {
	db *sqlx.DB
}

func openSQLite(ctx context.Context, dsn string) (*sqliteStore, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one connection keeps the pragmas below in effect for every statement.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("execute schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// write runs fn with backoff while SQLite reports lock contention; any
// other error stops the retries right away.
func (s *sqliteStore) write(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))
	err := retrier.Do(ctx, func() error {
		lastErr = fn()
		if lastErr == nil || isLockError(lastErr) {
			return lastErr
		}
		return errNotRetryable
	}, errNotRetryable)
	if err == nil {
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("%s: %w", op, lastErr)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *sqliteStore) FindByMeta(ctx context.Context, key, value string) (uint64, bool, error) {
	var id sql.NullInt64
	err := s.db.GetContext(ctx, &id,
		`SELECT MAX(record_id) FROM record_meta WHERE meta_key = ? AND meta_value = ?`, key, value)
	if err != nil {
		return 0, false, fmt.Errorf("find by meta %s: %w", key, err)
	}
	if !id.Valid {
		return 0, false, nil
	}
	return uint64(id.Int64), true, nil
}

func (s *sqliteStore) GetMeta(ctx context.Context, id uint64, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value,
		`SELECT meta_value FROM record_meta WHERE record_id = ? AND meta_key = ?`, id, key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("get meta %s: %w", key, err)
	}
	if err := s.exists(ctx, id); err != nil {
		return "", err
	}
	return "", nil
}

func (s *sqliteStore) exists(ctx context.Context, id uint64) error {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(1) FROM records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("check record %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	return nil
}

const recordColumns = `id, kind, status, author_id, parent_id, cover_image_id, title, body, published_at, modified_at`

func (s *sqliteStore) Get(ctx context.Context, id uint64) (domain.ContentRecord, error) {
	var rec domain.ContentRecord
	err := s.db.GetContext(ctx, &rec, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ContentRecord{}, fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.ContentRecord{}, fmt.Errorf("get record %d: %w", id, err)
	}
	if err := s.loadExtras(ctx, &rec); err != nil {
		return domain.ContentRecord{}, err
	}
	return rec, nil
}

func (s *sqliteStore) loadExtras(ctx context.Context, rec *domain.ContentRecord) error {
	var meta []struct {
		Key   string `db:"meta_key"`
		Value string `db:"meta_value"`
	}
	if err := s.db.SelectContext(ctx, &meta,
		`SELECT meta_key, meta_value FROM record_meta WHERE record_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("load meta for %d: %w", rec.ID, err)
	}
	rec.Meta = make(map[string]string, len(meta))
	for _, m := range meta {
		rec.Meta[m.Key] = m.Value
	}

	rec.CategoryIDs = nil
	if err := s.db.SelectContext(ctx, &rec.CategoryIDs,
		`SELECT category_id FROM record_categories WHERE record_id = ? ORDER BY category_id`, rec.ID); err != nil {
		return fmt.Errorf("load categories for %d: %w", rec.ID, err)
	}
	return nil
}

func (s *sqliteStore) CreateOrUpdate(ctx context.Context, rec *domain.ContentRecord) error {
	if rec == nil {
		return fmt.Errorf("record is nil")
	}
	var id uint64
	err := s.write(ctx, "save record", func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck // no-op after commit

		if id, err = saveRecord(ctx, tx, rec); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	rec.ID = id
	return nil
}

// saveRecord inserts or replaces rec and its extras inside tx and returns its id.
func saveRecord(ctx context.Context, tx *sqlx.Tx, rec *domain.ContentRecord) (uint64, error) {
	id := rec.ID
	if id == 0 {
		res, err := tx.NamedExecContext(ctx, `INSERT INTO records
			(kind, status, author_id, parent_id, cover_image_id, title, body, published_at, modified_at)
			VALUES (:kind, :status, :author_id, :parent_id, :cover_image_id, :title, :body, :published_at, :modified_at)`, rec)
		if err != nil {
			return 0, err
		}
		last, err := res.LastInsertId()
		if err != nil {
			return 0, err
		}
		id = uint64(last)
	} else {
		res, err := tx.NamedExecContext(ctx, `UPDATE records SET
			kind = :kind, status = :status, author_id = :author_id, parent_id = :parent_id,
			cover_image_id = :cover_image_id, title = :title, body = :body,
			published_at = :published_at, modified_at = :modified_at
			WHERE id = :id`, rec)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, fmt.Errorf("record %d: %w", id, ErrNotFound)
		}
	}

	if err := replaceRecordExtras(ctx, tx, id, rec.Meta, rec.CategoryIDs); err != nil {
		return 0, err
	}
	return id, nil
}

func replaceRecordExtras(ctx context.Context, tx *sqlx.Tx, id uint64, meta map[string]string, categories []uint64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM record_meta WHERE record_id = ?`, id); err != nil {
		return err
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO record_meta (record_id, meta_key, meta_value) VALUES (?, ?, ?)`, id, k, v); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM record_categories WHERE record_id = ?`, id); err != nil {
		return err
	}
	for _, c := range categories {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO record_categories (record_id, category_id) VALUES (?, ?)`, id, c); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) DeleteMeta(ctx context.Context, id uint64, key string) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	return s.write(ctx, "delete meta", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM record_meta WHERE record_id = ? AND meta_key = ?`, id, key)
		return err
	})
}

func (s *sqliteStore) AddAttachment(ctx context.Context, parentID uint64, media domain.Media) (uint64, error) {
	if err := s.exists(ctx, parentID); err != nil {
		return 0, err
	}
	att := attachmentRecord(0, parentID, media, time.Now().UTC())
	var id uint64
	err := s.write(ctx, "store attachment", func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck // no-op after commit

		if id, err = saveRecord(ctx, tx, &att); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO media
			(record_id, source_url, file_name, content_type, data) VALUES (?, ?, ?, ?, ?)`,
			id, media.SourceURL, media.FileName, media.ContentType, media.Data); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *sqliteStore) SetCoverImage(ctx context.Context, recordID, attachmentID uint64) error {
	if err := s.exists(ctx, attachmentID); err != nil {
		return err
	}
	return s.write(ctx, "set cover image", func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE records SET cover_image_id = ? WHERE id = ?`, attachmentID, recordID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("record %d: %w", recordID, ErrNotFound)
		}
		return nil
	})
}

// resolveOrCreate looks a slug up, inserts it when absent and reads it back, so
// a concurrent insert of the same slug resolves to the winner's row.
func (s *sqliteStore) resolveOrCreate(ctx context.Context, table, nameColumn, slug string) (uint64, error) {
	slug, err := normalizeSlug(slug)
	if err != nil {
		return 0, err
	}
	lookup := func() (uint64, bool, error) {
		var id uint64
		err := s.db.GetContext(ctx, &id, `SELECT id FROM `+table+` WHERE slug = ?`, slug)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return id, err == nil, err
	}

	if id, ok, err := lookup(); err != nil || ok {
		return id, err
	}
	err = s.write(ctx, "create "+strings.TrimSuffix(table, "s"), func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO `+table+` (slug, `+nameColumn+`) VALUES (?, ?) ON CONFLICT(slug) DO NOTHING`,
			slug, displayName(slug))
		return err
	})
	if err != nil {
		return 0, err
	}
	id, ok, err := lookup()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%s %q missing after create", table, slug)
	}
	return id, nil
}

func (s *sqliteStore) ResolveOrCreateCategory(ctx context.Context, slug string) (uint64, error) {
	return s.resolveOrCreate(ctx, "categories", "name", slug)
}

func (s *sqliteStore) ResolveOrCreateAuthor(ctx context.Context, slug string) (uint64, error) {
	return s.resolveOrCreate(ctx, "authors", "display_name", slug)
}

func (s *sqliteStore) TouchAuthor(ctx context.Context, authorID uint64, at time.Time) error {
	return s.write(ctx, "touch author", func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE authors SET last_published_at = ? WHERE id = ?`, at.UTC(), authorID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("author %d: %w", authorID, ErrNotFound)
		}
		return nil
	})
}

func (s *sqliteStore) ListAuthors(ctx context.Context) ([]domain.Author, error) {
	var out []domain.Author
	if err := s.db.SelectContext(ctx, &out,
		`SELECT id, slug, display_name, last_published_at FROM authors`); err != nil {
		return nil, fmt.Errorf("list authors: %w", err)
	}
	sortAuthors(out)
	return out, nil
}

func (s *sqliteStore) ListPublished(ctx context.Context, limit int) ([]domain.ContentRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	var out []domain.ContentRecord
	err := s.db.SelectContext(ctx, &out, `SELECT `+recordColumns+` FROM records
		WHERE kind = ? AND status = ? ORDER BY id DESC LIMIT ?`,
		domain.KindPost, domain.StatusPublished, limit)
	if err != nil {
		return nil, fmt.Errorf("list published: %w", err)
	}
	for i := range out {
		if err := s.loadExtras(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *sqliteStore) GetMarker(ctx context.Context, sourceID string) (string, bool, error) {
	var marker string
	err := s.db.GetContext(ctx, &marker, `SELECT marker FROM feed_state WHERE source_id = ?`, sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get marker %s: %w", sourceID, err)
	}
	return marker, true, nil
}

func (s *sqliteStore) SetMarker(ctx context.Context, sourceID, marker string) error {
	return s.write(ctx, "set marker", func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO feed_state (source_id, marker, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(source_id) DO UPDATE SET marker = excluded.marker, updated_at = excluded.updated_at`,
			sourceID, marker, time.Now().UTC())
		return err
	})
}

// isLockError checks if an error is a SQLite lock/busy error
func isLockError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "SQLITE_BUSY") ||
		strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "database table is locked")
}

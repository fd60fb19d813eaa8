package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/samvad-hq/samvad-feed-ingester/internal/domain"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	bolt, err := NewStore(ctx, "bbolt", Options{BoltPath: filepath.Join(dir, "content.db")})
	if err != nil {
		t.Fatalf("open bbolt: %v", err)
	}
	sqlite, err := NewStore(ctx, "sqlite", Options{SQLiteDSN: filepath.Join(dir, "content.sqlite")})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		bolt.Close()
		sqlite.Close()
	})
	return map[string]Store{"bbolt": bolt, "sqlite": sqlite}
}

func newPost(title, ref, updated string) *domain.ContentRecord {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &domain.ContentRecord{
		Kind:        domain.KindPost,
		Status:      domain.StatusPublished,
		Title:       title,
		Body:        "body of " + title,
		PublishedAt: now,
		ModifiedAt:  now,
		Meta: map[string]string{
			domain.MetaReferenceID: ref,
			domain.MetaLastUpdated: updated,
		},
	}
}

func TestStoreCreateFindAndUpdate(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			rec := newPost("first", "ref-1", "T1")
			if err := store.CreateOrUpdate(ctx, rec); err != nil {
				t.Fatalf("create: %v", err)
			}
			if rec.ID == 0 {
				t.Fatalf("expected id to be assigned")
			}

			id, ok, err := store.FindByMeta(ctx, domain.MetaReferenceID, "ref-1")
			if err != nil || !ok || id != rec.ID {
				t.Fatalf("FindByMeta = %d,%v,%v want %d", id, ok, err, rec.ID)
			}

			rec.Title = "second"
			rec.Meta[domain.MetaLastUpdated] = "T2"
			if err := store.CreateOrUpdate(ctx, rec); err != nil {
				t.Fatalf("update: %v", err)
			}
			got, err := store.Get(ctx, rec.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Title != "second" || got.Meta[domain.MetaLastUpdated] != "T2" {
				t.Fatalf("update not applied: %+v", got)
			}

			// the old meta value must not resolve anymore.
			if _, ok, _ := store.FindByMeta(ctx, domain.MetaLastUpdated, "T1"); ok {
				t.Fatalf("stale meta index entry after update")
			}

			missing := newPost("ghost", "ref-x", "T1")
			missing.ID = 9999
			if err := store.CreateOrUpdate(ctx, missing); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound updating unknown record, got %v", err)
			}
		})
	}
}

func TestStoreFindByMetaPrefersHighestID(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := newPost("a", "dup", "T1")
			b := newPost("b", "dup", "T1")
			for _, r := range []*domain.ContentRecord{a, b} {
				if err := store.CreateOrUpdate(ctx, r); err != nil {
					t.Fatalf("create: %v", err)
				}
			}
			id, ok, err := store.FindByMeta(ctx, domain.MetaReferenceID, "dup")
			if err != nil || !ok || id != b.ID {
				t.Fatalf("expected most recent record %d, got %d (ok=%v err=%v)", b.ID, id, ok, err)
			}
			if _, ok, _ := store.FindByMeta(ctx, domain.MetaReferenceID, "du"); ok {
				t.Fatalf("prefix of a value must not match")
			}
		})
	}
}

func TestStoreMetaAndAttachments(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := newPost("with image", "ref-img", "T1")
			rec.Meta[domain.MetaImageURL] = "http://x/y.jpg"
			if err := store.CreateOrUpdate(ctx, rec); err != nil {
				t.Fatalf("create: %v", err)
			}

			v, err := store.GetMeta(ctx, rec.ID, domain.MetaImageURL)
			if err != nil || v != "http://x/y.jpg" {
				t.Fatalf("GetMeta = %q, %v", v, err)
			}
			if v, err := store.GetMeta(ctx, rec.ID, "absent"); err != nil || v != "" {
				t.Fatalf("absent meta = %q, %v", v, err)
			}
			if _, err := store.GetMeta(ctx, 4242, domain.MetaImageURL); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound for unknown record, got %v", err)
			}

			attID, err := store.AddAttachment(ctx, rec.ID, domain.Media{
				SourceURL: "http://x/y.jpg", FileName: "y.jpg", ContentType: "image/jpeg", Data: []byte{1, 2, 3},
			})
			if err != nil {
				t.Fatalf("AddAttachment: %v", err)
			}
			if err := store.SetCoverImage(ctx, rec.ID, attID); err != nil {
				t.Fatalf("SetCoverImage: %v", err)
			}
			if err := store.DeleteMeta(ctx, rec.ID, domain.MetaImageURL); err != nil {
				t.Fatalf("DeleteMeta: %v", err)
			}

			got, err := store.Get(ctx, rec.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.CoverImageID != attID {
				t.Fatalf("cover = %d, want %d", got.CoverImageID, attID)
			}
			if _, ok := got.Meta[domain.MetaImageURL]; ok {
				t.Fatalf("image_url meta should be gone")
			}
			if _, ok, _ := store.FindByMeta(ctx, domain.MetaImageURL, "http://x/y.jpg"); ok {
				t.Fatalf("deleted meta still indexed")
			}

			att, err := store.Get(ctx, attID)
			if err != nil {
				t.Fatalf("Get attachment: %v", err)
			}
			if att.Kind != domain.KindAttachment || att.Status != domain.StatusAttachmentInternal || att.ParentID != rec.ID {
				t.Fatalf("unexpected attachment record %+v", att)
			}

			listed, err := store.ListPublished(ctx, 0)
			if err != nil {
				t.Fatalf("ListPublished: %v", err)
			}
			for _, r := range listed {
				if r.Kind != domain.KindPost {
					t.Fatalf("internal attachment leaked into listing: %+v", r)
				}
			}
			if len(listed) != 1 {
				t.Fatalf("expected 1 published post, got %d", len(listed))
			}

			if _, err := store.AddAttachment(ctx, 777, domain.Media{}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("attachment for unknown parent should fail with ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStoreTaxonomyIsIdempotent(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c1, err := store.ResolveOrCreateCategory(ctx, "press-events")
			if err != nil {
				t.Fatalf("category: %v", err)
			}
			c2, err := store.ResolveOrCreateCategory(ctx, " Press-Events ")
			if err != nil || c1 != c2 {
				t.Fatalf("expected same category id, got %d and %d (%v)", c1, c2, err)
			}
			if _, err := store.ResolveOrCreateCategory(ctx, " "); err == nil {
				t.Fatalf("empty slug must fail")
			}

			a1, err := store.ResolveOrCreateAuthor(ctx, "prtimes")
			if err != nil {
				t.Fatalf("author: %v", err)
			}
			a2, err := store.ResolveOrCreateAuthor(ctx, "story")
			if err != nil {
				t.Fatalf("author: %v", err)
			}
			if again, _ := store.ResolveOrCreateAuthor(ctx, "prtimes"); again != a1 {
				t.Fatalf("author id changed: %d vs %d", again, a1)
			}

			at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
			if err := store.TouchAuthor(ctx, a2, at); err != nil {
				t.Fatalf("TouchAuthor: %v", err)
			}
			authors, err := store.ListAuthors(ctx)
			if err != nil {
				t.Fatalf("ListAuthors: %v", err)
			}
			if len(authors) != 2 || authors[0].ID != a2 {
				t.Fatalf("expected recently published author first, got %+v", authors)
			}
			if authors[0].LastPublishedAt == nil || !authors[0].LastPublishedAt.Equal(at) {
				t.Fatalf("last published = %v", authors[0].LastPublishedAt)
			}
			if authors[1].DisplayName != "Prtimes" {
				t.Fatalf("display name = %q", authors[1].DisplayName)
			}

			jp, err := store.ResolveOrCreateAuthor(ctx, "ニュース-éclair")
			if err != nil {
				t.Fatalf("author: %v", err)
			}
			authors, _ = store.ListAuthors(ctx)
			for _, a := range authors {
				if a.ID == jp && a.DisplayName != "ニュース Éclair" {
					t.Fatalf("non-ASCII display name = %q", a.DisplayName)
				}
			}
		})
	}
}

func TestStoreFeedMarkers(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, ok, err := store.GetMarker(ctx, "generic"); err != nil || ok {
				t.Fatalf("expected no marker, ok=%v err=%v", ok, err)
			}
			for _, m := range []string{"m1", "m2"} {
				if err := store.SetMarker(ctx, "generic", m); err != nil {
					t.Fatalf("SetMarker: %v", err)
				}
			}
			got, ok, err := store.GetMarker(ctx, "generic")
			if err != nil || !ok || got != "m2" {
				t.Fatalf("GetMarker = %q,%v,%v", got, ok, err)
			}
		})
	}
}

func TestNewStoreRejectsUnknownType(t *testing.T) {
	if _, err := NewStore(context.Background(), "postgres", Options{}); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
	if _, err := NewStore(context.Background(), "bbolt", Options{}); err == nil {
		t.Fatalf("expected error for missing bbolt path")
	}
}

func TestDisplayName(t *testing.T) {
	cases := map[string]string{
		"press-events":    "Press Events",
		"ニュース-éclair":     "ニュース Éclair",
		"économie_locale": "Économie Locale",
	}
	for in, want := range cases {
		got := displayName(in)
		if got != want {
			t.Fatalf("displayName(%q) = %q, want %q", in, got, want)
		}
		if !utf8.ValidString(got) {
			t.Fatalf("displayName(%q) produced invalid UTF-8 %q", in, got)
		}
	}
}

func TestSQLiteAttachmentWriteIsAtomic(t *testing.T) {
	ctx := context.Background()
	store, err := openSQLite(ctx, filepath.Join(t.TempDir(), "content.sqlite"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	post := newPost("cover", "ref-cover", "T1")
	if err := store.CreateOrUpdate(ctx, post); err != nil {
		t.Fatalf("CreateOrUpdate: %v", err)
	}
	if _, err := store.db.ExecContext(ctx, `DROP TABLE media`); err != nil {
		t.Fatalf("drop media: %v", err)
	}

	if _, err := store.AddAttachment(ctx, post.ID, domain.Media{SourceURL: "https://img.example.com/a.jpg", Data: []byte("x")}); err == nil {
		t.Fatalf("expected media write failure")
	}
	var orphans int
	if err := store.db.GetContext(ctx, &orphans,
		`SELECT COUNT(*) FROM records WHERE kind = ?`, domain.KindAttachment); err != nil {
		t.Fatalf("count attachments: %v", err)
	}
	if orphans != 0 {
		t.Fatalf("failed media write left %d attachment records", orphans)
	}
}

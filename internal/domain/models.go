package domain

import "time"

// Domain contains core models shared by the parser, pipeline and storage layers.

// Meta keys carried in a record's metadata bag.
const (
	MetaReferenceID = "reference_id"
	MetaLastUpdated = "last_updated"
	MetaImageURL    = "image_url"
	MetaSourceID    = "source_id"
)

// Record kinds.
const (
	KindPost       = "post"
	KindAttachment = "attachment"
)

// Record statuses. StatusAttachmentInternal marks feed-sourced cover images so
// listing screens can keep them out of the media library.
const (
	StatusPublished          = "publish"
	StatusAttachmentInternal = "inherit-feedimage"
)

// NormalizedItem is one feed entry after dialect-specific mapping.
type NormalizedItem struct {
	SourceID     string            `json:"source_id"`
	ReferenceID  string            `json:"reference_id"`
	LastUpdated  string            `json:"last_updated"`
	Title        string            `json:"title"`
	Body         string            `json:"body"`
	AuthorSlug   string            `json:"author_slug"`
	PublishedAt  time.Time         `json:"published_at"`
	CategorySlug string            `json:"category_slug,omitempty"`
	ImageURL     string            `json:"image_url,omitempty"`
	Extra        map[string]string `json:"extra_metadata,omitempty"`
}

// Ingestible reports whether the item carries the reference id dedup relies on.
func (i NormalizedItem) Ingestible() bool {
	return i.ReferenceID != ""
}

// ContentRecord is the committed representation inside the content store.
type ContentRecord struct {
	ID           uint64            `json:"id" db:"id"`
	Kind         string            `json:"kind" db:"kind"`
	Status       string            `json:"status" db:"status"`
	AuthorID     uint64            `json:"author_id" db:"author_id"`
	ParentID     uint64            `json:"parent_id,omitempty" db:"parent_id"`
	CoverImageID uint64            `json:"cover_image_id,omitempty" db:"cover_image_id"`
	CategoryIDs  []uint64          `json:"category_ids,omitempty" db:"-"`
	Title        string            `json:"title" db:"title"`
	Body         string            `json:"body" db:"body"`
	PublishedAt  time.Time         `json:"published_at" db:"published_at"`
	ModifiedAt   time.Time         `json:"modified_at" db:"modified_at"`
	Meta         map[string]string `json:"meta,omitempty" db:"-"`
}

// Author is a content author identity resolved by slug.
type Author struct {
	ID              uint64     `json:"id" db:"id"`
	Slug            string     `json:"slug" db:"slug"`
	DisplayName     string     `json:"display_name" db:"display_name"`
	LastPublishedAt *time.Time `json:"last_published_at,omitempty" db:"last_published_at"`
}

// Category is a taxonomy term resolved by slug.
type Category struct {
	ID   uint64 `json:"id" db:"id"`
	Slug string `json:"slug" db:"slug"`
	Name string `json:"name" db:"name"`
}

// Media is a downloaded image waiting to be attached to a record.
type Media struct {
	SourceURL   string
	FileName    string
	ContentType string
	Data        []byte
}

// Outcome is the decision taken by the upsert engine for one item.
type Outcome string

const (
	OutcomeCreate Outcome = "create"
	OutcomeUpdate Outcome = "update"
	OutcomeNoOp   Outcome = "noop"
)

// CommitOutcome describes a finished upsert.
type CommitOutcome struct {
	Outcome  Outcome `json:"outcome"`
	RecordID uint64  `json:"record_id,omitempty"`
}

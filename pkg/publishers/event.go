package publishers

import (
	"time"

	"github.com/samvad-hq/samvad-feed-ingester/internal/domain"
)

// Event announces a committed content record.
type Event struct {
	SourceID    string         `json:"source_id"`
	ReferenceID string         `json:"reference_id"`
	RecordID    uint64         `json:"record_id"`
	Outcome     domain.Outcome `json:"outcome"`
	Title       string         `json:"title"`
	AuthorSlug  string         `json:"author_slug"`
	AuthorName  string         `json:"author_name,omitempty"`
	LastUpdated string         `json:"last_updated"`
	PublishedAt time.Time      `json:"published_at"`
	CommittedAt time.Time      `json:"committed_at"`
}

// NewEvent builds the event for an item committed as recordID.
func NewEvent(item domain.NormalizedItem, outcome domain.CommitOutcome, committedAt time.Time) Event {
	return Event{
		SourceID:    item.SourceID,
		ReferenceID: item.ReferenceID,
		RecordID:    outcome.RecordID,
		Outcome:     outcome.Outcome,
		Title:       item.Title,
		AuthorSlug:  item.AuthorSlug,
		LastUpdated: item.LastUpdated,
		PublishedAt: item.PublishedAt,
		CommittedAt: committedAt.UTC(),
	}
}

// WithAuthor returns a copy of e naming the committed author.
func (e Event) WithAuthor(author domain.Author) Event {
	if author.Slug != "" {
		e.AuthorSlug = author.Slug
	}
	e.AuthorName = author.DisplayName
	return e
}

// attributes are the message attributes shared by queue and topic sinks.
func (e Event) attributes() map[string]string {
	return map[string]string{
		"source_id": e.SourceID,
		"outcome":   string(e.Outcome),
	}
}

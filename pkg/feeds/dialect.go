package feeds

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Supported feed dialects.
const (
	DialectGeneric     = "generic"
	DialectPressEvents = "press-events"
	DialectStory       = "story"
)

var (
	// ErrTransport tags feed fetch failures (network, timeout, non-200).
	ErrTransport = errors.New("feed transport")
	// ErrMalformed tags feed bodies that are not parseable XML.
	ErrMalformed = errors.New("malformed feed")
)

// Channel carries feed-level data used for change detection.
type Channel struct {
	// Marker is the opaque "last updated" key for the whole feed. Empty when
	// the feed does not carry one.
	Marker string
}

// Item is one parsed feed entry before normalization.
type Item struct {
	Title       string
	Link        string
	Body        string
	LastUpdated string
	PublishedAt time.Time
	ImageURL    string
	Extra       map[string]string
}

// Dialect parses one feed schema into the shared item shape.
type Dialect interface {
	Name() string
	Parse(raw []byte) (Channel, []Item, error)
	DefaultAuthorSlug() string
	DefaultCategorySlug() string
}

var dialects = map[string]Dialect{
	DialectGeneric:     genericDialect{},
	DialectPressEvents: pressEventsDialect{},
	DialectStory:       newStoryDialect(),
}

// DialectFor resolves a dialect by name.
func DialectFor(name string) (Dialect, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if d, ok := dialects[key]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("unsupported feed dialect %q", name)
}

// Dialects returns the names of all supported dialects.
func Dialects() []string {
	return []string{DialectGeneric, DialectPressEvents, DialectStory}
}

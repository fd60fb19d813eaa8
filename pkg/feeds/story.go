package feeds

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
)

// storyDialect reads a plain RSS story feed with Media RSS thumbnails.
type storyDialect struct{}

func newStoryDialect() storyDialect { return storyDialect{} }

func (storyDialect) Name() string                { return DialectStory }
func (storyDialect) DefaultAuthorSlug() string   { return "story" }
func (storyDialect) DefaultCategorySlug() string { return "story" }

func (storyDialect) Parse(raw []byte) (Channel, []Item, error) {
	// gofeed.Parser keeps per-parse state, so each call gets its own.
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(raw))
	if err != nil {
		return Channel{}, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	channel := Channel{Marker: unixMarker(feed.Published)}
	if feed.PublishedParsed != nil {
		channel.Marker = fmt.Sprintf("%d", feed.PublishedParsed.Unix())
	}

	items := make([]Item, 0, len(feed.Items))
	for _, it := range feed.Items {
		if it == nil {
			continue
		}
		date := itemTime(it)
		items = append(items, Item{
			Title:       strings.TrimSpace(it.Title),
			Link:        strings.TrimSpace(it.Link),
			Body:        firstNonEmpty(it.Content, it.Description),
			LastUpdated: formatItemDate(date),
			PublishedAt: date,
			ImageURL:    storyThumbnail(it),
			Extra:       map[string]string{},
		})
	}
	return channel, items, nil
}

func itemTime(it *gofeed.Item) time.Time {
	switch {
	case it.PublishedParsed != nil:
		return it.PublishedParsed.UTC()
	case it.UpdatedParsed != nil:
		return it.UpdatedParsed.UTC()
	default:
		return time.Time{}
	}
}

func storyThumbnail(it *gofeed.Item) string {
	if media, ok := it.Extensions["media"]; ok {
		if url := firstAttr(media["thumbnail"], "url"); url != "" {
			return url
		}
		// thumbnails are often nested inside media:group or media:content.
		for _, group := range append(media["group"], media["content"]...) {
			if url := firstAttr(group.Children["thumbnail"], "url"); url != "" {
				return url
			}
		}
	}
	if it.Image != nil {
		return strings.TrimSpace(it.Image.URL)
	}
	return ""
}

func firstAttr(exts []ext.Extension, attr string) string {
	for _, e := range exts {
		if v := strings.TrimSpace(e.Attrs[attr]); v != "" {
			return v
		}
	}
	return ""
}

package ingest

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/samvad-hq/samvad-feed-ingester/internal/domain"
	"github.com/samvad-hq/samvad-feed-ingester/internal/logger"
	"github.com/samvad-hq/samvad-feed-ingester/pkg/feeds"
)

// ExtraExcerpt is the extra metadata key holding a plain-text body excerpt.
const ExtraExcerpt = "excerpt"

const excerptRunes = 200

// CategoryResolver ensures a category exists and returns its id.
type CategoryResolver interface {
	ResolveOrCreateCategory(ctx context.Context, slug string) (uint64, error)
}

// Normalizer maps dialect items onto NormalizedItem.
type Normalizer struct {
	categories CategoryResolver
	policy     *bluemonday.Policy
	log        logger.Logger
}

// NewNormalizer builds a normalizer; categories may be nil to skip the category ensure step.
func NewNormalizer(categories CategoryResolver, log logger.Logger) *Normalizer {
	return &Normalizer{
		categories: categories,
		policy:     bluemonday.UGCPolicy(),
		log:        logger.Ensure(log),
	}
}

// Normalize never fails: missing optional fields stay empty.
func (n *Normalizer) Normalize(ctx context.Context, src feeds.Source, dialect feeds.Dialect, it feeds.Item) domain.NormalizedItem {
	extra := make(map[string]string, len(it.Extra)+1)
	for k, v := range it.Extra {
		extra[k] = v
	}

	body := strings.TrimSpace(n.policy.Sanitize(it.Body))
	doc := parseFragment(body)
	imageURL := it.ImageURL
	if imageURL == "" {
		imageURL = firstImage(doc)
	}
	if excerpt := excerpt(doc); excerpt != "" {
		extra[ExtraExcerpt] = excerpt
	}

	item := domain.NormalizedItem{
		SourceID:     src.ID,
		ReferenceID:  strings.TrimSpace(it.Link),
		LastUpdated:  it.LastUpdated,
		Title:        it.Title,
		Body:         body,
		AuthorSlug:   firstNonEmpty(src.Author, dialect.DefaultAuthorSlug()),
		PublishedAt:  it.PublishedAt,
		CategorySlug: firstNonEmpty(src.Category, dialect.DefaultCategorySlug()),
		ImageURL:     imageURL,
		Extra:        extra,
	}
	n.ensureCategory(ctx, item.CategorySlug)
	return item
}

// NormalizeAll maps a parsed batch in feed order.
func (n *Normalizer) NormalizeAll(ctx context.Context, src feeds.Source, dialect feeds.Dialect, items []feeds.Item) []domain.NormalizedItem {
	out := make([]domain.NormalizedItem, 0, len(items))
	for _, it := range items {
		out = append(out, n.Normalize(ctx, src, dialect, it))
	}
	return out
}

func (n *Normalizer) ensureCategory(ctx context.Context, slug string) {
	if n.categories == nil || slug == "" {
		return
	}
	if _, err := n.categories.ResolveOrCreateCategory(ctx, slug); err != nil {
		n.log.WarnObj("category ensure failed", "category_error", map[string]any{
			"slug":  slug,
			"error": err.Error(),
		})
	}
}

func parseFragment(body string) *goquery.Document {
	if strings.TrimSpace(body) == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil
	}
	return doc
}

func firstImage(doc *goquery.Document) string {
	if doc == nil {
		return ""
	}
	src, _ := doc.Find("img[src]").First().Attr("src")
	src = strings.TrimSpace(src)
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return src
	}
	return ""
}

func excerpt(doc *goquery.Document) string {
	if doc == nil {
		return ""
	}
	text := strings.Join(strings.Fields(doc.Text()), " ")
	if utf8.RuneCountInString(text) <= excerptRunes {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:excerptRunes])) + "…"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

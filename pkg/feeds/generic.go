package feeds

import "strings"

// genericDialect reads the PR-Times style feed: an RSS 1.0 (RDF) document whose
// items sit next to the channel, dated with Dublin Core and carrying bare
// LastBuildDate and image elements per item. Plain RSS 2.0 nesting is accepted too.
type genericDialect struct{}

type genericDoc struct {
	Channel genericChannel `xml:"channel"`
	Items   []genericItem  `xml:"item"`
}

type genericChannel struct {
	Date  string        `xml:"http://purl.org/dc/elements/1.1/ date"`
	Items []genericItem `xml:"item"`
}

type genericItem struct {
	Title         string `xml:"title"`
	Link          string `xml:"link"`
	Description   string `xml:"description"`
	Date          string `xml:"http://purl.org/dc/elements/1.1/ date"`
	Encoded       string `xml:"http://purl.org/rss/1.0/modules/content/ encoded"`
	LastBuildDate string `xml:"LastBuildDate"`
	Image         string `xml:"image"`
}

func (genericDialect) Name() string                { return DialectGeneric }
func (genericDialect) DefaultAuthorSlug() string   { return "prtimes" }
func (genericDialect) DefaultCategorySlug() string { return "prtimes" }

func (genericDialect) Parse(raw []byte) (Channel, []Item, error) {
	var doc genericDoc
	if err := decodeXML(raw, &doc); err != nil {
		return Channel{}, nil, err
	}

	// the channel marker is compared verbatim, it is never normalized.
	channel := Channel{Marker: strings.TrimSpace(doc.Channel.Date)}

	entries := append(doc.Items, doc.Channel.Items...)
	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		items = append(items, Item{
			Title:       strings.TrimSpace(e.Title),
			Link:        strings.TrimSpace(e.Link),
			Body:        firstNonEmpty(e.Encoded, e.Description),
			LastUpdated: strings.TrimSpace(e.LastBuildDate),
			PublishedAt: parseTime(e.Date),
			ImageURL:    strings.TrimSpace(e.Image),
			Extra:       map[string]string{},
		})
	}
	return channel, items, nil
}

package feeds

import "strings"

// PressEventsNamespace is the XML namespace of the video/press-events RSS extension.
const PressEventsNamespace = "https://prtimes.jp/tv/rss/1.0/"

// Extra metadata keys filled by the press-events dialect.
const (
	ExtraYouTubeURL = "youtube_url"
	ExtraDuration   = "duration"
	ExtraResolution = "resolution"
)

// pressEventsDialect reads RSS 2.0 with the press-events video extension.
// Extension elements are matched by namespace URI, whatever prefix the feed declares.
type pressEventsDialect struct{}

type pressEventsDoc struct {
	Channel struct {
		LastBuildDate string            `xml:"lastBuildDate"`
		Items         []pressEventsItem `xml:"item"`
	} `xml:"channel"`
}

type pressEventsItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	Encoded     string `xml:"http://purl.org/rss/1.0/modules/content/ encoded"`
	PubDate     string `xml:"pubDate"`
	DCDate      string `xml:"http://purl.org/dc/elements/1.1/ date"`
	CreatedDate string `xml:"https://prtimes.jp/tv/rss/1.0/ createdDate"`
	Thumbnail   string `xml:"https://prtimes.jp/tv/rss/1.0/ thumbnail"`
	YouTube     string `xml:"https://prtimes.jp/tv/rss/1.0/ youtube"`
	Duration    string `xml:"https://prtimes.jp/tv/rss/1.0/ duration"`
	Resolution  string `xml:"https://prtimes.jp/tv/rss/1.0/ resolution"`
}

func (pressEventsDialect) Name() string                { return DialectPressEvents }
func (pressEventsDialect) DefaultAuthorSlug() string   { return "pressevents" }
func (pressEventsDialect) DefaultCategorySlug() string { return "press-events" }

func (d pressEventsDialect) Parse(raw []byte) (Channel, []Item, error) {
	var doc pressEventsDoc
	if err := decodeXML(raw, &doc); err != nil {
		return Channel{}, nil, err
	}

	channel := Channel{Marker: unixMarker(doc.Channel.LastBuildDate)}

	items := make([]Item, 0, len(doc.Channel.Items))
	for _, e := range doc.Channel.Items {
		updated := parseTime(firstNonEmpty(e.PubDate, e.DCDate))
		published := parseTime(e.CreatedDate)
		if published.IsZero() {
			published = updated
		}

		items = append(items, Item{
			Title:       strings.TrimSpace(e.Title),
			Link:        strings.TrimSpace(e.Link),
			Body:        firstNonEmpty(e.Encoded, e.Description),
			LastUpdated: formatItemDate(updated),
			PublishedAt: published,
			ImageURL:    strings.TrimSpace(e.Thumbnail),
			Extra:       d.extractExtraMetadata(e),
		})
	}
	return channel, items, nil
}

func (pressEventsDialect) extractExtraMetadata(e pressEventsItem) map[string]string {
	extra := make(map[string]string, 3)
	setExtra(extra, ExtraYouTubeURL, e.YouTube)
	setExtra(extra, ExtraDuration, e.Duration)
	setExtra(extra, ExtraResolution, e.Resolution)
	return extra
}

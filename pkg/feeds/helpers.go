package feeds

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"golang.org/x/net/html/charset"
)

// itemDateLayout is the stamp layout used for item last-updated values.
const itemDateLayout = "2006-01-02 15:04:05"

const (
	nsDublinCore = "http://purl.org/dc/elements/1.1/"
	nsContent    = "http://purl.org/rss/1.0/modules/content/"
)

func responseSnippet(body []byte) string {
	const maxLen = 512
	s := strings.TrimSpace(string(body))
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	if s == "" {
		return "<empty>"
	}
	return s
}

// decodeXML unmarshals a feed document, accepting non UTF-8 charsets and HTML entities.
func decodeXML(raw []byte, v any) error {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.CharsetReader = charset.NewReaderLabel
	dec.Entity = xml.HTMLEntity
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: no root element", ErrMalformed)
		}
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// parseTime parses the many date shapes found in feeds; zero time when unparseable.
func parseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	t, err := dateparse.ParseIn(raw, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// unixMarker turns a channel date into a unix-seconds marker so cosmetic
// reformatting of the same instant does not count as a change. Unparseable
// values are kept verbatim.
func unixMarker(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if t := parseTime(raw); !t.IsZero() {
		return strconv.FormatInt(t.Unix(), 10)
	}
	return raw
}

func formatItemDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(itemDateLayout)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// setExtra stores a non-empty value; missing optional fields stay absent.
func setExtra(extra map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		extra[key] = v
	}
}

package feeds

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Source identifies one feed to poll. Sources are loaded once at start and
// treated as immutable for the rest of the run.
type Source struct {
	ID       string         `json:"id" yaml:"id"`
	Dialect  string         `json:"dialect" yaml:"dialect"`
	URL      string         `json:"url" yaml:"url"`
	Enabled  *bool          `json:"enabled" yaml:"enabled"`
	Category string         `json:"category" yaml:"category"`
	Author   string         `json:"author" yaml:"author"`
	Config   map[string]any `json:"config" yaml:"config"`
}

// EnabledValue returns the enabled flag; feeds are opt-in and default to disabled.
func (s Source) EnabledValue() bool {
	if s.Enabled == nil {
		return false
	}
	return *s.Enabled
}

type sourcesFile struct {
	Feeds []Source `json:"feeds" yaml:"feeds"`
}

// Registry holds the feed sources declared in the feeds file.
type Registry struct {
	mu      sync.RWMutex
	sources []Source
	idx     map[string]Source
}

// LoadRegistry loads feed sources from a YAML/JSON file.
func LoadRegistry(path string) (*Registry, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("feeds file path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open feeds file: %w", err)
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read feeds file: %w", err)
	}

	parsed, err := parseSources(raw, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return NewRegistry(parsed.Feeds)
}

// NewRegistry validates the given sources and indexes them by id.
func NewRegistry(sources []Source) (*Registry, error) {
	reg := &Registry{
		sources: make([]Source, 0, len(sources)),
		idx:     make(map[string]Source, len(sources)),
	}
	for i := range sources {
		src := sanitizeSource(sources[i])
		if err := validateSource(src); err != nil {
			return nil, fmt.Errorf("feeds[%d]: %w", i, err)
		}
		if _, exists := reg.idx[src.ID]; exists {
			return nil, fmt.Errorf("duplicate feed id %q", src.ID)
		}
		reg.sources = append(reg.sources, src)
		reg.idx[src.ID] = src
	}
	return reg, nil
}

func parseSources(data []byte, ext string) (sourcesFile, error) {
	ext = strings.ToLower(strings.TrimSpace(ext))

	decoders := []struct {
		name string
		ext  string
		fn   func([]byte, any) error
	}{
		{name: "yaml", ext: ".yaml", fn: yaml.Unmarshal},
		{name: "yaml", ext: ".yml", fn: yaml.Unmarshal},
		{name: "json", ext: ".json", fn: json.Unmarshal},
	}

	for _, d := range decoders {
		if ext != "" && ext != d.ext {
			continue
		}
		var out sourcesFile
		if err := d.fn(data, &out); err == nil {
			return out, nil
		}
	}

	return sourcesFile{}, errors.New("feeds file format not recognized (expected YAML or JSON)")
}

func sanitizeSource(s Source) Source {
	s.ID = strings.TrimSpace(s.ID)
	s.Dialect = strings.ToLower(strings.TrimSpace(s.Dialect))
	s.URL = strings.TrimSpace(s.URL)
	s.Category = strings.TrimSpace(s.Category)
	s.Author = strings.TrimSpace(s.Author)
	if s.ID == "" {
		s.ID = s.Dialect
	}
	if s.Config == nil {
		s.Config = map[string]any{}
	}
	return s
}

func validateSource(s Source) error {
	if s.ID == "" {
		return errors.New("id or dialect is required")
	}
	if _, err := DialectFor(s.Dialect); err != nil {
		return fmt.Errorf("feed %q: %w", s.ID, err)
	}
	if s.EnabledValue() && s.URL == "" {
		return fmt.Errorf("url is required for enabled feed %q", s.ID)
	}
	return nil
}

// ByID returns the source with the given id.
func (r *Registry) ByID(id string) (Source, bool) {
	if r == nil {
		return Source{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.idx[strings.TrimSpace(id)]
	return s, ok
}

// All returns every declared source.
func (r *Registry) All() []Source {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, len(r.sources))
	copy(out, r.sources)
	return out
}

// Enabled returns the sources that should be polled.
func (r *Registry) Enabled() []Source {
	var out []Source
	for _, s := range r.All() {
		if s.EnabledValue() {
			out = append(out, s)
		}
	}
	return out
}

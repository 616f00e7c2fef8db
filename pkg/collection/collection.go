// Package collection holds per-collection ingest settings loaded from YAML.
package collection

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"
)

// Source kinds a collection accepts.
const (
	SourceObjectStore = "s3"
	SourceURL         = "url"
)

// DefaultSuffix is the object key suffix listed when a collection sets none.
const DefaultSuffix = ".ndjson"

// Collection describes how one catalog collection is ingested.
type Collection struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description,omitempty"`

	// ItemFile is the local fixture file holding the collection's items.
	ItemFile string `yaml:"item_file,omitempty"`

	// Suffix filters listed object keys.
	Suffix string `yaml:"suffix,omitempty"`

	// FilenameRegex must match the key's basename without extensions.
	FilenameRegex string `yaml:"filename_regex,omitempty"`

	// Sources lists the accepted request forms; empty accepts both.
	Sources []string `yaml:"sources,omitempty"`

	pattern *regexp.Regexp
}

// Pattern returns the compiled filename regex, or nil.
func (c *Collection) Pattern() *regexp.Regexp {
	return c.pattern
}

// KeySuffix returns the configured suffix or DefaultSuffix.
func (c *Collection) KeySuffix() string {
	if c.Suffix == "" {
		return DefaultSuffix
	}
	return c.Suffix
}

// Accepts reports whether the collection can be ingested from the given source kind.
func (c *Collection) Accepts(kind string) bool {
	return len(c.Sources) == 0 || slices.Contains(c.Sources, kind)
}

func (c *Collection) compile() error {
	if c.ID == "" {
		return fmt.Errorf("collection without id")
	}
	for _, s := range c.Sources {
		if s != SourceObjectStore && s != SourceURL {
			return fmt.Errorf("collection %s: unknown source %q", c.ID, s)
		}
	}
	if c.FilenameRegex != "" {
		re, err := regexp.Compile(c.FilenameRegex)
		if err != nil {
			return fmt.Errorf("collection %s: filename_regex: %w", c.ID, err)
		}
		c.pattern = re
	}
	return nil
}

// Registry is an immutable set of collections keyed by id.
type Registry struct {
	byID map[string]*Collection
}

type file struct {
	Collections []*Collection `yaml:"collections"`
}

// Parse builds a Registry from YAML.
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse collections: %w", err)
	}
	return newRegistry(f.Collections)
}

// Load reads a Registry from a YAML file. An empty path returns Default().
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read collections: %w", err)
	}
	return Parse(data)
}

func newRegistry(cols []*Collection) (*Registry, error) {
	r := &Registry{byID: make(map[string]*Collection, len(cols))}
	for _, c := range cols {
		if err := c.compile(); err != nil {
			return nil, err
		}
		if _, dup := r.byID[c.ID]; dup {
			return nil, fmt.Errorf("duplicate collection %s", c.ID)
		}
		r.byID[c.ID] = c
	}
	return r, nil
}

// Default returns the built-in ITS_LIVE collections.
func Default() *Registry {
	r, err := newRegistry([]*Collection{
		{
			ID:            "itslive-cubes",
			Description:   "Cloud optimized Zarr cubes with datacube extensions",
			ItemFile:      "cube-items.json",
			Suffix:        DefaultSuffix,
			FilenameRegex: `^\d{4}$`,
			Sources:       []string{SourceObjectStore},
		},
		{
			ID:            "velocity-mosaics",
			Description:   "Regional glacier velocity mosaics (annual and static)",
			ItemFile:      "velocity-mosaics-items.json",
			Suffix:        DefaultSuffix,
			FilenameRegex: `^\d{4}$`,
			Sources:       []string{SourceObjectStore},
		},
		{
			ID:          "velocity-granules",
			Description: "Individual Landsat image-pair velocities",
			ItemFile:    "granule-items.json",
			Sources:     []string{SourceURL},
		},
	})
	if err != nil {
		panic(err)
	}
	return r
}

// Get returns the collection with the given id.
func (r *Registry) Get(id string) (*Collection, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// ByItemFile finds the collection whose fixture file is named name.
func (r *Registry) ByItemFile(name string) (*Collection, bool) {
	for _, c := range r.byID {
		if c.ItemFile != "" && c.ItemFile == name {
			return c, true
		}
	}
	return nil, false
}

// IDs returns all collection ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

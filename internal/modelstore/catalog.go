package modelstore

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/boostserve/internal/pipeline"
)

// Entry is the catalog record of one stored artifact.
type Entry struct {
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Path      string    `json:"path"`
	URI       string    `json:"uri,omitempty"`
	Checksum  string    `json:"checksum,omitempty"`
	TrainedAt time.Time `json:"trained_at,omitempty"`
}

// Tag renders the entry identifier as name:version.
func (e Entry) Tag() string {
	return Tag(e.Name, e.Version)
}

// Catalog indexes artifact versions. Reserve and Record are called by Store
// under its write lock.
type Catalog interface {
	// Reserve returns the next unused version for name.
	Reserve(ctx context.Context, name string) (int, error)
	// Record registers an artifact whose blob has been written.
	Record(ctx context.Context, entry Entry) error
	// Lookup resolves name and version; version Latest selects the highest.
	Lookup(ctx context.Context, name string, version int) (Entry, error)
	// List returns every entry ordered by name then version.
	List(ctx context.Context) ([]Entry, error)
}

// BlobCatalog derives the catalog from object paths in the blob store, so
// written blobs are their own record.
type BlobCatalog struct {
	blobs  pipeline.BlobStore
	prefix string
}

// NewBlobCatalog constructs a catalog that lists objects under prefix.
func NewBlobCatalog(blobs pipeline.BlobStore, prefix string) *BlobCatalog {
	return &BlobCatalog{blobs: blobs, prefix: strings.Trim(prefix, "/")}
}

// Reserve returns the highest listed version plus one.
func (c *BlobCatalog) Reserve(ctx context.Context, name string) (int, error) {
	entries, err := c.versions(ctx, name)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 1, nil
	}
	return entries[len(entries)-1].Version + 1, nil
}

// Record is a no-op; the blob itself is the record.
func (c *BlobCatalog) Record(context.Context, Entry) error {
	return nil
}

// Lookup resolves a version by listing the name's objects.
func (c *BlobCatalog) Lookup(ctx context.Context, name string, version int) (Entry, error) {
	entries, err := c.versions(ctx, name)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) > 0 && version == Latest {
		return entries[len(entries)-1], nil
	}
	for _, e := range entries {
		if e.Version == version {
			return e, nil
		}
	}
	return Entry{}, &pipeline.ModelNotFoundError{Identifier: identifier(name, version)}
}

// List returns every stored artifact.
func (c *BlobCatalog) List(ctx context.Context) ([]Entry, error) {
	return c.list(ctx, c.root())
}

func (c *BlobCatalog) versions(ctx context.Context, name string) ([]Entry, error) {
	entries, err := c.list(ctx, c.root()+name+"/")
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out, nil
}

func (c *BlobCatalog) list(ctx context.Context, prefix string) ([]Entry, error) {
	paths, err := c.blobs.ListObjects(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	var entries []Entry
	for _, p := range paths {
		if e, ok := c.parse(p); ok {
			entries = append(entries, e)
		}
	}
	sortEntries(entries)
	return entries, nil
}

func (c *BlobCatalog) root() string {
	if c.prefix == "" {
		return ""
	}
	return c.prefix + "/"
}

// parse accepts <prefix>/<name>/<version>.json.
func (c *BlobCatalog) parse(p string) (Entry, bool) {
	rel, ok := strings.CutPrefix(p, c.root())
	if !ok {
		return Entry{}, false
	}
	name, file, ok := strings.Cut(rel, "/")
	if !ok || strings.Contains(file, "/") || ValidateName(name) != nil {
		return Entry{}, false
	}
	ver, ok := strings.CutSuffix(file, ".json")
	if !ok {
		return Entry{}, false
	}
	n, err := strconv.Atoi(ver)
	if err != nil || n <= 0 {
		return Entry{}, false
	}
	return Entry{Name: name, Version: n, Path: p}, true
}

func objectPath(prefix, name string, version int) string {
	return path.Join(strings.Trim(prefix, "/"), name, strconv.Itoa(version)+".json")
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].Version < entries[j].Version
	})
}

func identifier(name string, version int) string {
	if version == Latest {
		return name + ":latest"
	}
	return Tag(name, version)
}

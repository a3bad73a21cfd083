package modelstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/boostserve/internal/booster"
	"github.com/JakeFAU/boostserve/internal/features"
	"github.com/JakeFAU/boostserve/internal/hash/sha256"
	"github.com/JakeFAU/boostserve/internal/pipeline"
	"github.com/JakeFAU/boostserve/internal/storage"
)

// DefaultPrefix is the blob path prefix used when Config.Prefix is empty.
const DefaultPrefix = "models"

// Hasher produces the artifact checksum.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Config controls where artifacts are written.
type Config struct {
	Prefix string
}

// Store saves and loads artifacts. Saves are serialized so version numbers
// are allocated without gaps or duplicates within one process.
type Store struct {
	blobs   pipeline.BlobStore
	catalog Catalog
	hasher  Hasher
	prefix  string
	logger  *zap.Logger
	now     func() time.Time

	mu sync.Mutex
}

// New builds a Store. A nil catalog falls back to a BlobCatalog over blobs.
func New(blobs pipeline.BlobStore, catalog Catalog, cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if catalog == nil {
		catalog = NewBlobCatalog(blobs, prefix)
	}
	return &Store{
		blobs:   blobs,
		catalog: catalog,
		hasher:  sha256.New(),
		prefix:  prefix,
		logger:  logger.Named("modelstore"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// payload is the checksummed part of an artifact.
type payload struct {
	Columns    []string             `json:"columns"`
	Vectorizer *features.Vectorizer `json:"vectorizer,omitempty"`
	Model      *booster.Model       `json:"model"`
}

func (s *Store) checksum(a Artifact) (string, error) {
	data, err := json.Marshal(payload{Columns: a.Columns, Vectorizer: a.Vectorizer, Model: a.Model})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	sum, err := s.hasher.Hash(data)
	if err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}
	return sum, nil
}

// Save stores a under name as a new version and returns the stored artifact
// with Name, Version, TrainedAt and Checksum filled in.
func (s *Store) Save(ctx context.Context, name string, a Artifact) (Artifact, error) {
	if err := ValidateName(name); err != nil {
		return Artifact{}, err
	}
	if a.Model == nil {
		return Artifact{}, fmt.Errorf("save %s: artifact has no model", name)
	}
	sum, err := s.checksum(a)
	if err != nil {
		return Artifact{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	version, err := s.catalog.Reserve(ctx, name)
	if err != nil {
		return Artifact{}, fmt.Errorf("reserve version for %s: %w", name, err)
	}
	a.Name = name
	a.Version = version
	a.Checksum = sum
	if a.TrainedAt.IsZero() {
		a.TrainedAt = s.now()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return Artifact{}, fmt.Errorf("marshal artifact: %w", err)
	}
	p := objectPath(s.prefix, name, version)
	uri, err := s.blobs.PutObject(ctx, p, "application/json", bytes.NewReader(data))
	if err != nil {
		return Artifact{}, fmt.Errorf("write artifact %s: %w", a.Tag(), err)
	}
	entry := Entry{Name: name, Version: version, Path: p, URI: uri, Checksum: sum, TrainedAt: a.TrainedAt}
	if err := s.catalog.Record(ctx, entry); err != nil {
		return Artifact{}, fmt.Errorf("record artifact %s: %w", a.Tag(), err)
	}
	s.logger.Info("model saved",
		zap.String("model", a.Tag()),
		zap.String("uri", uri),
		zap.Int("features", len(a.Columns)),
	)
	return a, nil
}

// Load reads and verifies an artifact. Version Latest selects the newest.
func (s *Store) Load(ctx context.Context, name string, version int) (Artifact, error) {
	if err := ValidateName(name); err != nil {
		return Artifact{}, err
	}
	entry, err := s.catalog.Lookup(ctx, name, version)
	if err != nil {
		return Artifact{}, err
	}
	p := entry.Path
	if p == "" {
		p = objectPath(s.prefix, entry.Name, entry.Version)
	}
	data, err := s.blobs.GetObject(ctx, p)
	if errors.Is(err, storage.ErrNotFound) {
		return Artifact{}, &pipeline.ModelNotFoundError{Identifier: entry.Tag()}
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("read artifact %s: %w", entry.Tag(), err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return Artifact{}, fmt.Errorf("decode artifact %s: %w", entry.Tag(), err)
	}
	if a.Model == nil {
		return Artifact{}, fmt.Errorf("artifact %s has no model", entry.Tag())
	}
	sum, err := s.checksum(a)
	if err != nil {
		return Artifact{}, err
	}
	if sum != a.Checksum || (entry.Checksum != "" && sum != entry.Checksum) {
		return Artifact{}, fmt.Errorf("artifact %s failed checksum verification", entry.Tag())
	}
	return a, nil
}

// List returns every catalogued artifact.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	entries, err := s.catalog.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return entries, nil
}

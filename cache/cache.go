// Package cache provides the persistent content-addressed store that maps
// logical keys (base-image references, dependency hashes) to verified layer
// artifacts and image configs.
//
// The on-disk index is the sole source of truth and is rewritten after every
// mutation. The cache is exclusively owned by one build at a time; callers
// running concurrent builds against a shared cache directory must serialize
// access per logical key themselves.
package cache

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	oerrors "github.com/spacejar/pyoci/internal/errors"
	"github.com/spacejar/pyoci/layers"
	"github.com/spacejar/pyoci/manifest"
)

// LayerKind labels what produced a cached layer.
type LayerKind string

const (
	KindVirtualEnv   LayerKind = "virtualenv"
	KindDependencies LayerKind = "dependencies"
	KindApplication  LayerKind = "application"
)

// LayerMetadata describes the provenance of a cached layer.
type LayerMetadata struct {
	Kind              LayerKind `json:"layer_kind"`
	SourceHash        string    `json:"source_hash"`
	DependencyDigests []string  `json:"dependency_digests,omitempty"`
}

// LayerEntry is one index record pointing at a stored layer artifact.
type LayerEntry struct {
	// LayerDigest is the digest of the layer blob itself.
	LayerDigest digest.Digest `json:"layer_digest"`
	// ContentDigest is the digest of the serialized artifact file; reads
	// verify the file against it before deserializing.
	ContentDigest digest.Digest `json:"content_digest"`
	Path          string        `json:"path"`
	Timestamp     time.Time     `json:"timestamp"`
	Metadata      LayerMetadata `json:"metadata"`
}

// ConfigEntry is one index record pointing at a stored image config.
type ConfigEntry struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

type indexFile struct {
	Layers       map[string]*LayerEntry  `json:"layers"`
	Configs      map[string]*ConfigEntry `json:"configs"`
	Dependencies map[string]string       `json:"dependencies,omitempty"`
}

// Cache is a persistent key→artifact store with integrity verification.
type Cache struct {
	dir string
	mu  sync.Mutex
	log *logrus.Entry

	layerIndex  map[string]*LayerEntry
	configIndex map[string]*ConfigEntry
	// dependencyIndex maps a requirements-file content hash to the
	// logical key of the dependency layer built from it.
	dependencyIndex map[string]string
}

const indexName = "index.json"

// Open loads (or initializes) a cache rooted at dir.
func Open(dir string, logger *logrus.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, oerrors.Wrap(oerrors.TypeIO, "open_cache", err, "failed to create cache directory").WithResource(dir)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	c := &Cache{
		dir:             dir,
		log:             logger.WithField("component", "cache"),
		layerIndex:      make(map[string]*LayerEntry),
		configIndex:     make(map[string]*ConfigEntry),
		dependencyIndex: make(map[string]string),
	}

	indexPath := filepath.Join(dir, indexName)
	data, err := os.ReadFile(indexPath)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, oerrors.Wrap(oerrors.TypeIO, "open_cache", err, "failed to read cache index").WithResource(indexPath)
	}

	var index indexFile
	if err := json.Unmarshal(data, &index); err != nil {
		// A corrupt index degrades to an empty cache rather than a
		// hard failure; the next store rewrites it.
		c.log.WithError(err).Warn("cache index is corrupt, starting empty")
		return c, nil
	}

	if index.Layers != nil {
		c.layerIndex = index.Layers
	}
	if index.Configs != nil {
		c.configIndex = index.Configs
	}
	if index.Dependencies != nil {
		c.dependencyIndex = index.Dependencies
	}

	return c, nil
}

// GetLayer looks up a layer by logical key. A missing file, a digest
// mismatch, or a corrupt artifact all degrade to a miss, never an error.
func (c *Cache) GetLayer(key string) (*layers.Layer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.layerIndex[key]
	if !ok {
		return nil, false
	}

	data, err := os.ReadFile(entry.Path)
	if err != nil {
		return nil, false
	}

	if computed := digest.FromBytes(data); computed != entry.ContentDigest {
		c.log.WithFields(logrus.Fields{
			"key":      key,
			"expected": entry.ContentDigest,
			"actual":   computed,
		}).Debug("cached layer failed integrity check, treating as miss")
		return nil, false
	}

	var layer layers.Layer
	if err := json.Unmarshal(data, &layer); err != nil {
		return nil, false
	}

	return &layer, true
}

// StoreLayer serializes a layer to a file named by its content digest and
// records it in the index under key.
func (c *Cache) StoreLayer(key string, layer *layers.Layer, metadata LayerMetadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(layer)
	if err != nil {
		return oerrors.Wrap(oerrors.TypeIO, "store_layer", err, "failed to serialize layer").WithResource(key)
	}

	path := filepath.Join(c.dir, fmt.Sprintf("layer_%s.bin", fileSafe(layer.Digest.String())))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return oerrors.Wrap(oerrors.TypeIO, "store_layer", err, "failed to write layer artifact").WithResource(path)
	}

	c.layerIndex[key] = &LayerEntry{
		LayerDigest:   layer.Digest,
		ContentDigest: digest.FromBytes(data),
		Path:          path,
		Timestamp:     time.Now(),
		Metadata:      metadata,
	}

	return c.saveIndexLocked()
}

// GetConfig looks up an image config by logical key.
func (c *Cache) GetConfig(key string) (*manifest.ImageConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.configIndex[key]
	if !ok {
		return nil, false
	}

	data, err := os.ReadFile(entry.Path)
	if err != nil {
		return nil, false
	}

	var cfg manifest.ImageConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, false
	}

	return &cfg, true
}

// StoreConfig persists an image config under key.
func (c *Cache) StoreConfig(key string, cfg *manifest.ImageConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return oerrors.Wrap(oerrors.TypeIO, "store_config", err, "failed to serialize config").WithResource(key)
	}

	path := filepath.Join(c.dir, fmt.Sprintf("config_%s.json", fileSafe(key)))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return oerrors.Wrap(oerrors.TypeIO, "store_config", err, "failed to write config artifact").WithResource(path)
	}

	c.configIndex[key] = &ConfigEntry{
		Path:      path,
		Timestamp: time.Now(),
	}

	return c.saveIndexLocked()
}

// GetDependencyLayer looks up a cached dependency layer by the content hash
// of the given requirements file.
func (c *Cache) GetDependencyLayer(requirementsPath string) (*layers.Layer, bool) {
	content, err := os.ReadFile(requirementsPath)
	if err != nil {
		return nil, false
	}
	hash := fmt.Sprintf("sha256:%x", sha256.Sum256(content))

	c.mu.Lock()
	key, ok := c.dependencyIndex[hash]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	return c.GetLayer(key)
}

// LinkDependencies records that the dependency layer stored under key was
// built from the given requirements file.
func (c *Cache) LinkDependencies(requirementsPath, key string) error {
	content, err := os.ReadFile(requirementsPath)
	if err != nil {
		return oerrors.Wrap(oerrors.TypeIO, "link_dependencies", err, "failed to read requirements").WithResource(requirementsPath)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.dependencyIndex[fmt.Sprintf("sha256:%x", sha256.Sum256(content))] = key
	return c.saveIndexLocked()
}

// Cleanup removes index entries older than maxAge, then deletes any stored
// artifact file no longer referenced by either index. The index is rewritten
// afterwards, so a sweep never leaves a dangling reference.
func (c *Cache) Cleanup(maxAge time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	for key, entry := range c.layerIndex {
		if now.Sub(entry.Timestamp) > maxAge {
			delete(c.layerIndex, key)
		}
	}
	for key, entry := range c.configIndex {
		if now.Sub(entry.Timestamp) > maxAge {
			delete(c.configIndex, key)
		}
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return oerrors.Wrap(oerrors.TypeIO, "cleanup", err, "failed to scan cache directory").WithResource(c.dir)
	}

	for _, dirEntry := range entries {
		name := dirEntry.Name()
		path := filepath.Join(c.dir, name)

		switch {
		case strings.HasPrefix(name, "layer_") && strings.HasSuffix(name, ".bin"):
			if !c.layerReferenced(path) {
				if err := os.Remove(path); err != nil {
					return oerrors.Wrap(oerrors.TypeIO, "cleanup", err, "failed to remove orphaned layer").WithResource(path)
				}
			}
		case strings.HasPrefix(name, "config_") && strings.HasSuffix(name, ".json"):
			if !c.configReferenced(path) {
				if err := os.Remove(path); err != nil {
					return oerrors.Wrap(oerrors.TypeIO, "cleanup", err, "failed to remove orphaned config").WithResource(path)
				}
			}
		}
	}

	return c.saveIndexLocked()
}

func (c *Cache) layerReferenced(path string) bool {
	for _, entry := range c.layerIndex {
		if entry.Path == path {
			return true
		}
	}
	return false
}

func (c *Cache) configReferenced(path string) bool {
	for _, entry := range c.configIndex {
		if entry.Path == path {
			return true
		}
	}
	return false
}

// saveIndexLocked persists the index with write-to-temp-then-rename so a
// crash mid-write cannot tear it.
func (c *Cache) saveIndexLocked() error {
	index := indexFile{
		Layers:       c.layerIndex,
		Configs:      c.configIndex,
		Dependencies: c.dependencyIndex,
	}

	data, err := json.MarshalIndent(&index, "", "  ")
	if err != nil {
		return oerrors.Wrap(oerrors.TypeIO, "save_index", err, "failed to serialize index")
	}

	indexPath := filepath.Join(c.dir, indexName)
	tmpPath := indexPath + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return oerrors.Wrap(oerrors.TypeIO, "save_index", err, "failed to write index").WithResource(tmpPath)
	}
	if err := os.Rename(tmpPath, indexPath); err != nil {
		return oerrors.Wrap(oerrors.TypeIO, "save_index", err, "failed to replace index").WithResource(indexPath)
	}

	return nil
}

// fileSafe replaces the characters in logical keys and digests that cannot
// appear in a file name.
func fileSafe(s string) string {
	return strings.NewReplacer("/", "_", ":", "_").Replace(s)
}

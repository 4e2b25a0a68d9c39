// Package cache keeps fetched resources on disk for conditional revalidation.
//
// Entries are keyed by normalized URL and stored as JSON files with SHA-256
// filenames under the XDG cache directory:
//
//   - Linux: ~/.cache/envforge/resources/
//   - macOS: ~/Library/Caches/envforge/resources/
//   - Windows: %LOCALAPPDATA%\envforge\resources\
//
// The fetcher sends the stored ETag and Last-Modified values as conditional
// headers, serves the cached body on 304, and falls back to a stale entry
// when the remote stays unavailable after retries.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/afero"
)

// ErrCacheMiss is returned when a cache entry is not found.
var ErrCacheMiss = errors.New("cache miss")

// DefaultTTL is the age after which Prune removes entries.
const DefaultTTL = 7 * 24 * time.Hour

// Entry is a cached resource body with its validators.
type Entry struct {
	URL          string    `json:"url"`
	Data         []byte    `json:"data"`
	ContentType  string    `json:"content_type,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// HasValidators reports whether a conditional request can be made.
func (e *Entry) HasValidators() bool {
	return e != nil && (e.ETag != "" || e.LastModified != "")
}

// Stats contains cache statistics.
type Stats struct {
	TotalEntries int
	TotalSize    int64
}

// ResourceCache stores resources below BaseDir on an afero filesystem.
type ResourceCache struct {
	fs      afero.Fs
	BaseDir string
	now     func() time.Time
}

// Option configures a ResourceCache.
type Option func(*ResourceCache)

// WithFs sets the filesystem, mainly for tests.
func WithFs(fs afero.Fs) Option {
	return func(c *ResourceCache) {
		c.fs = fs
	}
}

// WithDir overrides the cache directory.
func WithDir(dir string) Option {
	return func(c *ResourceCache) {
		c.BaseDir = dir
	}
}

// WithClock sets the time source used for FetchedAt and Prune.
func WithClock(now func() time.Time) Option {
	return func(c *ResourceCache) {
		c.now = now
	}
}

// New creates a resource cache in the XDG cache directory for appName.
func New(appName string, opts ...Option) (*ResourceCache, error) {
	c := &ResourceCache{
		fs:      afero.NewOsFs(),
		BaseDir: Dir(appName),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.fs.MkdirAll(c.BaseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return c, nil
}

// Dir returns the resource cache directory for appName.
func Dir(appName string) string {
	return filepath.Join(xdg.CacheHome, appName, "resources")
}

// Get retrieves the entry for key.
func (c *ResourceCache) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := afero.ReadFile(c.fs, c.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to parse cache file: %w", err)
	}
	return &entry, nil
}

// Set stores entry under key. A zero FetchedAt is set to now.
func (c *ResourceCache) Set(ctx context.Context, key string, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry is nil")
	}
	stored := *entry
	if stored.URL == "" {
		stored.URL = key
	}
	if stored.FetchedAt.IsZero() {
		stored.FetchedAt = c.now()
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}

	// Bodies may have been fetched with credentials, so entries are private
	// to the user. Each writer gets its own temp file.
	target := c.path(key)
	f, err := afero.TempFile(c.fs, c.BaseDir, filepath.Base(target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	tmp := f.Name()
	_, werr := f.Write(data)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = c.fs.Chmod(tmp, 0o600)
	}
	if werr != nil {
		_ = c.fs.Remove(tmp)
		return fmt.Errorf("failed to write cache file: %w", werr)
	}
	if err := c.fs.Rename(tmp, target); err != nil {
		_ = c.fs.Remove(tmp)
		return fmt.Errorf("failed to replace cache file: %w", err)
	}
	return nil
}

// Touch refreshes FetchedAt for key after a successful revalidation.
func (c *ResourceCache) Touch(ctx context.Context, key string) error {
	entry, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	entry.FetchedAt = c.now()
	return c.Set(ctx, key, entry)
}

// Invalidate removes the entry for key.
func (c *ResourceCache) Invalidate(ctx context.Context, key string) error {
	if err := c.fs.Remove(c.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cache file: %w", err)
	}
	return nil
}

// Clear removes all entries and returns how many were removed.
func (c *ResourceCache) Clear(ctx context.Context) (int, error) {
	entries, err := c.entries()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, name := range entries {
		path := filepath.Join(c.BaseDir, name)
		if err := c.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("failed to remove cache file %s: %w", name, err)
		}
		removed++
	}
	return removed, nil
}

// Prune removes entries older than ttl. A zero ttl uses DefaultTTL.
// Unreadable entries are removed as well.
func (c *ResourceCache) Prune(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl == 0 {
		ttl = DefaultTTL
	}

	entries, err := c.entries()
	if err != nil {
		return 0, err
	}

	now := c.now()
	pruned := 0
	for _, name := range entries {
		path := filepath.Join(c.BaseDir, name)

		data, err := afero.ReadFile(c.fs, path)
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err == nil && now.Sub(entry.FetchedAt) < ttl {
			continue
		}
		if err := c.fs.Remove(path); err == nil {
			pruned++
		}
	}
	return pruned, nil
}

// Stats returns cache statistics.
func (c *ResourceCache) Stats(ctx context.Context) (*Stats, error) {
	entries, err := c.entries()
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	for _, name := range entries {
		info, err := c.fs.Stat(filepath.Join(c.BaseDir, name))
		if err != nil {
			continue
		}
		stats.TotalEntries++
		stats.TotalSize += info.Size()
	}
	return stats, nil
}

func (c *ResourceCache) entries() ([]string, error) {
	infos, err := afero.ReadDir(c.fs, c.BaseDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}

	var names []string
	for _, info := range infos {
		if !info.IsDir() && filepath.Ext(info.Name()) == ".json" {
			names = append(names, info.Name())
		}
	}
	return names, nil
}

func (c *ResourceCache) path(key string) string {
	hash := sha256.Sum256([]byte(key))
	return filepath.Join(c.BaseDir, hex.EncodeToString(hash[:])+".json")
}

package fetch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Validators holds the revalidation state last observed for a source URL.
type Validators struct {
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	SavedAs      string    `json:"saved_as,omitempty"`
	SavedAt      time.Time `json:"saved_at,omitempty"`
}

// ValidatorCache stores per-URL entity-tag and last-modified validators.
// It is safe for concurrent use; when a path is configured the state is
// persisted as JSON and survives restarts.
type ValidatorCache struct {
	mu      sync.Mutex
	path    string
	entries map[string]Validators
	loaded  bool
}

// NewValidatorCache creates a cache backed by the given file. An empty
// path keeps the cache in memory only.
func NewValidatorCache(path string) *ValidatorCache {
	return &ValidatorCache{path: path, entries: map[string]Validators{}}
}

// Get returns the validators last stored for url.
func (c *ValidatorCache) Get(url string) (Validators, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load()
	v, ok := c.entries[url]
	return v, ok
}

// Set records fresh validators for url. The on-disk state is replaced
// atomically so a crash mid-write leaves the previous state intact.
func (c *ValidatorCache) Set(url string, v Validators) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load()
	c.entries[url] = v
	return c.persist()
}

// load reads the cache file once. Unreadable or corrupt state is treated
// as empty: the worst case is one redundant full fetch.
func (c *ValidatorCache) load() {
	if c.loaded || c.path == "" {
		c.loaded = true
		return
	}
	c.loaded = true
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	var entries map[string]Validators
	if err := json.Unmarshal(raw, &entries); err != nil {
		return
	}
	c.entries = entries
}

func (c *ValidatorCache) persist() error {
	if c.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	raw, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace cache: %w", err)
	}
	return nil
}

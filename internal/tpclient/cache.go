package tpclient

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// Cache is a JSON file mapping ELF content hashes to "already succeeded"
// markers, letting repeated CI runs skip ELFs that already passed without
// re-flashing and re-running them on a shared probe farm. Not grounded in
// client.rs (the original has no such cache); see DESIGN.md.
type Cache struct {
	path   string
	Passed map[string]bool `json:"passed"`
	dirty  bool
}

// LoadCache reads the cache file at path, treating a missing file as an
// empty cache. An empty path disables caching: every method becomes a no-op
// and Save does nothing.
func LoadCache(path string) (*Cache, error) {
	c := &Cache{path: path, Passed: map[string]bool{}}
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("read cache %s: %w", path, err)
	}

	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decode cache %s: %w", path, err)
	}
	if c.Passed == nil {
		c.Passed = map[string]bool{}
	}
	return c, nil
}

// Save writes the cache back to its file if anything changed since it was
// loaded. It is a no-op for a cache with no path.
func (c *Cache) Save() error {
	if c.path == "" || !c.dirty {
		return nil
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return fmt.Errorf("write cache %s: %w", c.path, err)
	}
	return nil
}

// hashELF returns the hex SHA-256 digest of an ELF's raw bytes, used as the
// cache key.
func hashELF(elf []byte) string {
	sum := sha256.Sum256(elf)
	return hex.EncodeToString(sum[:])
}

// Passed reports whether this job's ELF has already succeeded against this
// job's target, per a previous run recorded in the cache.
func (c *Cache) HasPassed(job Job) bool {
	return c.Passed[c.key(job)]
}

// MarkPassed records that job succeeded, to be persisted on the next Save.
func (c *Cache) MarkPassed(job Job) {
	key := c.key(job)
	if c.Passed[key] {
		return
	}
	c.Passed[key] = true
	c.dirty = true
}

func (c *Cache) key(job Job) string {
	return job.Target + ":" + hashELF(job.Elf)
}

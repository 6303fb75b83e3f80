// Package dedup suppresses resubmission of identical payloads within a short
// window.
package dedup

import (
	"sync"
	"time"
)

const (
	defaultWindow     = 5 * time.Second
	defaultRetention  = 5 * time.Minute
	defaultMaxEntries = 1000
)

// Config tunes the cache.
//   - Window: how long a registered hash counts as a duplicate (default 5s).
//   - Retention: age past which entries are purged once the cache is over
//     MaxEntries (default 5m).
//   - MaxEntries: size threshold that triggers purging (default 1000).
type Config struct {
	Window     time.Duration
	Retention  time.Duration
	MaxEntries int
}

// Cache maps payload hashes to the time they were last seen.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]time.Time
	now     func() time.Time
}

// New builds a Cache. now defaults to time.Now.
func New(cfg Config, now func() time.Time) *Cache {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.Retention < cfg.Window {
		cfg.Retention = cfg.Window
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{cfg: cfg, entries: make(map[string]time.Time), now: now}
}

// Seen reports whether hash was registered within the window.
func (c *Cache) Seen(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.entries[hash]
	if !ok {
		return false
	}
	return c.now().Sub(last) < c.cfg.Window
}

// Register records hash as seen now.
func (c *Cache) Register(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.entries[hash] = now
	if len(c.entries) > c.cfg.MaxEntries {
		c.purgeLocked(now)
	}
}

// SeenOrRegister checks and registers in one step, returning true when hash
// is a duplicate. Duplicates do not refresh the entry.
func (c *Cache) SeenOrRegister(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if last, ok := c.entries[hash]; ok && now.Sub(last) < c.cfg.Window {
		return true
	}
	c.entries[hash] = now
	if len(c.entries) > c.cfg.MaxEntries {
		c.purgeLocked(now)
	}
	return false
}

// Len reports the number of tracked hashes.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) purgeLocked(now time.Time) {
	cutoff := now.Add(-c.cfg.Retention)
	for hash, seen := range c.entries {
		if seen.Before(cutoff) {
			delete(c.entries, hash)
		}
	}
}

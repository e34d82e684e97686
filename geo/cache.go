package geo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

const DefaultCacheTTL = 7 * 24 * time.Hour

// Cache holds records by IP for ttl and can be persisted to a JSON file.
type Cache struct {
	path    string
	ttl     time.Duration
	entries *xsync.MapOf[string, Record]
	now     func() time.Time
}

func NewCache(path string, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		path:    path,
		ttl:     ttl,
		entries: xsync.NewMapOf[string, Record](),
		now:     time.Now,
	}
}

func (c *Cache) fresh(rec Record, now time.Time) bool {
	return now.Sub(rec.Timestamp) < c.ttl
}

// Get returns the fresh record for ip. An expired record is dropped under
// the bucket lock, so a concurrent Put of a newer record survives.
func (c *Cache) Get(ip string) (*Record, bool) {
	now := c.now()
	rec, ok := c.entries.Compute(ip, func(old Record, loaded bool) (Record, bool) {
		return old, !loaded || !c.fresh(old, now)
	})
	if !ok {
		return nil, false
	}
	return &rec, true
}

func (c *Cache) Put(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = c.now()
	}
	c.entries.Store(rec.IP, rec)
}

func (c *Cache) Len() int {
	return c.entries.Size()
}

// Load reads the cache file, skipping expired entries. A missing file is
// an empty cache.
func (c *Cache) Load() error {
	if c.path == "" {
		return nil
	}
	raw, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var stored map[string]Record
	if err := json.Unmarshal(raw, &stored); err != nil {
		return fmt.Errorf("decode geo cache %s: %w", c.path, err)
	}
	now := c.now()
	for ip, rec := range stored {
		if !c.fresh(rec, now) {
			continue
		}
		rec.IP = ip
		c.entries.Store(ip, rec)
	}
	return nil
}

// Flush writes the fresh entries to the cache file through a temp file.
func (c *Cache) Flush() error {
	if c.path == "" {
		return nil
	}
	now := c.now()
	out := make(map[string]Record, c.entries.Size())
	c.entries.Range(func(ip string, rec Record) bool {
		if c.fresh(rec, now) {
			out[ip] = rec
		}
		return true
	})
	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, append(raw, '\n'), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, c.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

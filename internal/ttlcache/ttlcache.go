// Package ttlcache is the application-level cache used by the sync layer. All
// records live in one root document so a reader sees a consistent map.
package ttlcache

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"shell0/internal/clock"
	"shell0/internal/kvstore"
)

const rootKey = "cache-data"

const DefaultTTL = 5 * time.Minute

type record struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // unix ms
	Expires   int64           `json:"expires"`   // unix ms
}

type Cache struct {
	kv  *kvstore.Store
	clk clock.Clock
	ttl time.Duration

	// Serialises read-modify-write of the root document inside this process.
	// Other writers sharing the database still get last-writer-wins.
	mu sync.Mutex
}

func New(kv *kvstore.Store, clk clock.Clock, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{kv: kv, clk: clk, ttl: ttl}
}

// Set stores value for ttl; ttl <= 0 means the cache default.
func (c *Cache) Set(key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	root, err := c.load()
	if err != nil {
		return err
	}
	root[key] = record{
		Data:      data,
		Timestamp: now.UnixMilli(),
		Expires:   now.Add(ttl).UnixMilli(),
	}
	return c.kv.Put(rootKey, root)
}

// Get decodes the record for key into out. A record at or past its expiry is
// a miss and is evicted.
func (c *Cache) Get(key string, out any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	root, err := c.load()
	if err != nil {
		return false, err
	}
	rec, ok := root[key]
	if !ok {
		return false, nil
	}
	if c.clk.Now().UnixMilli() >= rec.Expires {
		delete(root, key)
		return false, c.kv.Put(rootKey, root)
	}
	if out != nil {
		if err := json.Unmarshal(rec.Data, out); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (c *Cache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	root, err := c.load()
	if err != nil {
		return err
	}
	if _, ok := root[key]; !ok {
		return nil
	}
	delete(root, key)
	return c.kv.Put(rootKey, root)
}

func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kv.Delete(rootKey)
}

// Prune evicts every expired record and reports how many went.
func (c *Cache) Prune() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	root, err := c.load()
	if err != nil {
		return 0, err
	}
	now := c.clk.Now().UnixMilli()
	n := 0
	for k, rec := range root {
		if now >= rec.Expires {
			delete(root, k)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, c.kv.Put(rootKey, root)
}

// load always re-reads the persisted root so writes start from current state.
func (c *Cache) load() (map[string]record, error) {
	root := map[string]record{}
	err := c.kv.Get(rootKey, &root)
	if errors.Is(err, kvstore.ErrNotFound) {
		return map[string]record{}, nil
	}
	if err != nil {
		return nil, err
	}
	return root, nil
}

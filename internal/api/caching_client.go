package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vilaca/arch-tester/internal/domain"
)

// CachingClient wraps a Client with caching capabilities.
// Bugs are cached individually, so overlapping fetches and searches share
// entries; recording a verdict drops the bug from the cache.
type CachingClient struct {
	client Client
	cache  *cache
	group  singleflight.Group
	logger *zap.Logger
}

// NewCachingClient creates a new caching client wrapper.
func NewCachingClient(client Client, cacheDuration time.Duration, logger *zap.Logger) *CachingClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachingClient{
		client: client,
		cache:  newCache(cacheDuration),
		logger: logger,
	}
}

// Close stops the background cache cleanup.
func (c *CachingClient) Close() {
	c.cache.stop()
}

// Whoami retrieves the current user with caching. Concurrent lookups
// share one request.
func (c *CachingClient) Whoami(ctx context.Context) (string, error) {
	key := "Whoami"

	if cached, found := c.cache.get(key); found {
		if name, ok := cached.(string); ok {
			return name, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		name, err := c.client.Whoami(ctx)
		if err != nil {
			return "", err
		}
		c.cache.set(key, name)
		return name, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// FetchBugs serves cached bugs and fetches only the missing ones.
func (c *CachingClient) FetchBugs(ctx context.Context, ids []int) (domain.BugMap, error) {
	result := make(domain.BugMap, len(ids))
	var missing []int

	for _, id := range ids {
		if cached, found := c.cache.get(bugKey(id)); found {
			if bug, ok := cached.(domain.Bug); ok {
				result[id] = bug.Clone()
				continue
			}
		}
		missing = append(missing, id)
	}

	c.logger.Debug("Bug cache lookup",
		zap.Int("hits", len(ids)-len(missing)), zap.Int("misses", len(missing)))
	if len(missing) == 0 {
		return result, nil
	}

	fetched, err := c.client.FetchBugs(ctx, missing)
	if err != nil {
		return nil, err
	}

	for id, bug := range fetched {
		c.cache.set(bugKey(id), bug.Clone())
		result[id] = bug
	}
	return result, nil
}

// FindBugs always searches the tracker but caches the bugs found.
func (c *CachingClient) FindBugs(ctx context.Context, category domain.Category, limit int) (domain.BugMap, error) {
	found, err := c.client.FindBugs(ctx, category, limit)
	if err != nil {
		return nil, err
	}

	for id, bug := range found {
		c.cache.set(bugKey(id), bug.Clone())
	}
	return found, nil
}

// UpdateStatus forwards the update and invalidates the cached bug.
func (c *CachingClient) UpdateStatus(ctx context.Context, id int, verdict domain.SanityCheck, comment string) error {
	defer c.cache.delete(bugKey(id))
	return c.client.UpdateStatus(ctx, id, verdict, comment)
}

// LatestComment is not cached; comments are read right after being posted.
func (c *CachingClient) LatestComment(ctx context.Context, id int, author string) (string, error) {
	return c.client.LatestComment(ctx, id, author)
}

func bugKey(id int) string {
	return fmt.Sprintf("Bug:%d", id)
}

// cache implements a thread-safe TTL cache.
type cache struct {
	mu       sync.RWMutex
	entries  map[string]*cacheEntry
	duration time.Duration
	done     chan struct{}
	once     sync.Once
}

// cacheEntry holds a cached value with expiry time.
type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// newCache creates a new cache with the specified duration.
func newCache(duration time.Duration) *cache {
	c := &cache{
		entries:  make(map[string]*cacheEntry),
		duration: duration,
		done:     make(chan struct{}),
	}

	// Start cleanup goroutine
	go c.cleanup()

	return c
}

// get retrieves a value from cache.
func (c *cache) get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.entries[key]
	if !exists {
		return nil, false
	}

	// Check if entry has expired
	if time.Now().After(entry.expiresAt) {
		return nil, false
	}

	return entry.value, true
}

// set stores a value in cache with TTL.
func (c *cache) set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(c.duration),
	}
}

func (c *cache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *cache) stop() {
	c.once.Do(func() { close(c.done) })
}

// cleanup periodically removes expired entries.
func (c *cache) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

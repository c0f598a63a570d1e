// Package dedup coalesces identical in-flight chat requests and serves
// recently completed responses from a short-TTL cache, so concurrent clients
// never trigger more than one paid upstream call per fingerprint.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/BlockRunAI/ClawRouter/internal/catalog"
	"github.com/BlockRunAI/ClawRouter/internal/routing"
)

// Response is the cached upstream result. Only successful (2xx) responses are
// ever stored; error results are shared with concurrent waiters but not kept.
type Response struct {
	StatusCode int
	Body       []byte
	Model      string
}

func (r *Response) ok() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Fingerprint computes the stable request hash: canonical JSON (sorted keys)
// over the normalized model, messages, max_tokens, temperature, and seed,
// SHA-256, hex-encoded. Field order in the client body does not affect it.
func Fingerprint(req routing.ChatRequest) string {
	msgs := make([]any, len(req.Messages))
	for i, m := range req.Messages {
		var content any
		_ = json.Unmarshal(m.Content, &content)
		msgs[i] = map[string]any{"role": m.Role, "content": content}
	}
	canonical := map[string]any{
		"model":       catalog.Normalize(req.Model),
		"messages":    msgs,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
		"seed":        req.Seed,
	}
	b, _ := json.Marshal(canonical)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type entry struct {
	resp      *Response
	createdAt time.Time
}

// Cache is the dedup layer: a singleflight group for in-flight coalescing
// plus a TTL-bounded, size-limited store of completed responses.
type Cache struct {
	group singleflight.Group

	mu         sync.Mutex
	entries    map[string]*entry
	ttl        time.Duration
	maxEntries int
	stop       chan struct{}
	stopOnce   sync.Once
}

// New creates a cache whose completed entries expire after ttl. A background
// goroutine prunes expired entries every ttl/2.
func New(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if maxEntries <= 0 {
		maxEntries = 256
	}
	c := &Cache{
		entries:    make(map[string]*entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		stop:       make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Do returns the response for fingerprint fp, executing fn at most once
// across all concurrent callers. The second return value reports whether the
// response was served from cache or shared with another in-flight caller.
// A request whose context was cancelled never commits to the cache.
func (c *Cache) Do(ctx context.Context, fp string, fn func() (*Response, error)) (*Response, bool, error) {
	if resp, ok := c.get(fp); ok {
		return resp, true, nil
	}

	v, err, shared := c.group.Do(fp, func() (any, error) {
		resp, err := fn()
		if err != nil {
			return nil, err
		}
		if resp.ok() && ctx.Err() == nil {
			c.set(fp, resp)
		}
		return resp, nil
	})
	if err != nil {
		return nil, shared, err
	}
	return v.(*Response), shared, nil
}

// Stop terminates the background cleanup goroutine.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Len returns the number of completed entries currently stored.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) get(fp string) (*Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fp]
	if !ok {
		return nil, false
	}
	if time.Since(e.createdAt) > c.ttl {
		delete(c.entries, fp)
		return nil, false
	}
	return e.resp, true
}

func (c *Cache) set(fp string, resp *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[fp]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[fp] = &entry{resp: resp, createdAt: time.Now()}
}

func (c *Cache) cleanupLoop() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.prune()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, e := range c.entries {
		if now.Sub(e.createdAt) > c.ttl {
			delete(c.entries, k)
		}
	}
}

// evictOldest removes the entry with the earliest createdAt. Caller holds c.mu.
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, e := range c.entries {
		if first || e.createdAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.createdAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}

package routing

import (
	"sync"
	"time"
)

// pinKey scopes a pin to both the session and the tier profile that created
// it. A pin written under one profile is never returned for another.
type pinKey struct {
	session string
	profile string
}

type pinEntry struct {
	modelID   string
	createdAt time.Time
}

// PinStore maps (session, tier profile) to the last model that succeeded for
// that session. Entries expire after a TTL; expired entries are evicted
// lazily on Get, and the oldest entry is evicted when the store is full.
type PinStore struct {
	mu         sync.Mutex
	entries    map[pinKey]pinEntry
	ttl        time.Duration
	maxEntries int
}

// NewPinStore creates a pin store with the given TTL and size cap.
func NewPinStore(ttl time.Duration, maxEntries int) *PinStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &PinStore{
		entries:    make(map[pinKey]pinEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// Get returns the pinned model for (session, profile), if a live pin exists.
func (p *PinStore) Get(session, profile string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := pinKey{session: session, profile: profile}
	e, ok := p.entries[k]
	if !ok {
		return "", false
	}
	if time.Since(e.createdAt) > p.ttl {
		delete(p.entries, k)
		return "", false
	}
	return e.modelID, true
}

// Set records a pin. Only called after a confirmed upstream success.
func (p *PinStore) Set(session, profile, modelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := pinKey{session: session, profile: profile}
	if _, exists := p.entries[k]; !exists && len(p.entries) >= p.maxEntries {
		p.evictOldest()
	}
	p.entries[k] = pinEntry{modelID: modelID, createdAt: time.Now()}
}

// Len returns the number of stored pins, expired or not.
func (p *PinStore) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// evictOldest removes the entry with the earliest createdAt. Caller holds p.mu.
func (p *PinStore) evictOldest() {
	var oldestKey pinKey
	var oldestTime time.Time
	first := true
	for k, e := range p.entries {
		if first || e.createdAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.createdAt
			first = false
		}
	}
	if !first {
		delete(p.entries, oldestKey)
	}
}

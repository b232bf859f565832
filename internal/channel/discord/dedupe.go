package discord

import (
	"sync"
	"time"
)

// dedupe suppresses redelivered gateway events. Entries expire after the TTL
// and the map is hard-capped to bound memory.
type dedupe struct {
	mu   sync.Mutex
	ttl  time.Duration
	cap  int
	seen map[string]time.Time
}

func newDedupe(ttl time.Duration, cap int) *dedupe {
	return &dedupe{ttl: ttl, cap: cap, seen: make(map[string]time.Time)}
}

// firstSeen records the id and reports whether this is its first sighting.
func (d *dedupe) firstSeen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if t, ok := d.seen[id]; ok && now.Sub(t) < d.ttl {
		return false
	}

	if len(d.seen) >= d.cap {
		for k, t := range d.seen {
			if now.Sub(t) >= d.ttl {
				delete(d.seen, k)
			}
		}
		for len(d.seen) >= d.cap {
			for k := range d.seen {
				delete(d.seen, k)
				break
			}
		}
	}

	d.seen[id] = now
	return true
}

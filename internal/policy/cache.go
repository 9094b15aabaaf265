package policy

import (
	"strings"
	"sync"
	"time"

	"github.com/SirClappington/gatehouse/internal/domain"
)

type decision struct {
	allowed bool
	expires time.Time
}

// decisionCache holds enforcement results for a TTL. Every flush bumps the
// generation; put drops results computed under an older generation.
type decisionCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	gen     uint64
	entries map[string]decision
}

func newDecisionCache(ttl time.Duration) *decisionCache {
	return &decisionCache{ttl: ttl, now: time.Now, entries: make(map[string]decision)}
}

func cacheKey(r domain.Request) string {
	return strings.Join([]string{r.Sub, r.Obj, r.Act, r.Domain, r.Region, r.Level}, "\x00")
}

func (c *decisionCache) get(key string) (allowed, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.entries[key]
	if !ok {
		return false, false
	}
	if !c.now().Before(d.expires) {
		delete(c.entries, key)
		return false, false
	}
	return d.allowed, true
}

func (c *decisionCache) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *decisionCache) put(gen uint64, key string, allowed bool) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.entries[key] = decision{allowed: allowed, expires: c.now().Add(c.ttl)}
}

func (c *decisionCache) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	clear(c.entries)
}

// size counts live entries and evicts expired ones.
func (c *decisionCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, d := range c.entries {
		if !now.Before(d.expires) {
			delete(c.entries, k)
		}
	}
	return len(c.entries)
}

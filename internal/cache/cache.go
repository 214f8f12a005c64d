package cache

import (
	"sync"
	"time"

	"kl-core/internal/model"
)

type entryKey struct {
	security string
	interval model.Interval
}

// Cache is the registry of entries, keyed by (security, interval), plus the
// per-instrument subscription intent. Entries are created when a
// subscription starts and live for the process lifetime; a resubscription
// resets the request params but keeps the accumulated table.
type Cache struct {
	mu      sync.RWMutex
	entries map[entryKey]*Entry
	params  map[string]*model.RequestParams // by security
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[entryKey]*Entry),
		params:  make(map[string]*model.RequestParams),
	}
}

// Subscribe registers (or refreshes) the request params for an instrument
// and ensures an entry exists for each interval the request needs. Panics
// if the params name no periods at all; that is a call-site bug.
func (c *Cache) Subscribe(in model.Instrument, p model.RequestParams, window int) {
	p.Validate()
	p.RequestedAt = time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.params[in.Security] = &p
	for _, iv := range p.Intervals() {
		key := entryKey{in.Security, iv}
		if _, ok := c.entries[key]; !ok {
			c.entries[key] = NewEntry(in, iv, window)
		}
	}
}

// Params returns the current request params for a security, nil if never
// subscribed.
func (c *Cache) Params(security string) *model.RequestParams {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params[security]
}

// TouchRequest refreshes the request timestamp after a re-request has been
// issued, restarting the stall cooldown.
func (c *Cache) TouchRequest(security string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p := c.params[security]; p != nil {
		p.RequestedAt = time.Now()
	}
}

// Entry returns the entry for (security, interval), nil when absent.
func (c *Cache) Entry(security string, iv model.Interval) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[entryKey{security, iv}]
}

// Entries returns all entries. The slice is a copy; the entries are live.
func (c *Cache) Entries() []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}

// Stalled returns the securities whose subscription has produced no data
// within the cooldown since the last (re)request. The feed path re-requests
// these; upstream readiness is asynchronous, so this is routine, not an
// error.
func (c *Cache) Stalled(cooldown time.Duration, now time.Time) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for security, p := range c.params {
		if now.Sub(p.RequestedAt) < cooldown {
			continue
		}
		ready := true
		for _, iv := range p.Intervals() {
			e := c.entries[entryKey{security, iv}]
			if e == nil || !e.Ready() {
				ready = false
				break
			}
		}
		if !ready {
			out = append(out, security)
		}
	}
	return out
}

// RefetchDue returns every security whose last (re)request is older than
// the given interval, ready or not. The periodic re-backfill reconciles
// ready tables against authoritative upstream history; Stalled remains the
// narrower not-ready trigger within this set.
func (c *Cache) RefetchDue(interval time.Duration, now time.Time) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for security, p := range c.params {
		if now.Sub(p.RequestedAt) >= interval {
			out = append(out, security)
		}
	}
	return out
}

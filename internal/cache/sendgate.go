package cache

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"kl-core/internal/model"
)

// PxUpdate is one coalesced market-price update handed to the serving layer.
type PxUpdate struct {
	Security string
	Tick     model.Tick
	Reason   string // force-send reason, "" for interval-allowed sends
}

// SendGate rate-limits market-price pushes per instrument. A send is
// allowed when the tick carried a force-send reason, or when the minimum
// inter-send interval has elapsed. Ticks arriving between allowed sends are
// coalesced per security and flushed atomically on the next allowed send.
type SendGate struct {
	minInterval time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	pending  map[string]PxUpdate
}

// NewSendGate creates a gate with the given minimum inter-send interval.
func NewSendGate(minInterval time.Duration) *SendGate {
	return &SendGate{
		minInterval: minInterval,
		limiters:    make(map[string]*rate.Limiter),
		pending:     make(map[string]PxUpdate),
	}
}

// Offer presents a tick to the gate. When the send is allowed it returns
// the updates to flush (the coalesced backlog for this security, newest
// last) and true; otherwise it buffers the tick and returns nil, false.
func (g *SendGate) Offer(security string, tick model.Tick, reason string) ([]PxUpdate, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	upd := PxUpdate{Security: security, Tick: tick, Reason: reason}

	lim := g.limiters[security]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(g.minInterval), 1)
		g.limiters[security] = lim
	}

	if reason == "" && !lim.Allow() {
		// Coalesce: the newest tick supersedes the buffered one.
		g.pending[security] = upd
		return nil, false
	}
	if reason != "" {
		// Force-send consumes the interval budget too, so a burst of
		// breaking ticks doesn't double-send on the next plain tick.
		lim.Allow()
	}

	var out []PxUpdate
	if buffered, ok := g.pending[security]; ok {
		delete(g.pending, security)
		if buffered.Tick.TickTS.Before(tick.TickTS) {
			out = append(out, buffered)
		}
	}
	return append(out, upd), true
}

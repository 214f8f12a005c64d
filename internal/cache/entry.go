// Package cache is the single source of truth for the bars we currently
// believe exist, per (instrument, interval). Entries reconcile three kinds
// of updates: history batches, real-time ticks, and interval-boundary bar
// rolls. All mutations arrive from the single feed consumer goroutine, so
// the bar table itself needs no lock; readers take snapshot copies.
package cache

import (
	"sort"
	"time"

	"kl-core/internal/markethours"
	"kl-core/internal/model"
)

// Force-send reasons returned by IngestTick.
const (
	ReasonBreakingHigh = "breaking high"
	ReasonBreakingLow  = "breaking low"
)

// Entry owns all bars for one (instrument, interval): an epoch-keyed table,
// the instrument's price granularity, and the last observed tick (kept
// apart from the table). The table is bounded: once ready, every bar roll
// evicts the oldest epoch so the length stays at the window size.
type Entry struct {
	Instrument model.Instrument
	Interval   model.Interval

	window int

	bars      map[int64]model.Bar
	lastEpoch int64 // latest key, tracked redundantly for O(1) current-bar access

	lastTick *model.Tick
}

// NewEntry creates an empty, not-yet-ready entry with the given window size.
func NewEntry(in model.Instrument, iv model.Interval, window int) *Entry {
	return &Entry{
		Instrument: in,
		Interval:   iv,
		window:     window,
		bars:       make(map[int64]model.Bar, window+1),
	}
}

// Ready reports whether the table has been populated at all. Callers must
// check it before reading; an unready read is a logged warning upstream,
// not an error, because backfill is asynchronous to subscription setup.
func (e *Entry) Ready() bool { return len(e.bars) > 0 }

// Len returns the current table size.
func (e *Entry) Len() int { return len(e.bars) }

// Window returns the configured bound.
func (e *Entry) Window() int { return e.window }

// LastEpoch returns the epoch of the current (latest) bar, 0 when unready.
func (e *Entry) LastEpoch() int64 { return e.lastEpoch }

// LastTick returns the most recent real-time tick observed, nil if none.
func (e *Entry) LastTick() *model.Tick { return e.lastTick }

// IngestHistory merges a history batch into the table, replacing bars at
// epochs that already exist. Used for the initial backfill and for the
// periodic re-backfill. Never evicts; recomputes the tracked latest epoch.
func (e *Entry) IngestHistory(batch []model.Bar) {
	for _, b := range batch {
		epoch := e.Interval.Truncate(b.Epoch)
		b.Epoch = epoch
		if b.MarketDate == "" {
			b.MarketDate = markethours.MarketDate(e.Instrument.Session, time.Unix(epoch, 0))
		}
		e.bars[epoch] = b
		if epoch > e.lastEpoch {
			e.lastEpoch = epoch
		}
	}
}

// IngestTick folds a real-time price into the current bar's high/low/close.
// It returns a force-send reason when the price broke the bar's prior
// extremes, and "" otherwise. A tick against an unpopulated table is a
// no-op: there is no bar to update yet.
func (e *Entry) IngestTick(tick model.Tick) string {
	e.lastTick = &tick
	if !e.Ready() {
		return ""
	}

	b := e.bars[e.lastEpoch]
	reason := ""
	if tick.Price > b.High {
		b.High = tick.Price
		reason = ReasonBreakingHigh
	} else if tick.Price < b.Low {
		b.Low = tick.Price
		reason = ReasonBreakingLow
	}
	b.Close = tick.Price
	b.Volume += tick.Qty
	e.bars[e.lastEpoch] = b
	return reason
}

// RollNewBar seeds a bar at the new interval boundary from the previous
// bar's close (zero volume), stamps its market date from the instrument's
// session rule, and evicts the oldest bar to hold the window bound. A roll
// before the first population is a no-op, there is nothing to seed from.
func (e *Entry) RollNewBar(epoch int64) {
	if !e.Ready() {
		return
	}
	epoch = e.Interval.Truncate(epoch)
	if _, exists := e.bars[epoch]; exists {
		return
	}

	prev := e.bars[e.lastEpoch]
	e.bars[epoch] = model.Bar{
		Epoch:      epoch,
		Open:       prev.Close,
		High:       prev.Close,
		Low:        prev.Close,
		Close:      prev.Close,
		Volume:     0,
		MarketDate: markethours.MarketDate(e.Instrument.Session, time.Unix(epoch, 0)),
	}
	if epoch > e.lastEpoch {
		e.lastEpoch = epoch
	}

	for len(e.bars) > e.window {
		e.evictOldest()
	}
}

func (e *Entry) evictOldest() {
	oldest := e.lastEpoch
	for epoch := range e.bars {
		if epoch < oldest {
			oldest = epoch
		}
	}
	delete(e.bars, oldest)
}

// BarsAscending returns a snapshot copy of the table in ascending epoch
// order. The copy is what gets handed to recompute workers, which must not
// share the live map with the mutating consumer goroutine.
func (e *Entry) BarsAscending() []model.Bar {
	out := make([]model.Bar, 0, len(e.bars))
	for _, b := range e.bars {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Epoch < out[j].Epoch })
	return out
}

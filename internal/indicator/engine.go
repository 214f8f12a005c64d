// Package indicator is the pure computation layer: it transforms a bar
// table into a table of calculated rows (moving averages, MACD-derived
// direction, intraday tie point) under two modes. Full mode walks the whole
// table; partial mode restores the recursion state from the row before the
// pivot and walks only the suffix. Partial output must match full output
// within floating tolerance. That equivalence is the engine's contract.
package indicator

import (
	"errors"
	"sync"

	"kl-core/internal/model"
)

// ErrCachedDataTooOld signals that the previously computed table cannot
// seed a partial recompute for the requested input; the caller falls back
// to a full recompute.
var ErrCachedDataTooOld = errors.New("indicator: cached data too old for partial recompute")

// Config fixes the indicator parameter set for one engine instance.
type Config struct {
	MAPeriods []int // moving average periods, e.g. 5, 10, 20, 60
	FastEMA   int   // direction fast EMA, e.g. 12
	SlowEMA   int   // direction slow EMA, e.g. 26
	SignalEMA int   // direction signal EMA, e.g. 9
}

// Input is one computation request: the base bar table of one instrument
// and interval, plus the aggregation period to derive.
type Input struct {
	Security string
	Interval model.Interval
	Period   int // in base-interval units, >= 1
	Bars     []model.Bar
}

type lookbackKey struct {
	iv     model.Interval
	period int
}

// Engine computes calculated-row tables. It is stateless apart from a
// memoized lookback table, which is rebuilt per process start with no ambient
// package-level caches.
type Engine struct {
	cfg Config

	mu       sync.Mutex
	lookback map[lookbackKey]int
}

// New creates an engine for the given parameter set.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:      cfg,
		lookback: make(map[lookbackKey]int, 16),
	}
}

// Config returns the engine's parameter set.
func (e *Engine) Config() Config { return e.cfg }

// Lookback returns how many base-interval bars a (interval, period) job
// needs before every derived field is defined. Memoized; safe for
// concurrent workers.
func (e *Engine) Lookback(iv model.Interval, period int) int {
	key := lookbackKey{iv, period}

	e.mu.Lock()
	defer e.mu.Unlock()
	if n, ok := e.lookback[key]; ok {
		return n
	}

	deepest := e.cfg.SlowEMA + e.cfgSignalDepth()
	for _, p := range e.cfg.MAPeriods {
		if p > deepest {
			deepest = p
		}
	}
	// Double the seed depth so the EMA recursion has settled by the time
	// the window of interest starts.
	n := 2 * deepest * period
	e.lookback[key] = n
	return n
}

func (e *Engine) cfgSignalDepth() int { return e.cfg.SignalEMA - 1 }

// ComputeFull derives the whole calculated table from scratch.
func (e *Engine) ComputeFull(in Input) []model.CalculatedRow {
	agg := Aggregate(in.Bars, in.Period, in.Interval)
	if len(agg) == 0 {
		return nil
	}

	tie := tieEligible(in.Interval, in.Period)
	st := newSeriesState(e.cfg)
	out := make([]model.CalculatedRow, 0, len(agg))
	for _, b := range agg {
		row := st.step(b, tie)
		row.Security = in.Security
		row.Interval = in.Interval
		row.Period = in.Period
		out = append(out, row)
	}
	return out
}

// ComputePartial recomputes only the rows at and after the pivot, the
// aggregated bucket of the last previously computed row, since that bar may
// have mutated, carrying the recursion state forward from the row before
// it. Returns ErrCachedDataTooOld when prev cannot seed the suffix, in
// which case the caller runs ComputeFull instead.
func (e *Engine) ComputePartial(in Input, prev []model.CalculatedRow) ([]model.CalculatedRow, error) {
	if len(prev) == 0 {
		return nil, ErrCachedDataTooOld
	}

	agg := Aggregate(in.Bars, in.Period, in.Interval)
	if len(agg) == 0 {
		return nil, ErrCachedDataTooOld
	}

	pivot := indexOfEpoch(agg, prev[len(prev)-1].AggEpoch)
	if pivot < 0 {
		// The cached table ends before (or after) our fetched window,
		// nothing lines up.
		return nil, ErrCachedDataTooOld
	}
	if pivot == 0 {
		// Recomputing the entire table anyway.
		return e.ComputeFull(in), nil
	}

	seed, ok := rowAtEpoch(prev, agg[pivot-1].Epoch)
	if !ok {
		return nil, ErrCachedDataTooOld
	}

	tie := tieEligible(in.Interval, in.Period)
	var st *seriesState

	if seedDefined(e.cfg, seed) {
		// Common case: every recursion has settled; continue from the seed.
		st = restoreSeriesState(e.cfg, seed, pivot)
	} else {
		// Seed windows haven't filled yet. Replaying the prefix is only
		// equivalent when the fetched table still starts where the cached
		// one did; otherwise the warmup boundary would shift.
		if _, ok := rowAtEpoch(prev, agg[0].Epoch); !ok {
			return nil, ErrCachedDataTooOld
		}
		st = newSeriesState(e.cfg)
		for _, b := range agg[:pivot] {
			st.step(b, tie)
		}
	}

	out := make([]model.CalculatedRow, 0, len(agg)-pivot)
	for _, b := range agg[pivot:] {
		row := st.step(b, tie)
		row.Security = in.Security
		row.Interval = in.Interval
		row.Period = in.Period
		out = append(out, row)
	}
	return out, nil
}

// tieEligible reports whether the tie point is meaningful: it is an
// intraday measure, empty for aggregation periods of one day or coarser.
func tieEligible(iv model.Interval, period int) bool {
	if iv == model.IntervalDay {
		return false
	}
	return int64(period)*iv.Seconds() < 86400
}

func indexOfEpoch(agg []model.Bar, epoch int64) int {
	for i := len(agg) - 1; i >= 0; i-- {
		if agg[i].Epoch == epoch {
			return i
		}
		if agg[i].Epoch < epoch {
			break
		}
	}
	return -1
}

func rowAtEpoch(rows []model.CalculatedRow, epoch int64) (model.CalculatedRow, bool) {
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].AggEpoch == epoch {
			return rows[i], true
		}
		if rows[i].AggEpoch < epoch {
			break
		}
	}
	return model.CalculatedRow{}, false
}

package indicator

import (
	"math"

	"kl-core/internal/model"
)

// seriesState is the streaming recursion state shared by full and partial
// computation. Stepping it over a bar table from index 0 is full mode;
// restoring it from a previously computed row and stepping over the suffix
// is partial mode. Both paths run the exact same step function, which is
// what makes the two modes equivalent.
type seriesState struct {
	cfg Config

	count int // bars consumed so far

	maSum map[int]float64 // seed accumulation while count < period
	ma    map[int]float64 // current EMA value per period

	fastSum, slowSum float64
	fast, slow       float64

	macdCount int // MACD observations consumed (defined from slow-1)
	macdSum   float64
	signal    float64

	marketDate string
	runHigh    float64
	runLow     float64
}

func newSeriesState(cfg Config) *seriesState {
	s := &seriesState{
		cfg:   cfg,
		maSum: make(map[int]float64, len(cfg.MAPeriods)),
		ma:    make(map[int]float64, len(cfg.MAPeriods)),
	}
	for _, p := range cfg.MAPeriods {
		s.ma[p] = math.NaN()
	}
	s.fast = math.NaN()
	s.slow = math.NaN()
	s.signal = math.NaN()
	s.runHigh = math.NaN()
	s.runLow = math.NaN()
	return s
}

// restore rebuilds the state from the row preceding the pivot. Only valid
// when every recursive field on the seed row is defined; the caller checks
// seedDefined first.
func restoreSeriesState(cfg Config, seed model.CalculatedRow, countBefore int) *seriesState {
	s := newSeriesState(cfg)

	// Every recursion on the seed row is settled, so count only has to sit
	// past every warmup threshold. The fetched window may start later than
	// the cached table did (rolling eviction), making countBefore smaller
	// than the true series position. Never let that re-open a seed window.
	settled := cfg.SlowEMA + cfg.SignalEMA
	for _, p := range cfg.MAPeriods {
		if p >= settled {
			settled = p + 1
		}
	}
	if countBefore < settled {
		countBefore = settled
	}
	s.count = countBefore

	for _, p := range cfg.MAPeriods {
		s.ma[p] = seed.MA[p]
	}
	s.fast = seed.EMAFast
	s.slow = seed.EMASlow
	s.signal = seed.Signal
	s.macdCount = countBefore - (cfg.SlowEMA - 1)
	s.marketDate = seed.MarketDate
	s.runHigh = seed.RunningHigh
	s.runLow = seed.RunningLow
	return s
}

// seedDefined reports whether a previously computed row carries every
// recursive field needed to continue the recursion without its prefix.
func seedDefined(cfg Config, row model.CalculatedRow) bool {
	for _, p := range cfg.MAPeriods {
		v, ok := row.MA[p]
		if !ok || math.IsNaN(v) {
			return false
		}
	}
	return !math.IsNaN(row.Signal) && !math.IsNaN(row.RunningHigh) && !math.IsNaN(row.RunningLow)
}

// step consumes one aggregated bar and returns the derived fields for it.
// tieEligible is false for day-or-coarser periods, where the tie point is
// not meaningful and stays NaN.
func (s *seriesState) step(b model.Bar, tieEligible bool) model.CalculatedRow {
	s.count++
	n := s.count

	row := model.CalculatedRow{
		Bar:      b,
		AggEpoch: b.Epoch,
		MA:       make(map[int]float64, len(s.cfg.MAPeriods)),
	}

	// Moving averages: EMA recursion seeded by the simple average of the
	// first p closes, undefined before that.
	for _, p := range s.cfg.MAPeriods {
		row.MA[p] = s.stepEMA(p, b.Close, n)
	}

	// Direction: sign of (fast EMA - slow EMA - signal EMA of the diff).
	s.fast = stepSingleEMA(s.cfg.FastEMA, b.Close, n, &s.fastSum, s.fast)
	s.slow = stepSingleEMA(s.cfg.SlowEMA, b.Close, n, &s.slowSum, s.slow)
	row.EMAFast = s.fast
	row.EMASlow = s.slow

	if !math.IsNaN(s.slow) {
		macd := s.fast - s.slow
		s.macdCount++
		s.signal = stepSingleEMA(s.cfg.SignalEMA, macd, s.macdCount, &s.macdSum, s.signal)
	}
	row.Signal = s.signal

	if math.IsNaN(s.signal) {
		row.Direction = 0
	} else {
		row.Direction = sign(s.fast - s.slow - s.signal)
	}

	// Tie point: running midpoint of cumulative max-high / min-low since
	// the market-date group started.
	if b.MarketDate != s.marketDate || math.IsNaN(s.runHigh) {
		s.marketDate = b.MarketDate
		s.runHigh = b.High
		s.runLow = b.Low
	} else {
		if b.High > s.runHigh {
			s.runHigh = b.High
		}
		if b.Low < s.runLow {
			s.runLow = b.Low
		}
	}
	row.RunningHigh = s.runHigh
	row.RunningLow = s.runLow
	if tieEligible {
		row.TiePoint = (s.runHigh + s.runLow) / 2
	} else {
		row.TiePoint = math.NaN()
	}

	return row
}

// stepEMA advances one configured MA period and returns its value at count n.
func (s *seriesState) stepEMA(p int, close float64, n int) float64 {
	if n < p {
		s.maSum[p] += close
		return math.NaN()
	}
	if n == p {
		s.maSum[p] += close
		v := s.maSum[p] / float64(p)
		s.ma[p] = v
		return v
	}
	k := 2.0 / float64(p+1)
	v := close*k + s.ma[p]*(1-k)
	s.ma[p] = v
	return v
}

// stepSingleEMA advances a standalone EMA recursion held outside the MA map.
// n is the number of observations including this one; sum accumulates the
// seed window.
func stepSingleEMA(p int, x float64, n int, sum *float64, prev float64) float64 {
	if n < p {
		*sum += x
		return math.NaN()
	}
	if n == p {
		*sum += x
		return *sum / float64(p)
	}
	k := 2.0 / float64(p+1)
	return x*k + prev*(1-k)
}

func sign(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

package indicator

import (
	"math"
	"testing"

	"kl-core/internal/model"
)

// ────────────────────────────────────────────────────────────
// Helpers
// ────────────────────────────────────────────────────────────

func assertClose(t *testing.T, label string, got, want, tol float64) {
	t.Helper()
	if math.IsNaN(want) {
		if !math.IsNaN(got) {
			t.Errorf("%s: got %.6f, want NaN", label, got)
		}
		return
	}
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %.6f, want %.6f (diff=%.6f)", label, got, want, math.Abs(got-want))
	}
}

// barsFromCloses builds a minute-bar table where every bar has O=H=L=C.
func barsFromCloses(closes []float64) []model.Bar {
	return barsGrouped(closes, nil)
}

// barsGrouped assigns market-date groups per bar; nil groups means one group.
func barsGrouped(closes []float64, groups []int) []model.Bar {
	base := int64(1700000040)
	base = base - base%3600 // hour-aligned so any tested period buckets cleanly
	out := make([]model.Bar, len(closes))
	for i, c := range closes {
		g := 1
		if groups != nil {
			g = groups[i]
		}
		out[i] = model.Bar{
			Epoch:      base + int64(i)*60,
			Open:       c,
			High:       c,
			Low:        c,
			Close:      c,
			Volume:     10,
			MarketDate: "2023-11-0" + string(rune('0'+g)),
		}
	}
	return out
}

func testConfig() Config {
	return Config{MAPeriods: []int{5}, FastEMA: 3, SlowEMA: 5, SignalEMA: 2}
}

// ────────────────────────────────────────────────────────────
// EMA correctness
// ────────────────────────────────────────────────────────────

func TestComputeFull_EMA5_KnownVector(t *testing.T) {
	closes := []float64{5, 7, 5, 6, 4, 3, 8, 9, 6, 7, 8, 1}
	want := []float64{
		math.NaN(), math.NaN(), math.NaN(), math.NaN(),
		5.4, 4.6, 5.733, 6.822, 6.548, 6.699, 7.133, 5.088,
	}

	e := New(Config{MAPeriods: []int{5}, FastEMA: 12, SlowEMA: 26, SignalEMA: 9})
	rows := e.ComputeFull(Input{Security: "FITX", Interval: model.IntervalMinute, Period: 1, Bars: barsFromCloses(closes)})
	if len(rows) != len(closes) {
		t.Fatalf("rows: got %d, want %d", len(rows), len(closes))
	}
	for i, r := range rows {
		assertClose(t, "EMA(5) row "+itoa(i), r.MA[5], want[i], 1e-3)
	}
}

func TestComputeFull_DirectionSign(t *testing.T) {
	// Rising series: once the signal EMA is defined, fast > slow and the
	// histogram is positive.
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	e := New(testConfig())
	rows := e.ComputeFull(Input{Security: "FITX", Interval: model.IntervalMinute, Period: 1, Bars: barsFromCloses(closes)})

	defined := testConfig().SlowEMA + testConfig().SignalEMA - 2 // first defined index
	for i, r := range rows {
		if i < defined {
			if r.Direction != 0 {
				t.Errorf("row %d: direction=%d before signal is defined, want 0", i, r.Direction)
			}
			continue
		}
		if r.Direction != 1 {
			t.Errorf("row %d: direction=%d on a strictly rising series, want +1", i, r.Direction)
		}
	}

	// Falling series flips the sign.
	for i := range closes {
		closes[i] = 200 - float64(i)
	}
	rows = e.ComputeFull(Input{Security: "FITX", Interval: model.IntervalMinute, Period: 1, Bars: barsFromCloses(closes)})
	last := rows[len(rows)-1]
	if last.Direction != -1 {
		t.Errorf("falling series: direction=%d, want -1", last.Direction)
	}
}

// ────────────────────────────────────────────────────────────
// Tie point
// ────────────────────────────────────────────────────────────

func TestComputeFull_TiePoint_SingleGroup(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 8, 11}
	want := []float64{1, 1.5, 2, 2.5, 4.5, 6}

	e := New(testConfig())
	rows := e.ComputeFull(Input{Security: "FITX", Interval: model.IntervalMinute, Period: 1, Bars: barsFromCloses(closes)})
	for i, r := range rows {
		assertClose(t, "tie row "+itoa(i), r.TiePoint, want[i], 1e-9)
	}
}

func TestComputeFull_TiePoint_GroupChangeResets(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 8, 11}
	groups := []int{1, 1, 1, 1, 2, 2}
	want := []float64{1, 1.5, 2, 2.5, 8, 9.5}

	e := New(testConfig())
	rows := e.ComputeFull(Input{Security: "FITX", Interval: model.IntervalMinute, Period: 1, Bars: barsGrouped(closes, groups)})
	for i, r := range rows {
		assertClose(t, "tie row "+itoa(i), r.TiePoint, want[i], 1e-9)
	}

	// Running extremes reset with the group.
	assertClose(t, "running high after reset", rows[4].RunningHigh, 8, 1e-9)
	assertClose(t, "running low after reset", rows[4].RunningLow, 8, 1e-9)
}

func TestComputeFull_TiePoint_EmptyForDayPeriods(t *testing.T) {
	closes := []float64{1, 2, 3, 4}
	e := New(testConfig())

	rows := e.ComputeFull(Input{Security: "FITX", Interval: model.IntervalDay, Period: 1, Bars: barsFromCloses(closes)})
	for i, r := range rows {
		if !math.IsNaN(r.TiePoint) {
			t.Errorf("day row %d: tie point=%f, want NaN", i, r.TiePoint)
		}
	}
}

// ────────────────────────────────────────────────────────────
// Aggregation
// ────────────────────────────────────────────────────────────

func TestAggregate_Reduce(t *testing.T) {
	bars := barsFromCloses([]float64{10, 12, 8, 9, 20, 21})
	bars[1].High = 15
	bars[2].Low = 5

	out := Aggregate(bars, 3, model.IntervalMinute)
	if len(out) != 2 {
		t.Fatalf("buckets: got %d, want 2", len(out))
	}
	b := out[0]
	if b.Open != 10 || b.High != 15 || b.Low != 5 || b.Close != 8 || b.Volume != 30 {
		t.Errorf("bucket 0: got %+v", b)
	}
	if b.Epoch%180 != 0 {
		t.Errorf("bucket 0 epoch %d not aligned to 180s", b.Epoch)
	}
}

func TestAggregate_IdentityForPeriodOne(t *testing.T) {
	bars := barsFromCloses([]float64{10, 12, 8})
	out := Aggregate(bars, 1, model.IntervalMinute)
	if len(out) != len(bars) {
		t.Fatalf("identity: got %d bars, want %d", len(out), len(bars))
	}
	for i := range out {
		if out[i] != bars[i] {
			t.Errorf("identity row %d: got %+v, want %+v", i, out[i], bars[i])
		}
	}
	// Must be a copy, not an alias.
	out[0].Close = 999
	if bars[0].Close == 999 {
		t.Error("identity aggregation aliased the input slice")
	}
}

// ────────────────────────────────────────────────────────────
// Full/partial equivalence is the engine's primary contract.
// ────────────────────────────────────────────────────────────

func assertRowsEqual(t *testing.T, label string, got, want model.CalculatedRow) {
	t.Helper()
	if got.AggEpoch != want.AggEpoch {
		t.Fatalf("%s: epoch mismatch got=%d want=%d", label, got.AggEpoch, want.AggEpoch)
	}
	for p, w := range want.MA {
		assertClose(t, label+" MA", got.MA[p], w, 1e-3)
	}
	assertClose(t, label+" fast", got.EMAFast, want.EMAFast, 1e-3)
	assertClose(t, label+" slow", got.EMASlow, want.EMASlow, 1e-3)
	assertClose(t, label+" signal", got.Signal, want.Signal, 1e-3)
	if got.Direction != want.Direction {
		t.Errorf("%s: direction got=%d want=%d", label, got.Direction, want.Direction)
	}
	assertClose(t, label+" tie", got.TiePoint, want.TiePoint, 1e-3)
}

func TestPartial_EquivalentToFull_AllPivots(t *testing.T) {
	closes := []float64{5, 7, 5, 6, 4, 3, 8, 9, 6, 7, 8, 1, 4, 10, 2, 6, 6, 7, 12, 3}
	groups := []int{1, 1, 1, 1, 1, 1, 1, 2, 2, 2, 2, 2, 2, 3, 3, 3, 3, 3, 3, 3}
	bars := barsGrouped(closes, groups)

	e := New(testConfig())
	in := Input{Security: "FITX", Interval: model.IntervalMinute, Period: 1, Bars: bars}
	full := e.ComputeFull(in)

	for pivot := 1; pivot < len(bars); pivot++ {
		// Previously computed table covering everything up to the pivot,
		// inclusive: the orchestrator always re-runs the last known row.
		prev := full[:pivot+1]

		part, err := e.ComputePartial(in, prev)
		if err != nil {
			t.Fatalf("pivot %d: unexpected error %v", pivot, err)
		}
		if len(part) != len(bars)-pivot {
			t.Fatalf("pivot %d: got %d rows, want %d", pivot, len(part), len(bars)-pivot)
		}
		for i, r := range part {
			assertRowsEqual(t, "pivot "+itoa(pivot)+" row "+itoa(i), r, full[pivot+i])
		}
	}
}

func TestPartial_AppendOneBar(t *testing.T) {
	closes := []float64{5, 7, 5, 6, 4, 3, 8, 9, 6, 7, 8}
	bars := barsFromCloses(closes)
	e := New(testConfig())

	prev := e.ComputeFull(Input{Security: "FITX", Interval: model.IntervalMinute, Period: 1, Bars: bars})

	extended := barsFromCloses(append(append([]float64{}, closes...), 1))
	in := Input{Security: "FITX", Interval: model.IntervalMinute, Period: 1, Bars: extended}

	full := e.ComputeFull(in)
	part, err := e.ComputePartial(in, prev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Partial recomputes the old last row plus the appended one.
	if len(part) != 2 {
		t.Fatalf("got %d rows, want 2", len(part))
	}
	assertRowsEqual(t, "recomputed last", part[0], full[len(full)-2])
	assertRowsEqual(t, "appended", part[1], full[len(full)-1])
}

func TestPartial_AggregatedPeriod(t *testing.T) {
	closes := make([]float64, 90)
	for i := range closes {
		closes[i] = 100 + float64(i%13) - float64(i%7)
	}
	bars := barsFromCloses(closes)
	e := New(testConfig())
	in := Input{Security: "FITX", Interval: model.IntervalMinute, Period: 3, Bars: bars}

	full := e.ComputeFull(in)
	prev := full[:len(full)-4]

	part, err := e.ComputePartial(in, prev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	offset := len(prev) - 1
	for i, r := range part {
		assertRowsEqual(t, "agg row "+itoa(i), r, full[offset+i])
	}
}

// ────────────────────────────────────────────────────────────
// Staleness fallback
// ────────────────────────────────────────────────────────────

func TestPartial_EmptyPrev(t *testing.T) {
	e := New(testConfig())
	_, err := e.ComputePartial(Input{Interval: model.IntervalMinute, Period: 1, Bars: barsFromCloses([]float64{1, 2})}, nil)
	if err != ErrCachedDataTooOld {
		t.Fatalf("got %v, want ErrCachedDataTooOld", err)
	}
}

func TestPartial_PrevBehindWindow(t *testing.T) {
	closes := []float64{5, 7, 5, 6, 4, 3, 8, 9, 6, 7, 8, 1}
	bars := barsFromCloses(closes)
	e := New(testConfig())

	prev := e.ComputeFull(Input{Security: "FITX", Interval: model.IntervalMinute, Period: 1, Bars: bars[:3]})

	// The fetched window no longer contains the cached table's last epoch.
	in := Input{Security: "FITX", Interval: model.IntervalMinute, Period: 1, Bars: bars[6:]}
	_, err := e.ComputePartial(in, prev)
	if err != ErrCachedDataTooOld {
		t.Fatalf("got %v, want ErrCachedDataTooOld", err)
	}
}

func TestPartial_UndefinedSeedNeedsAlignedPrefix(t *testing.T) {
	closes := []float64{5, 7, 5, 6, 4, 3, 8, 9}
	bars := barsFromCloses(closes)
	e := New(testConfig())

	full := e.ComputeFull(Input{Security: "FITX", Interval: model.IntervalMinute, Period: 1, Bars: bars})

	// Seed row sits inside the warmup window, and the fetched table starts
	// later than the cached one, so replaying the prefix would shift the
	// warmup boundary, so this must be refused.
	prev := full[1:3]
	in := Input{Security: "FITX", Interval: model.IntervalMinute, Period: 1, Bars: bars[1:]}
	if _, err := e.ComputePartial(in, prev); err != ErrCachedDataTooOld {
		t.Fatalf("got %v, want ErrCachedDataTooOld", err)
	}
}

// ────────────────────────────────────────────────────────────
// Lookback memo
// ────────────────────────────────────────────────────────────

func TestLookback_ScalesWithPeriod(t *testing.T) {
	e := New(testConfig())
	one := e.Lookback(model.IntervalMinute, 1)
	five := e.Lookback(model.IntervalMinute, 5)
	if five != 5*one {
		t.Errorf("lookback(5)=%d, want %d", five, 5*one)
	}
	// Memoized value is stable.
	if again := e.Lookback(model.IntervalMinute, 5); again != five {
		t.Errorf("memo changed: %d then %d", five, again)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	buf := [8]byte{}
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

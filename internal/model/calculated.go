package model

import (
	"encoding/json"
	"math"
)

// CalculatedRow is a Bar extended with derived indicator fields for one
// (security, period). Rows are immutable snapshots: each recompute batch
// replaces the affected epoch range wholesale.
//
// The EMA* / Signal / Running* fields are the carried-forward seed state
// for partial recomputation; NaN marks an undefined value (before the seed
// window has filled, or tie point on day-or-coarser periods).
type CalculatedRow struct {
	Security string   `json:"security"`
	Interval Interval `json:"interval"`
	Period   int      `json:"period"` // aggregation period in base-interval units

	Bar

	AggEpoch int64 `json:"agg_epoch"` // aggregation bucket start

	MA map[int]float64 `json:"ma"` // moving average per configured period

	EMAFast   float64 `json:"ema_fast"`
	EMASlow   float64 `json:"ema_slow"`
	Signal    float64 `json:"signal"`    // EMA of (fast - slow)
	Direction int     `json:"direction"` // sign of (fast - slow - signal): -1, 0, +1

	TiePoint    float64 `json:"tie_point"`
	RunningHigh float64 `json:"running_high"` // cumulative max high since market-date start
	RunningLow  float64 `json:"running_low"`  // cumulative min low since market-date start
}

// calculatedRowJSON mirrors CalculatedRow with nullable derived fields, since
// encoding/json rejects NaN outright.
type calculatedRowJSON struct {
	Security string   `json:"security"`
	Interval Interval `json:"interval"`
	Period   int      `json:"period"`
	Bar
	AggEpoch    int64            `json:"agg_epoch"`
	MA          map[int]*float64 `json:"ma"`
	EMAFast     *float64         `json:"ema_fast"`
	EMASlow     *float64         `json:"ema_slow"`
	Signal      *float64         `json:"signal"`
	Direction   int              `json:"direction"`
	TiePoint    *float64         `json:"tie_point"`
	RunningHigh *float64         `json:"running_high"`
	RunningLow  *float64         `json:"running_low"`
}

// MarshalJSON encodes the row with NaN derived fields as null.
func (r CalculatedRow) MarshalJSON() ([]byte, error) {
	out := calculatedRowJSON{
		Security:    r.Security,
		Interval:    r.Interval,
		Period:      r.Period,
		Bar:         r.Bar,
		AggEpoch:    r.AggEpoch,
		EMAFast:     nilIfNaN(r.EMAFast),
		EMASlow:     nilIfNaN(r.EMASlow),
		Signal:      nilIfNaN(r.Signal),
		Direction:   r.Direction,
		TiePoint:    nilIfNaN(r.TiePoint),
		RunningHigh: nilIfNaN(r.RunningHigh),
		RunningLow:  nilIfNaN(r.RunningLow),
	}
	if r.MA != nil {
		out.MA = make(map[int]*float64, len(r.MA))
		for p, v := range r.MA {
			out.MA[p] = nilIfNaN(v)
		}
	}
	return json.Marshal(out)
}

func nilIfNaN(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}

// JSON returns the JSON-encoded row (ignoring errors for hot-path usage).
func (r *CalculatedRow) JSON() []byte {
	out, _ := json.Marshal(r)
	return out
}

// CalcBatch is one job's replacement set for the calculated table. Full
// replaces everything stored for the key; otherwise only the epoch range
// covered by Rows is deleted before insert.
type CalcBatch struct {
	Security string
	Interval Interval
	Period   int
	Full     bool
	Rows     []CalculatedRow
}

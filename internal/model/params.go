package model

import (
	"fmt"
	"time"
)

// RequestParams is the per-instrument subscription intent: which aggregation
// periods are wanted per interval, the backfill range, and when the request
// was last (re)issued. Refreshed on every re-request.
type RequestParams struct {
	MinutePeriods []int // in minutes
	DayPeriods    []int // in days

	HistoryStart time.Time
	HistoryEnd   time.Time

	// RequestedAt decides whether a stalled subscription is eligible for
	// an automatic re-request once the cooldown has elapsed.
	RequestedAt time.Time
}

// Validate panics when the request names zero periods of both kinds. That is
// a programmer error at the call site, not a runtime condition.
func (p *RequestParams) Validate() {
	if len(p.MinutePeriods) == 0 && len(p.DayPeriods) == 0 {
		panic("model: subscription request names no minute and no day periods")
	}
}

// Intervals returns the intervals this request actually needs.
func (p *RequestParams) Intervals() []Interval {
	var out []Interval
	if len(p.MinutePeriods) > 0 {
		out = append(out, IntervalMinute)
	}
	if len(p.DayPeriods) > 0 {
		out = append(out, IntervalDay)
	}
	return out
}

// Periods returns the periods wanted for one interval.
func (p *RequestParams) Periods(iv Interval) []int {
	if iv == IntervalDay {
		return p.DayPeriods
	}
	return p.MinutePeriods
}

// PxDataConfig selects which calculated rows a read should return. It never
// mutates cache state.
type PxDataConfig struct {
	Security  string
	PeriodMin int // aggregation period in base-interval units
	Offset    int // rows skipped from the tail
	Limit     int // max rows returned; 0 means all
}

func (c PxDataConfig) String() string {
	return fmt.Sprintf("%s@%d[offset=%d limit=%d]", c.Security, c.PeriodMin, c.Offset, c.Limit)
}

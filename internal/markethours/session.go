// Package markethours maps instrument timestamps to trading-session dates
// and answers "is this market closed right now" for the refetch loop.
//
// Each instrument carries one SessionRule. Rules form a closed enum so that
// adding an instrument means adding a compile-time-checked case here, not a
// runtime dictionary miss.
package markethours

import (
	"fmt"
	"time"
)

// TST is the exchange-local time zone (UTC+8).
var TST = time.FixedZone("TST", 8*3600)

// SessionRule identifies the session layout an instrument trades under.
type SessionRule int

const (
	// RuleDayOnly: a single day session; market date equals the calendar date.
	RuleDayOnly SessionRule = iota
	// RuleNightRoll2200: day + night session; timestamps at or after 22:00
	// local belong to the next trading date.
	RuleNightRoll2200
	// RuleNightRoll0045: night session extends past midnight; timestamps
	// before 00:45 local still belong to the previous trading date.
	RuleNightRoll0045
)

// String returns the rule name used in config files.
func (r SessionRule) String() string {
	switch r {
	case RuleDayOnly:
		return "day-only"
	case RuleNightRoll2200:
		return "night-roll-2200"
	case RuleNightRoll0045:
		return "night-roll-0045"
	default:
		return "unknown"
	}
}

// ParseRule parses a config rule name into a SessionRule.
func ParseRule(s string) (SessionRule, error) {
	switch s {
	case "day-only", "":
		return RuleDayOnly, nil
	case "night-roll-2200":
		return RuleNightRoll2200, nil
	case "night-roll-0045":
		return RuleNightRoll0045, nil
	default:
		return RuleDayOnly, fmt.Errorf("markethours: unknown session rule %q", s)
	}
}

// window is a trading window in minutes-from-midnight, local time.
// End < Start means the window crosses midnight.
type window struct {
	start int
	end   int
}

// sessions returns the trading windows for a rule. This is the single
// dispatch point for per-rule session layout.
func sessions(r SessionRule) []window {
	switch r {
	case RuleNightRoll2200:
		// Day session 08:45-13:45, night session 15:00-05:00 next day.
		return []window{{8*60 + 45, 13*60 + 45}, {15 * 60, 5 * 60}}
	case RuleNightRoll0045:
		// Day session 08:45-13:45, night session 17:25-00:45 next day.
		return []window{{8*60 + 45, 13*60 + 45}, {17*60 + 25, 45}}
	default:
		return []window{{8*60 + 45, 13*60 + 45}}
	}
}

// rollMinute returns the minute-of-day at which a timestamp starts counting
// toward the next trading date. Zero means no roll (calendar date).
func rollMinute(r SessionRule) int {
	switch r {
	case RuleNightRoll2200:
		return 22 * 60
	case RuleNightRoll0045:
		// Night session belongs to the date it opened toward; the boundary
		// sits at session close, 00:45.
		return 45
	default:
		return 0
	}
}

// MarketDate returns the trading-session date (YYYY-MM-DD) the timestamp
// logically belongs to under the given rule.
func MarketDate(r SessionRule, t time.Time) string {
	lt := t.In(TST)
	hm := lt.Hour()*60 + lt.Minute()

	switch r {
	case RuleNightRoll2200:
		if hm >= rollMinute(r) {
			lt = nextTradingDay(lt)
		}
	case RuleNightRoll0045:
		if hm < rollMinute(r) {
			// Still part of the session that opened the previous evening.
			lt = lt.AddDate(0, 0, -1)
		}
	}
	return lt.Format("2006-01-02")
}

// DayEpoch keys a day bar: midnight UTC of the timestamp's market date.
// History parsing and the bar-roll path both key day bars through this
// convention, so one trading day maps to exactly one epoch.
func DayEpoch(r SessionRule, t time.Time) int64 {
	d, err := time.ParseInLocation("2006-01-02", MarketDate(r, t), time.UTC)
	if err != nil {
		return 0
	}
	return d.Unix()
}

// IsMarketClosed reports whether the market for the given rule is outside
// all of its trading windows at time t. Weekends close everything, with the
// 2200-roll night session allowed to run into Saturday morning.
func IsMarketClosed(r SessionRule, t time.Time) bool {
	lt := t.In(TST)
	wd := lt.Weekday()
	hm := lt.Hour()*60 + lt.Minute()

	if wd == time.Sunday {
		return true
	}
	if wd == time.Saturday {
		// Friday's night session spills into Saturday before 05:00.
		if r == RuleNightRoll2200 && hm < 5*60 {
			return false
		}
		return true
	}

	for _, w := range sessions(r) {
		if w.start <= w.end {
			if hm >= w.start && hm < w.end {
				return false
			}
			continue
		}
		// Crosses midnight.
		if hm >= w.start || hm < w.end {
			return false
		}
	}
	return true
}

// nextTradingDay advances to the next weekday.
func nextTradingDay(t time.Time) time.Time {
	d := t.AddDate(0, 0, 1)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

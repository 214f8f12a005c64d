package markethours

import (
	"testing"
	"time"
)

func at(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, TST)
}

func TestMarketDate(t *testing.T) {
	cases := []struct {
		name string
		rule SessionRule
		t    time.Time
		want string
	}{
		{"day-only plain", RuleDayOnly, at(2025, 1, 6, 10, 30), "2025-01-06"},
		{"day-only evening stays", RuleDayOnly, at(2025, 1, 6, 23, 0), "2025-01-06"},

		{"2200 before roll", RuleNightRoll2200, at(2025, 1, 6, 21, 59), "2025-01-06"},
		{"2200 at roll", RuleNightRoll2200, at(2025, 1, 6, 22, 0), "2025-01-07"},
		{"2200 after midnight keeps rolled date", RuleNightRoll2200, at(2025, 1, 7, 3, 0), "2025-01-07"},
		{"2200 friday night rolls to monday", RuleNightRoll2200, at(2025, 1, 10, 22, 30), "2025-01-13"},

		{"0045 evening keeps date", RuleNightRoll0045, at(2025, 1, 6, 23, 30), "2025-01-06"},
		{"0045 before close belongs to yesterday", RuleNightRoll0045, at(2025, 1, 7, 0, 30), "2025-01-06"},
		{"0045 at close is today", RuleNightRoll0045, at(2025, 1, 7, 0, 45), "2025-01-07"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MarketDate(tc.rule, tc.t); got != tc.want {
				t.Fatalf("MarketDate(%v, %v) = %s, want %s", tc.rule, tc.t, got, tc.want)
			}
		})
	}
}

func TestMarketDate_ConvertsToExchangeZone(t *testing.T) {
	// 2025-01-06 15:00 UTC is 23:00 TST, past the 22:00 roll.
	utc := time.Date(2025, 1, 6, 15, 0, 0, 0, time.UTC)
	if got := MarketDate(RuleNightRoll2200, utc); got != "2025-01-07" {
		t.Fatalf("MarketDate = %s, want 2025-01-07", got)
	}
}

func TestIsMarketClosed(t *testing.T) {
	cases := []struct {
		name   string
		rule   SessionRule
		t      time.Time
		closed bool
	}{
		{"day session open", RuleDayOnly, at(2025, 1, 6, 9, 0), false},
		{"day session lunch gap after close", RuleDayOnly, at(2025, 1, 6, 14, 0), true},
		{"day-only evening closed", RuleDayOnly, at(2025, 1, 6, 20, 0), true},
		{"before day open", RuleDayOnly, at(2025, 1, 6, 8, 0), true},

		{"2200 night session open", RuleNightRoll2200, at(2025, 1, 6, 23, 30), false},
		{"2200 past-midnight still open", RuleNightRoll2200, at(2025, 1, 7, 4, 59), false},
		{"2200 closes at 0500", RuleNightRoll2200, at(2025, 1, 7, 5, 0), true},
		{"2200 afternoon gap", RuleNightRoll2200, at(2025, 1, 6, 14, 30), true},

		{"0045 night open", RuleNightRoll0045, at(2025, 1, 6, 18, 0), false},
		{"0045 just before close", RuleNightRoll0045, at(2025, 1, 7, 0, 44), false},
		{"0045 closed after close", RuleNightRoll0045, at(2025, 1, 7, 1, 0), true},

		{"sunday closed", RuleNightRoll2200, at(2025, 1, 5, 23, 0), true},
		{"saturday morning spill stays open", RuleNightRoll2200, at(2025, 1, 11, 4, 30), false},
		{"saturday morning closed for day-only", RuleDayOnly, at(2025, 1, 11, 4, 30), true},
		{"saturday after spill closed", RuleNightRoll2200, at(2025, 1, 11, 6, 0), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsMarketClosed(tc.rule, tc.t); got != tc.closed {
				t.Fatalf("IsMarketClosed(%v, %v) = %v, want %v", tc.rule, tc.t, got, tc.closed)
			}
		})
	}
}

func TestDayEpoch_OneEpochPerTradingDay(t *testing.T) {
	monday := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC).Unix()

	// Different times within the Monday session key the same epoch.
	for _, at := range []time.Time{
		time.Date(2025, 1, 6, 9, 30, 0, 0, TST),
		time.Date(2025, 1, 6, 13, 0, 0, 0, TST),
	} {
		if got := DayEpoch(RuleDayOnly, at); got != monday {
			t.Errorf("DayEpoch(day-only, %v) = %d, want %d", at, got, monday)
		}
	}

	// The night session spanning midnight stays on the opening trading day.
	if got := DayEpoch(RuleNightRoll0045, time.Date(2025, 1, 7, 0, 30, 0, 0, TST)); got != monday {
		t.Errorf("DayEpoch past midnight = %d, want %d", got, monday)
	}

	// After the evening roll the epoch belongs to the next trading day.
	tuesday := time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC).Unix()
	if got := DayEpoch(RuleNightRoll2200, time.Date(2025, 1, 6, 22, 30, 0, 0, TST)); got != tuesday {
		t.Errorf("DayEpoch after evening roll = %d, want %d", got, tuesday)
	}
}

func TestParseRule_RoundTrip(t *testing.T) {
	for _, r := range []SessionRule{RuleDayOnly, RuleNightRoll2200, RuleNightRoll0045} {
		got, err := ParseRule(r.String())
		if err != nil {
			t.Fatalf("ParseRule(%q): %v", r.String(), err)
		}
		if got != r {
			t.Fatalf("ParseRule(%q) = %v", r.String(), got)
		}
	}
	if _, err := ParseRule("open-outcry"); err == nil {
		t.Fatal("unknown rule accepted")
	}
	if r, err := ParseRule(""); err != nil || r != RuleDayOnly {
		t.Fatalf("empty rule = %v, %v", r, err)
	}
}

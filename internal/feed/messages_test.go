package feed

import (
	"testing"
	"time"

	"kl-core/internal/markethours"
	"kl-core/internal/model"
)

func minuteRow(date, hm string) historyRow {
	return historyRow{Date: date, Time: hm, Open: "100", High: "101", Low: "99", Close: "100.5", Volume: "3"}
}

func TestParseHistoryRow_StampsMarketDate(t *testing.T) {
	cases := []struct {
		name string
		rule markethours.SessionRule
		row  historyRow
		want string
	}{
		{"day session", markethours.RuleDayOnly, minuteRow("20250106", "1000"), "2025-01-06"},
		{"night after roll", markethours.RuleNightRoll2200, minuteRow("20231106", "2300"), "2023-11-07"},
		{"past midnight", markethours.RuleNightRoll0045, minuteRow("20231107", "0030"), "2023-11-06"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bar, err := parseHistoryRow(tc.row, model.IntervalMinute, tc.rule)
			if err != nil {
				t.Fatalf("parseHistoryRow: %v", err)
			}
			if bar.MarketDate != tc.want {
				t.Errorf("market date = %q, want %q", bar.MarketDate, tc.want)
			}
		})
	}
}

func TestParseHistoryRow_DayEpochMatchesRollKey(t *testing.T) {
	row := historyRow{Date: "20231106", Open: "100", High: "101", Low: "99", Close: "100.5", Volume: "3"}

	for _, rule := range []markethours.SessionRule{
		markethours.RuleDayOnly, markethours.RuleNightRoll2200, markethours.RuleNightRoll0045,
	} {
		bar, err := parseHistoryRow(row, model.IntervalDay, rule)
		if err != nil {
			t.Fatalf("rule %v: parseHistoryRow: %v", rule, err)
		}
		if want := time.Date(2023, 11, 6, 0, 0, 0, 0, time.UTC).Unix(); bar.Epoch != want {
			t.Errorf("rule %v: day epoch = %d, want midnight UTC %d", rule, bar.Epoch, want)
		}
		if bar.MarketDate != "2023-11-06" {
			t.Errorf("rule %v: market date = %q", rule, bar.MarketDate)
		}
		// Mid-session on the same trading day the bar-roll path must key
		// the identical epoch, or the day table forks.
		during := time.Date(2023, 11, 6, 14, 0, 0, 0, markethours.TST)
		if got := markethours.DayEpoch(rule, during); got != bar.Epoch {
			t.Errorf("rule %v: roll epoch %d, history epoch %d", rule, got, bar.Epoch)
		}
	}
}

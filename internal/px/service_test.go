package px

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"kl-core/internal/model"
)

type memStore struct {
	tables map[string][]model.CalculatedRow // key security/interval/period
	err    error
}

func key(security string, iv model.Interval, period int) string {
	return fmt.Sprintf("%s/%s/%d", security, iv, period)
}

func (m *memStore) Calculated(ctx context.Context, security string, iv model.Interval, period, limit int) ([]model.CalculatedRow, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.tables[key(security, iv, period)], nil
}

func rowsN(n int) []model.CalculatedRow {
	out := make([]model.CalculatedRow, n)
	for i := range out {
		out[i].AggEpoch = int64(i)
	}
	return out
}

func TestGetPxData_OffsetAndLimit(t *testing.T) {
	st := &memStore{tables: map[string][]model.CalculatedRow{
		key("FITX", model.IntervalMinute, 3): rowsN(10),
	}}
	svc := NewService(st)

	cases := []struct {
		name          string
		offset, limit int
		wantLen       int
		wantFirst     int64
		wantLast      int64
	}{
		{"all", 0, 0, 10, 0, 9},
		{"limit tail", 0, 3, 3, 7, 9},
		{"offset skips tail", 2, 3, 3, 5, 7},
		{"offset beyond table", 12, 0, 0, 0, 0},
		{"limit wider than table", 0, 50, 10, 0, 9},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := svc.GetPxData(context.Background(), []model.PxDataConfig{
				{Security: "FITX", PeriodMin: 3, Offset: tc.offset, Limit: tc.limit},
			})
			if err != nil {
				t.Fatalf("GetPxData: %v", err)
			}
			rows := got[0].Rows
			if len(rows) != tc.wantLen {
				t.Fatalf("len = %d, want %d", len(rows), tc.wantLen)
			}
			if tc.wantLen == 0 {
				return
			}
			if rows[0].AggEpoch != tc.wantFirst || rows[len(rows)-1].AggEpoch != tc.wantLast {
				t.Fatalf("window [%d..%d], want [%d..%d]",
					rows[0].AggEpoch, rows[len(rows)-1].AggEpoch, tc.wantFirst, tc.wantLast)
			}
		})
	}
}

func TestGetPxData_DayPeriodsReadDayTable(t *testing.T) {
	st := &memStore{tables: map[string][]model.CalculatedRow{
		key("FITX", model.IntervalDay, 1): rowsN(4),
	}}
	svc := NewService(st)

	got, err := svc.GetPxData(context.Background(), []model.PxDataConfig{
		{Security: "FITX", PeriodMin: 1440},
	})
	if err != nil {
		t.Fatalf("GetPxData: %v", err)
	}
	if len(got[0].Rows) != 4 {
		t.Fatalf("day table rows = %d, want 4", len(got[0].Rows))
	}
}

func TestGetPxData_RejectsNonPositivePeriod(t *testing.T) {
	svc := NewService(&memStore{})
	if _, err := svc.GetPxData(context.Background(), []model.PxDataConfig{{Security: "FITX"}}); err == nil {
		t.Fatal("zero period accepted")
	}
}

func TestCallbacks_FanOutInOrder(t *testing.T) {
	svc := NewService(&memStore{})

	var batches [][]string
	var updates []Update
	var errs []error
	svc.OnBatchComplete(func(s []string) { batches = append(batches, s) })
	svc.OnBatchComplete(func(s []string) { batches = append(batches, s) })
	svc.OnPxUpdated(func(u Update) { updates = append(updates, u) })
	svc.OnError(func(err error) { errs = append(errs, err) })

	svc.NotifyBatchComplete([]string{"FITX"})
	svc.NotifyPxUpdated(Update{Security: "FITX", Reason: "breaking high"})
	svc.NotifyError(errors.New("feed down"))

	if len(batches) != 2 {
		t.Fatalf("batch callbacks fired %d times, want 2", len(batches))
	}
	if len(updates) != 1 || updates[0].Reason != "breaking high" {
		t.Fatalf("updates = %+v", updates)
	}
	if len(errs) != 1 {
		t.Fatalf("error callbacks fired %d times, want 1", len(errs))
	}
}

package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"kl-core/internal/markethours"
	"kl-core/internal/model"
)

// ErrNoData means the upstream held no rows at all for the requested
// window. Callers treat it as a cold instrument, not a failure.
var ErrNoData = errors.New("feed: no history data for window")

// historyReadyTimeout bounds the ready handshake; an upstream that never
// answers "Ready" has abandoned the subscription.
const historyReadyTimeout = 30 * time.Second

// PullHistory runs the full three-phase protocol for one (symbol, interval)
// window: subscribe, wait for the readiness push, page until an empty page,
// then release the subscription. Returned bars are ascending by epoch with
// duplicate epochs collapsed to the last row seen.
func (g *Gateway) PullHistory(ctx context.Context, symbol string, iv model.Interval, start, end time.Time) ([]model.Bar, error) {
	ready := g.registerWaiter(symbol, iv)

	if err := g.client.SubscribeHistory(ctx, symbol, iv, start, end); err != nil {
		g.dropWaiter(symbol, iv)
		return nil, err
	}

	select {
	case ok := <-ready:
		if !ok {
			g.log.Warn("history not ready, abandoning window",
				"symbol", symbol, "interval", iv.WireCode())
			return nil, fmt.Errorf("feed: history for %s %s not ready", symbol, iv.WireCode())
		}
	case <-time.After(historyReadyTimeout):
		g.dropWaiter(symbol, iv)
		return nil, fmt.Errorf("feed: history ready handshake for %s %s timed out", symbol, iv.WireCode())
	case <-ctx.Done():
		g.dropWaiter(symbol, iv)
		return nil, ctx.Err()
	}

	rule := markethours.RuleDayOnly
	if g.universe != nil {
		if in, ok := g.universe.BySymbol(symbol); ok {
			rule = in.Session
		}
	}

	byEpoch := make(map[int64]model.Bar)
	for page := 0; ; page++ {
		rows, err := g.client.GetHistoryPage(ctx, symbol, iv, start, end, page)
		if err != nil {
			// Release the upstream subscription before surfacing the error.
			if cerr := g.client.CompleteHistory(ctx, symbol, iv, start, end); cerr != nil {
				g.log.Warn("history completion failed", "symbol", symbol, "err", cerr)
			}
			return nil, err
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			bar, err := parseHistoryRow(row, iv, rule)
			if err != nil {
				g.log.Warn("malformed history row dropped", "symbol", symbol, "err", err)
				continue
			}
			byEpoch[bar.Epoch] = bar
		}
	}

	if err := g.client.CompleteHistory(ctx, symbol, iv, start, end); err != nil {
		g.log.Warn("history completion failed", "symbol", symbol, "err", err)
	}

	if len(byEpoch) == 0 {
		return nil, ErrNoData
	}
	bars := make([]model.Bar, 0, len(byEpoch))
	for _, b := range byEpoch {
		bars = append(bars, b)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Epoch < bars[j].Epoch })
	return bars, nil
}

// HistoryWindow derives the paged window for one interval ending at now:
// the interval's pagination depth back from the current hour boundary.
func HistoryWindow(iv model.Interval, now time.Time) (time.Time, time.Time) {
	end := now.Truncate(time.Hour).Add(time.Hour)
	start := end.Add(-time.Duration(iv.PaginationHours()) * time.Hour)
	return start, end
}

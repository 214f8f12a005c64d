// Package px is the in-process serving boundary: synchronous snapshot
// reads of calculated tables, plus the callback registry the serving layer
// hooks into for push-style updates. The HTTP/WS surface lives outside the
// engine.
package px

import (
	"context"
	"fmt"
	"sync"

	"kl-core/internal/model"
)

// Store is the calculated-table reader GetPxData needs.
type Store interface {
	Calculated(ctx context.Context, security string, iv model.Interval, period, limit int) ([]model.CalculatedRow, error)
}

// Table is one config's result: the selected calculated rows, ascending.
type Table struct {
	Config model.PxDataConfig
	Rows   []model.CalculatedRow
}

// Update is a gated market-price push.
type Update struct {
	Security string
	Tick     model.Tick
	Reason   string // force-send reason, "" for interval-gated sends
}

// Service answers snapshot reads and fans out engine events to registered
// callbacks. Callbacks run on the notifying goroutine and must not block.
type Service struct {
	store Store

	mu              sync.RWMutex
	onBatchComplete []func([]string)
	onPxUpdated     []func(Update)
	onError         []func(error)
}

// NewService creates a serving boundary over a store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// GetPxData reads one table per config. A config whose period is a whole
// number of days reads the day table; everything else reads the minute
// table. Offset skips rows from the tail; Limit caps the result (0 = all).
func (s *Service) GetPxData(ctx context.Context, configs []model.PxDataConfig) ([]Table, error) {
	out := make([]Table, 0, len(configs))
	for _, cfg := range configs {
		if cfg.PeriodMin <= 0 {
			return nil, fmt.Errorf("px: %s: period must be positive", cfg)
		}
		iv, period := model.IntervalMinute, cfg.PeriodMin
		if cfg.PeriodMin%(24*60) == 0 {
			iv, period = model.IntervalDay, cfg.PeriodMin/(24*60)
		}

		rows, err := s.store.Calculated(ctx, cfg.Security, iv, period, 0)
		if err != nil {
			return nil, fmt.Errorf("px: read %s: %w", cfg, err)
		}
		out = append(out, Table{Config: cfg, Rows: window(rows, cfg.Offset, cfg.Limit)})
	}
	return out, nil
}

// window selects limit rows ending offset before the tail.
func window(rows []model.CalculatedRow, offset, limit int) []model.CalculatedRow {
	end := len(rows) - offset
	if end <= 0 {
		return nil
	}
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}
	return rows[start:end]
}

// OnBatchComplete registers a callback for completed recompute batches.
func (s *Service) OnBatchComplete(fn func(securities []string)) {
	s.mu.Lock()
	s.onBatchComplete = append(s.onBatchComplete, fn)
	s.mu.Unlock()
}

// OnPxUpdated registers a callback for gated market-price updates.
func (s *Service) OnPxUpdated(fn func(Update)) {
	s.mu.Lock()
	s.onPxUpdated = append(s.onPxUpdated, fn)
	s.mu.Unlock()
}

// OnError registers a callback for engine-side errors worth surfacing.
func (s *Service) OnError(fn func(error)) {
	s.mu.Lock()
	s.onError = append(s.onError, fn)
	s.mu.Unlock()
}

// NotifyBatchComplete fans a batch-complete event out to the registry.
func (s *Service) NotifyBatchComplete(securities []string) {
	s.mu.RLock()
	fns := s.onBatchComplete
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(securities)
	}
}

// NotifyPxUpdated fans a price update out to the registry.
func (s *Service) NotifyPxUpdated(u Update) {
	s.mu.RLock()
	fns := s.onPxUpdated
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(u)
	}
}

// NotifyError fans an error out to the registry.
func (s *Service) NotifyError(err error) {
	s.mu.RLock()
	fns := s.onError
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}

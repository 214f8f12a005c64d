// Package calc serializes recomputation: it turns cache mutations into
// ordered batches of indicator jobs, fetches each distinct bar requirement
// once, runs the engine in partial mode where the stored table still seeds
// it, and persists every result of a batch in one transaction.
package calc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"kl-core/internal/cache"
	"kl-core/internal/indicator"
	"kl-core/internal/metrics"
	"kl-core/internal/model"
)

// Job names one recompute unit: one security, one base interval, one
// aggregation period.
type Job struct {
	Security string
	Interval model.Interval
	Period   int
}

// Store is the persistence collaborator the orchestrator needs. Bars and
// Calculated return the most recent rows ascending by epoch, at most limit.
type Store interface {
	Bars(ctx context.Context, security string, iv model.Interval, limit int) ([]model.Bar, error)
	Calculated(ctx context.Context, security string, iv model.Interval, period, limit int) ([]model.CalculatedRow, error)
	SaveCalculated(ctx context.Context, batch []model.CalcBatch) error
}

// Publisher receives the batch-complete notification after persist.
type Publisher interface {
	PublishBatchComplete(ctx context.Context, securities []string) error
}

// Batch triggers, used as the metrics label and in logs.
const (
	TriggerNewBar   = "new_bar"
	TriggerTick     = "tick"
	TriggerBackfill = "backfill"
)

// Config tunes the orchestrator.
type Config struct {
	Workers int // bar-fetch worker pool size; 0 means 4
}

// Orchestrator runs recompute batches under a single lock, so at most one
// batch is in flight and every batch sees a consistent store state.
type Orchestrator struct {
	cache  *cache.Cache
	engine *indicator.Engine
	store  Store
	pub    Publisher
	met    *metrics.Metrics
	log    *slog.Logger

	workers int

	mu sync.Mutex // the batch lock
}

// New assembles an orchestrator. Metrics and publisher may be nil.
func New(cfg Config, c *cache.Cache, eng *indicator.Engine, st Store, pub Publisher, met *metrics.Metrics, log *slog.Logger) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cache:   c,
		engine:  eng,
		store:   st,
		pub:     pub,
		met:     met,
		log:     log.With("component", "calc"),
		workers: cfg.Workers,
	}
}

// RunNewBar runs a batch for a new-bar (or backfill) trigger. It blocks
// until any in-flight batch finishes; new-bar work is never dropped.
func (o *Orchestrator) RunNewBar(ctx context.Context, jobs []Job) error {
	return o.run(ctx, TriggerNewBar, jobs)
}

// RunBackfill is RunNewBar under the backfill trigger label, used for the
// initial history-driven computation.
func (o *Orchestrator) RunBackfill(ctx context.Context, jobs []Job) error {
	return o.run(ctx, TriggerBackfill, jobs)
}

func (o *Orchestrator) run(ctx context.Context, trigger string, jobs []Job) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runBatch(ctx, trigger, jobs)
}

// TryRunLast runs a tick-triggered batch only when no batch is in flight.
// A held lock means a recompute of the same current bars is already
// running; the dropped batch is counted, never queued.
func (o *Orchestrator) TryRunLast(ctx context.Context, jobs []Job) bool {
	if !o.mu.TryLock() {
		if o.met != nil {
			o.met.DroppedTickBatches.Inc()
		}
		return false
	}
	defer o.mu.Unlock()
	if err := o.runBatch(ctx, TriggerTick, jobs); err != nil {
		o.log.Error("tick batch failed", "err", err)
	}
	return true
}

type reqKey struct {
	security string
	interval model.Interval
}

// runBatch executes one batch: requirement superset → pooled fetch →
// per-job compute → single persist → publish. Caller holds the lock.
func (o *Orchestrator) runBatch(ctx context.Context, trigger string, jobs []Job) error {
	if len(jobs) == 0 {
		return nil
	}
	start := time.Now()
	defer func() {
		if o.met != nil {
			o.met.BatchesTotal.WithLabelValues(trigger).Inc()
			o.met.RecomputeDur.Observe(time.Since(start).Seconds())
		}
	}()

	// Several jobs share one (security, interval) table; fetch it once at
	// the deepest lookback any of them needs.
	need := make(map[reqKey]int)
	for _, j := range jobs {
		k := reqKey{j.Security, j.Interval}
		if lb := o.engine.Lookback(j.Interval, j.Period); lb > need[k] {
			need[k] = lb
		}
	}

	bars := o.fetchAll(ctx, need)

	var batch []model.CalcBatch
	rowsTotal := 0
	for _, j := range jobs {
		table := bars[reqKey{j.Security, j.Interval}]
		if len(table) == 0 {
			o.log.Warn("job skipped, no bars", "security", j.Security,
				"interval", j.Interval.String(), "period", j.Period, "trigger", trigger)
			if o.met != nil {
				o.met.JobsSkipped.Inc()
			}
			continue
		}
		cb, err := o.computeJob(ctx, j, table)
		if err != nil {
			o.log.Warn("job skipped", "security", j.Security,
				"interval", j.Interval.String(), "period", j.Period, "err", err)
			if o.met != nil {
				o.met.JobsSkipped.Inc()
			}
			continue
		}
		rowsTotal += len(cb.Rows)
		batch = append(batch, cb)
	}
	if len(batch) == 0 {
		return nil
	}

	if err := o.store.SaveCalculated(ctx, batch); err != nil {
		return fmt.Errorf("calc: persist batch: %w", err)
	}
	if o.met != nil {
		o.met.RowsPersistedTotal.Add(float64(rowsTotal))
	}

	if o.pub != nil {
		if err := o.pub.PublishBatchComplete(ctx, distinctSecurities(batch)); err != nil {
			o.log.Warn("batch-complete publish failed", "err", err)
		}
	}
	return nil
}

// computeJob runs one job, preferring partial mode seeded by the stored
// table and falling back to full when the seed is too old.
func (o *Orchestrator) computeJob(ctx context.Context, j Job, table []model.Bar) (model.CalcBatch, error) {
	in := indicator.Input{Security: j.Security, Interval: j.Interval, Period: j.Period, Bars: table}

	// Enough stored rows to cover the aggregated window plus the seed.
	prevLimit := len(table)/j.Period + 2
	prev, err := o.store.Calculated(ctx, j.Security, j.Interval, j.Period, prevLimit)
	if err != nil {
		return model.CalcBatch{}, fmt.Errorf("load calculated: %w", err)
	}

	if len(prev) > 0 {
		rows, perr := o.engine.ComputePartial(in, prev)
		if perr == nil {
			if o.met != nil {
				o.met.PartialRecomputes.Inc()
			}
			return model.CalcBatch{
				Security: j.Security, Interval: j.Interval, Period: j.Period,
				Rows: rows,
			}, nil
		}
		if !errors.Is(perr, indicator.ErrCachedDataTooOld) {
			return model.CalcBatch{}, perr
		}
		if o.met != nil {
			o.met.StaleSeedFallbacks.Inc()
		}
	}

	if o.met != nil {
		o.met.FullRecomputes.Inc()
	}
	return model.CalcBatch{
		Security: j.Security, Interval: j.Interval, Period: j.Period,
		Full: true, Rows: o.engine.ComputeFull(in),
	}, nil
}

// fetchAll resolves every requirement through a bounded worker pool.
// Failures leave the requirement absent; the affected jobs are skipped.
func (o *Orchestrator) fetchAll(ctx context.Context, need map[reqKey]int) map[reqKey][]model.Bar {
	type task struct {
		key      reqKey
		lookback int
	}
	tasks := make(chan task, len(need))
	for k, lb := range need {
		tasks <- task{k, lb}
	}
	close(tasks)

	out := make(map[reqKey][]model.Bar, len(need))
	var mu sync.Mutex
	var wg sync.WaitGroup

	workers := o.workers
	if workers > len(need) {
		workers = len(need)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				table, err := o.fetchBars(ctx, t.key.security, t.key.interval, t.lookback)
				if err != nil {
					o.log.Warn("bar fetch failed", "security", t.key.security,
						"interval", t.key.interval.String(), "err", err)
					continue
				}
				mu.Lock()
				out[t.key] = table
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return out
}

// fetchBars assembles one requirement's bar table: the hot cache window,
// extended from the store when the lookback reaches past it. The cache copy
// wins on overlapping epochs, since ticks mutate only the cached bars.
func (o *Orchestrator) fetchBars(ctx context.Context, security string, iv model.Interval, lookback int) ([]model.Bar, error) {
	var hot []model.Bar
	if o.cache != nil {
		if e := o.cache.Entry(security, iv); e != nil && e.Ready() {
			hot = e.BarsAscending()
		}
	}
	if len(hot) >= lookback || o.store == nil {
		return tail(hot, lookback), nil
	}

	cold, err := o.store.Bars(ctx, security, iv, lookback)
	if err != nil {
		if len(hot) > 0 {
			return hot, nil
		}
		return nil, err
	}

	merged := make(map[int64]model.Bar, len(cold)+len(hot))
	for _, b := range cold {
		merged[b.Epoch] = b
	}
	for _, b := range hot {
		merged[b.Epoch] = b
	}
	table := make([]model.Bar, 0, len(merged))
	for _, b := range merged {
		table = append(table, b)
	}
	sort.Slice(table, func(i, j int) bool { return table[i].Epoch < table[j].Epoch })
	return tail(table, lookback), nil
}

func tail(bars []model.Bar, n int) []model.Bar {
	if len(bars) <= n {
		return bars
	}
	return bars[len(bars)-n:]
}

func distinctSecurities(batch []model.CalcBatch) []string {
	seen := make(map[string]bool, len(batch))
	var out []string
	for _, cb := range batch {
		if !seen[cb.Security] {
			seen[cb.Security] = true
			out = append(out, cb.Security)
		}
	}
	sort.Strings(out)
	return out
}

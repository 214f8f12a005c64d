// Package metrics holds the Prometheus instrumentation for the data
// engine: one struct with every series registered at startup, plus the
// health snapshot served next to /metrics.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the data engine.
type Metrics struct {
	TicksTotal       prometheus.Counter
	HistoryRowsTotal *prometheus.CounterVec // labels: interval
	HistoryPulls     prometheus.Counter
	FeedReconnects   prometheus.Counter

	// Recompute orchestration
	BatchesTotal       *prometheus.CounterVec // labels: trigger=new_bar|tick|backfill
	DroppedTickBatches prometheus.Counter
	JobsSkipped        prometheus.Counter
	PartialRecomputes  prometheus.Counter
	FullRecomputes     prometheus.Counter
	StaleSeedFallbacks prometheus.Counter
	RecomputeDur       prometheus.Histogram
	RowsPersistedTotal prometheus.Counter

	// Cache and send policy
	BarsRolled       prometheus.Counter
	BarsEvicted      prometheus.Counter
	ForceSends       *prometheus.CounterVec // labels: reason
	CoalescedTicks   prometheus.Counter
	StalledRefetches prometheus.Counter

	// Stores
	SQLiteCommitDur   prometheus.Histogram
	RedisPublishDur   prometheus.Histogram
	RedisBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisBreakerTrips prometheus.Counter

	MarketState *prometheus.GaugeVec // labels: security; 0=closed, 1=open
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasrv_ticks_total",
			Help: "Total realtime ticks ingested from the feed",
		}),
		HistoryRowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasrv_history_rows_total",
			Help: "History rows fetched from the feed (by interval)",
		}, []string{"interval"}),
		HistoryPulls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasrv_history_pulls_total",
			Help: "Completed three-phase history pulls",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasrv_feed_reconnects_total",
			Help: "Feed gateway reconnection attempts",
		}),

		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasrv_recompute_batches_total",
			Help: "Recompute batches run (by trigger)",
		}, []string{"trigger"}),
		DroppedTickBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasrv_dropped_tick_batches_total",
			Help: "Tick-triggered batches dropped because a batch was already running",
		}),
		JobsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasrv_recompute_jobs_skipped_total",
			Help: "Jobs skipped inside a batch (no bars, fetch failure)",
		}),
		PartialRecomputes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasrv_partial_recomputes_total",
			Help: "Jobs computed in partial mode",
		}),
		FullRecomputes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasrv_full_recomputes_total",
			Help: "Jobs computed in full mode",
		}),
		StaleSeedFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasrv_stale_seed_fallbacks_total",
			Help: "Partial recomputes that fell back to full (seed too old)",
		}),
		RecomputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "datasrv_recompute_batch_duration_seconds",
			Help:    "Recompute batch latency (fetch + compute + persist)",
			Buckets: prometheus.DefBuckets,
		}),
		RowsPersistedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasrv_calculated_rows_persisted_total",
			Help: "Calculated rows written by delete-then-insert batches",
		}),

		BarsRolled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasrv_bars_rolled_total",
			Help: "New bars opened by the roll ticker",
		}),
		BarsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasrv_bars_evicted_total",
			Help: "Oldest bars evicted to hold the cache window bound",
		}),
		ForceSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasrv_force_sends_total",
			Help: "Sends that bypassed the interval gate (by reason)",
		}, []string{"reason"}),
		CoalescedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasrv_coalesced_ticks_total",
			Help: "Ticks coalesced while the send gate was closed",
		}),
		StalledRefetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasrv_stalled_refetches_total",
			Help: "Subscriptions re-requested after the readiness cooldown",
		}),

		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "datasrv_sqlite_commit_duration_seconds",
			Help:    "SQLite transaction commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisPublishDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "datasrv_redis_publish_duration_seconds",
			Help:    "Redis pipelined publish latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "datasrv_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasrv_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),

		MarketState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "datasrv_market_state",
			Help: "Market session state per security (0=closed, 1=open)",
		}, []string{"security"}),
	}

	prometheus.MustRegister(
		m.TicksTotal,
		m.HistoryRowsTotal,
		m.HistoryPulls,
		m.FeedReconnects,
		m.BatchesTotal,
		m.DroppedTickBatches,
		m.JobsSkipped,
		m.PartialRecomputes,
		m.FullRecomputes,
		m.StaleSeedFallbacks,
		m.RecomputeDur,
		m.RowsPersistedTotal,
		m.BarsRolled,
		m.BarsEvicted,
		m.ForceSends,
		m.CoalescedTicks,
		m.StalledRefetches,
		m.SQLiteCommitDur,
		m.RedisPublishDur,
		m.RedisBreakerState,
		m.RedisBreakerTrips,
		m.MarketState,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool      `json:"feed_connected"`
	LastTickTime   time.Time `json:"last_tick_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks until ctx ends.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if rdb != nil {
					h.CheckRedis(ctx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(ctx, sqlDB)
				}
			}
		}
	}()
}

func (h *HealthStatus) snapshot() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthStatus{
		FeedConnected:   h.FeedConnected,
		LastTickTime:    h.LastTickTime,
		RedisConnected:  h.RedisConnected,
		SQLiteOK:        h.SQLiteOK,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt,
		StartedAt:       h.StartedAt,
	}
}

// Serve exposes /metrics and /healthz on addr. Blocks; run in a goroutine.
func Serve(addr string, health *HealthStatus) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(health.snapshot()); err != nil {
			log.Printf("[metrics] healthz encode: %v", err)
		}
	})
	return http.ListenAndServe(addr, mux)
}

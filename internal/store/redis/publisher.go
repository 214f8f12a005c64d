// Package redis is the serving-side publisher. The engine never reads from
// Redis; it pushes latest calculated snapshots and pub/sub events that the
// chart-serving layer consumes.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"kl-core/internal/metrics"
	"kl-core/internal/model"
)

const defaultLatestTTL = 30 * time.Minute

// Config configures the publisher.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int

	LatestTTL time.Duration // TTL on latest-snapshot keys; 0 means 30m

	BreakerFailures int           // consecutive failures before opening; 0 means 5
	BreakerReset    time.Duration // open-state probe delay; 0 means 10s
}

// Publisher writes latest snapshots and publishes push events, all behind a
// circuit breaker so a dead Redis degrades the engine instead of stalling it.
type Publisher struct {
	client  *goredis.Client
	breaker *CircuitBreaker
	ttl     time.Duration
	met     *metrics.Metrics
}

// New creates a publisher and pings the server.
func New(cfg Config, met *metrics.Metrics) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	if cfg.LatestTTL == 0 {
		cfg.LatestTTL = defaultLatestTTL
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerReset == 0 {
		cfg.BreakerReset = 10 * time.Second
	}

	breaker := NewCircuitBreaker(cfg.BreakerFailures, cfg.BreakerReset)
	if met != nil {
		breaker.OnStateChange = func(from, to State) {
			log.Printf("[redis] circuit breaker %s -> %s", from, to)
			met.RedisBreakerState.Set(float64(to))
			if to == StateOpen {
				met.RedisBreakerTrips.Inc()
			}
		}
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Publisher{client: client, breaker: breaker, ttl: cfg.LatestTTL, met: met}, nil
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Close closes the Redis client.
func (p *Publisher) Close() error { return p.client.Close() }

func latestKey(security string, period int) string {
	return "px:calculated:latest:" + security + ":" + itoa(period)
}

// PublishLatest pipelines, per row, a SET of the latest snapshot with TTL
// plus a PUBLISH for subscribers of that table. Rows are expected to be the
// newest row per (security, period).
func (p *Publisher) PublishLatest(ctx context.Context, rows []model.CalculatedRow) error {
	if len(rows) == 0 {
		return nil
	}
	return p.execute(ctx, func(pipe goredis.Pipeliner) {
		for i := range rows {
			r := &rows[i]
			data := string(r.JSON())
			pipe.Set(ctx, latestKey(r.Security, r.Period), data, p.ttl)
			pipe.Publish(ctx, "pub:px:calculated:"+r.Security+":"+itoa(r.Period), data)
		}
	})
}

// batchEvent is the payload of a batch-complete notification.
type batchEvent struct {
	Securities []string `json:"securities"`
	TS         int64    `json:"ts"`
}

// PublishBatchComplete notifies subscribers that new calculated tables for
// the given securities are queryable.
func (p *Publisher) PublishBatchComplete(ctx context.Context, securities []string) error {
	payload, err := json.Marshal(batchEvent{Securities: securities, TS: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("redis marshal batch event: %w", err)
	}
	return p.execute(ctx, func(pipe goredis.Pipeliner) {
		pipe.Publish(ctx, "pub:px:batch", string(payload))
		for _, sec := range securities {
			pipe.Publish(ctx, "pub:px:batch:"+sec, string(payload))
		}
	})
}

// tickEvent is the payload of a market-price update push.
type tickEvent struct {
	Security string  `json:"security"`
	Price    float64 `json:"price"`
	Qty      int64   `json:"qty"`
	TS       int64   `json:"ts"`
	Reason   string  `json:"reason,omitempty"` // force-send reason, if any
}

// PublishTick pushes one gated market-price update, carrying the force-send
// reason when the update bypassed the interval gate.
func (p *Publisher) PublishTick(ctx context.Context, security string, tick model.Tick, reason string) error {
	payload, err := json.Marshal(tickEvent{
		Security: security,
		Price:    tick.Price,
		Qty:      tick.Qty,
		TS:       tick.TickTS.Unix(),
		Reason:   reason,
	})
	if err != nil {
		return fmt.Errorf("redis marshal tick event: %w", err)
	}
	return p.execute(ctx, func(pipe goredis.Pipeliner) {
		pipe.Publish(ctx, "pub:px:tick:"+security, string(payload))
	})
}

// execute runs one pipelined write through the breaker.
func (p *Publisher) execute(ctx context.Context, fill func(goredis.Pipeliner)) error {
	return p.breaker.Execute(func() error {
		start := time.Now()
		pipe := p.client.Pipeline()
		fill(pipe)
		_, err := pipe.Exec(ctx)
		if p.met != nil {
			p.met.RedisPublishDur.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			return fmt.Errorf("redis pipeline: %w", err)
		}
		return nil
	})
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

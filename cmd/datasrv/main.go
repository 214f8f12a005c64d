// datasrv is the charting data engine: it logs into the upstream quoting
// gateway, keeps a windowed bar cache per instrument, recomputes indicator
// tables on every mutation, persists them to SQLite, and publishes serving
// events to Redis.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kl-core/config"
	"kl-core/internal/cache"
	"kl-core/internal/calc"
	"kl-core/internal/feed"
	"kl-core/internal/indicator"
	"kl-core/internal/logger"
	"kl-core/internal/markethours"
	"kl-core/internal/metrics"
	"kl-core/internal/model"
	"kl-core/internal/px"
	redisstore "kl-core/internal/store/redis"
	"kl-core/internal/store/sqlite"
)

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/datasrv.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("[datasrv] config: %v", err)
	}

	lg := logger.Init(cfg.Service, logger.ParseLevel(cfg.LogLevel))
	met := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	go func() {
		if err := metrics.Serve(cfg.MetricsAddr, health); err != nil {
			lg.Error("metrics server stopped", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := newServer(cfg, met, health, lg)
	if err != nil {
		lg.Error("startup failed", "err", err)
		os.Exit(1)
	}

	if err := srv.start(ctx); err != nil {
		lg.Error("start failed", "err", err)
		srv.close()
		os.Exit(1)
	}

	<-ctx.Done()
	lg.Info("shutting down")
	srv.stop()
	srv.close()
}

// server owns every long-lived component and the goroutines between them.
type server struct {
	cfg    *config.Config
	log    *slog.Logger
	met    *metrics.Metrics
	health *metrics.HealthStatus

	universe *model.Universe
	cache    *cache.Cache
	gate     *cache.SendGate
	store    *sqlite.Store
	pub      *redisstore.Publisher
	pxSvc    *px.Service
	orch     *calc.Orchestrator
	gw       *feed.Gateway

	// ticks is the hand-off from the feed consumer goroutine to the single
	// ingestion goroutine that owns all cache mutations.
	ticks chan model.Tick
}

func newServer(cfg *config.Config, met *metrics.Metrics, health *metrics.HealthStatus, lg *slog.Logger) (*server, error) {
	store, err := sqlite.New(sqlite.Config{DBPath: cfg.SQLitePath}, met)
	if err != nil {
		return nil, err
	}
	pub, err := redisstore.New(redisstore.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, met)
	if err != nil {
		store.Close()
		return nil, err
	}

	universe := model.NewUniverse()
	for _, in := range cfg.Instruments {
		rule, err := markethours.ParseRule(in.SessionRule)
		if err != nil {
			store.Close()
			pub.Close()
			return nil, fmt.Errorf("instrument %s: %w", in.Security, err)
		}
		universe.Add(model.Resolve(in.Exchange, in.Product, in.Expiry, in.Security,
			in.TickSize, in.Decimals, rule))
	}

	srv := &server{
		cfg:      cfg,
		log:      lg,
		met:      met,
		health:   health,
		universe: universe,
		cache:    cache.New(),
		gate:     cache.NewSendGate(cfg.MinSendInterval.Std()),
		store:    store,
		pub:      pub,
		pxSvc:    px.NewService(store),
		ticks:    make(chan model.Tick, 4096),
	}

	engine := indicator.New(indicator.Config{
		MAPeriods: cfg.MAPeriods,
		FastEMA:   cfg.FastEMA,
		SlowEMA:   cfg.SlowEMA,
		SignalEMA: cfg.SignalEMA,
	})
	srv.orch = calc.New(calc.Config{Workers: cfg.RecomputeWorkers},
		srv.cache, engine, store, srv, met, lg)

	srv.gw = feed.NewGateway(
		feed.NewWSTransport(feed.WSConfig{Host: cfg.Gateway.Host, ReqPort: cfg.Gateway.ReqPort}),
		feed.Credentials{
			AppID:      cfg.Gateway.AppID,
			ServiceKey: cfg.Gateway.ServiceKey,
			TOTPSecret: cfg.Gateway.TOTPSecret,
		},
		universe,
		feed.Hooks{OnTick: srv.onTick, OnError: srv.pxSvc.NotifyError},
		lg,
	)
	return srv, nil
}

// PublishBatchComplete fans the orchestrator's batch event out to Redis and
// to the in-process callback registry.
func (s *server) PublishBatchComplete(ctx context.Context, securities []string) error {
	s.pxSvc.NotifyBatchComplete(securities)
	return s.pub.PublishBatchComplete(ctx, securities)
}

// start logs in (fatal on failure), subscribes everything, backfills
// history, and launches the long-lived loops.
func (s *server) start(ctx context.Context) error {
	if err := s.gw.Start(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	s.health.SetFeedConnected(true)

	for _, in := range s.universe.All() {
		icfg := s.instrumentConfig(in.Security)
		params := model.RequestParams{
			MinutePeriods: icfg.MinutePeriods,
			DayPeriods:    icfg.DayPeriods,
			HistoryEnd:    time.Now(),
		}
		params.HistoryStart = params.HistoryEnd.Add(-s.cfg.HistoryBackfill.Std())
		s.cache.Subscribe(in, params, s.cfg.CacheWindow)

		if err := s.gw.Client().SubscribeRealtime(ctx, in.Symbol); err != nil {
			return fmt.Errorf("subscribe %s: %w", in.Security, err)
		}
		if err := s.backfill(ctx, in, true); err != nil {
			return fmt.Errorf("backfill %s: %w", in.Security, err)
		}
	}

	if err := s.orch.RunBackfill(ctx, s.allJobs()); err != nil {
		s.log.Error("initial recompute failed", "err", err)
	}

	s.health.StartLivenessChecker(ctx, s.pub.Client(), s.store.DB(), 15*time.Second)
	go s.ingestLoop(ctx)
	go s.rollLoop(ctx)
	go s.refetchLoop(ctx)
	go s.reconnectLoop(ctx)
	return nil
}

// reconnectLoop watches the gateway state and re-establishes the session
// after a push-channel failure, with capped exponential backoff. Realtime
// subscriptions are re-issued; the refetch loop backfills whatever was
// missed once the stall cooldown elapses.
func (s *server) reconnectLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.gw.State() != feed.StateDisconnected {
				backoff = time.Second
				continue
			}
			s.health.SetFeedConnected(false)
			s.log.Warn("feed disconnected, reconnecting", "backoff", backoff.String())

			s.gw.Stop(ctx)
			if err := s.gw.Start(ctx); err != nil {
				s.log.Error("reconnect failed", "err", err)
				if backoff < time.Minute {
					backoff *= 2
				}
				ticker.Reset(backoff)
				continue
			}
			s.met.FeedReconnects.Inc()
			s.health.SetFeedConnected(true)
			backoff = time.Second
			ticker.Reset(5 * time.Second)

			for _, in := range s.universe.All() {
				if err := s.gw.Client().SubscribeRealtime(ctx, in.Symbol); err != nil {
					s.log.Warn("re-subscribe after reconnect failed",
						"security", in.Security, "err", err)
				}
			}
		}
	}
}

func (s *server) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.gw.Stop(ctx)
	s.health.SetFeedConnected(false)
}

func (s *server) close() {
	s.pub.Close()
	s.store.Close()
}

func (s *server) instrumentConfig(security string) config.InstrumentConfig {
	for _, in := range s.cfg.Instruments {
		if in.Security == security {
			return in
		}
	}
	return config.InstrumentConfig{}
}

// backfill pulls history for every interval the instrument's request needs,
// persisting it and seeding the cache. A full pull covers the configured
// backfill depth; a recent pull covers one pagination window, enough for
// the periodic reconciliation of roll-seeded bars. An empty upstream window
// is a cold instrument, not an error.
func (s *server) backfill(ctx context.Context, in model.Instrument, full bool) error {
	params := s.cache.Params(in.Security)
	if params == nil {
		return nil
	}
	for _, iv := range params.Intervals() {
		start, end := feed.HistoryWindow(iv, time.Now())
		if full && iv == model.IntervalMinute {
			start = params.HistoryStart
		}
		bars, err := s.gw.PullHistory(ctx, in.Symbol, iv, start, end)
		if err != nil {
			if errors.Is(err, feed.ErrNoData) {
				s.log.Warn("no history upstream", "security", in.Security, "interval", iv.String())
				continue
			}
			return err
		}
		s.met.HistoryRowsTotal.WithLabelValues(iv.String()).Add(float64(len(bars)))
		s.met.HistoryPulls.Inc()

		if err := s.store.StoreBars(ctx, in.Security, iv, bars); err != nil {
			return err
		}
		if e := s.cache.Entry(in.Security, iv); e != nil {
			e.IngestHistory(bars)
		}
	}
	return nil
}

// onTick runs on the feed consumer goroutine; it must never block, so a
// full ingestion channel drops the tick.
func (s *server) onTick(tick model.Tick) {
	select {
	case s.ticks <- tick:
	default:
		s.log.Warn("ingestion backlog full, tick dropped", "symbol", tick.Symbol)
	}
}

// ingestLoop is the single owner of cache mutations: it applies each tick,
// runs the send gate, and fires a drop-if-busy recompute of current rows.
func (s *server) ingestLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-s.ticks:
			s.ingestTick(ctx, tick)
		}
	}
}

func (s *server) ingestTick(ctx context.Context, tick model.Tick) {
	in, ok := s.universe.BySymbol(tick.Symbol)
	if !ok {
		return
	}
	s.met.TicksTotal.Inc()
	s.health.SetLastTickTime(tick.TickTS)

	params := s.cache.Params(in.Security)
	if params == nil {
		return
	}

	var reason string
	for _, iv := range params.Intervals() {
		e := s.cache.Entry(in.Security, iv)
		if e == nil {
			continue
		}
		if r := e.IngestTick(tick); r != "" && reason == "" {
			reason = r
		}
	}
	if reason != "" {
		s.met.ForceSends.WithLabelValues(reason).Inc()
	}

	updates, ok := s.gate.Offer(in.Security, tick, reason)
	if !ok {
		s.met.CoalescedTicks.Inc()
	}
	for _, u := range updates {
		if err := s.pub.PublishTick(ctx, u.Security, u.Tick, u.Reason); err != nil {
			s.log.Warn("tick publish failed", "err", err)
		}
		s.pxSvc.NotifyPxUpdated(px.Update{Security: u.Security, Tick: u.Tick, Reason: u.Reason})
	}

	jobs := s.jobsFor(in.Security)
	go s.orch.TryRunLast(ctx, jobs)
}

// rollLoop opens a new current bar at every minute boundary for open
// markets, then triggers the blocking new-bar recompute.
func (s *server) rollLoop(ctx context.Context) {
	// Align to the next minute boundary first.
	now := time.Now()
	next := now.Truncate(time.Minute).Add(time.Minute)
	timer := time.NewTimer(next.Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-timer.C:
			s.rollBars(ctx, t)
			next = next.Add(time.Minute)
			timer.Reset(time.Until(next))
		}
	}
}

func (s *server) rollBars(ctx context.Context, now time.Time) {
	rolled := false
	for _, in := range s.universe.All() {
		if markethours.IsMarketClosed(in.Session, now) {
			s.met.MarketState.WithLabelValues(in.Security).Set(0)
			continue
		}
		s.met.MarketState.WithLabelValues(in.Security).Set(1)

		params := s.cache.Params(in.Security)
		if params == nil {
			continue
		}
		for _, iv := range params.Intervals() {
			e := s.cache.Entry(in.Security, iv)
			if e == nil || !e.Ready() {
				continue
			}
			epoch := iv.Truncate(now.Unix())
			if iv == model.IntervalDay {
				// Day bars are keyed by market date, matching the epoch
				// convention history parsing uses for day rows.
				epoch = markethours.DayEpoch(in.Session, now)
			}
			if epoch != e.LastEpoch() {
				if e.Len() == e.Window() {
					s.met.BarsEvicted.Inc()
				}
				e.RollNewBar(epoch)
				s.met.BarsRolled.Inc()
				rolled = true
			}
		}
	}
	if !rolled {
		return
	}
	go func() {
		if err := s.orch.RunNewBar(ctx, s.allJobs()); err != nil {
			s.log.Error("new-bar recompute failed", "err", err)
		}
	}()
}

// refetchLoop periodically reconciles every open-market subscription
// against upstream history and re-requests the ones that never produced
// data, skipping closed markets. Ready tables get a recent-window re-pull
// so roll-seeded opens and tick-accumulated volumes converge on the
// authoritative rows; stalled ones get a fresh subscribe plus a full pull.
func (s *server) refetchLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RefetchInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.refetch(ctx, now)
		}
	}
}

func (s *server) refetch(ctx context.Context, now time.Time) {
	cooldown := s.cfg.RequestCooldown.Std()
	stalled := make(map[string]bool)
	for _, security := range s.cache.Stalled(cooldown, now) {
		stalled[security] = true
	}

	var jobs []calc.Job
	for _, security := range s.cache.RefetchDue(cooldown, now) {
		in, ok := s.universe.BySecurity(security)
		if !ok || markethours.IsMarketClosed(in.Session, now) {
			continue
		}
		if stalled[security] {
			s.log.Info("re-requesting stalled subscription", "security", security)
			s.met.StalledRefetches.Inc()
			if err := s.gw.Client().SubscribeRealtime(ctx, in.Symbol); err != nil {
				s.log.Warn("re-subscribe failed", "security", security, "err", err)
				continue
			}
		}
		if err := s.backfill(ctx, in, stalled[security]); err != nil {
			s.log.Warn("re-backfill failed", "security", security, "err", err)
			continue
		}
		s.cache.TouchRequest(security)
		jobs = append(jobs, s.jobsFor(security)...)
	}
	if len(jobs) == 0 {
		return
	}
	go func() {
		if err := s.orch.RunBackfill(ctx, jobs); err != nil {
			s.log.Error("refetch recompute failed", "err", err)
		}
	}()
}

func (s *server) jobsFor(security string) []calc.Job {
	params := s.cache.Params(security)
	if params == nil {
		return nil
	}
	var jobs []calc.Job
	for _, iv := range params.Intervals() {
		for _, p := range params.Periods(iv) {
			jobs = append(jobs, calc.Job{Security: security, Interval: iv, Period: p})
		}
	}
	return jobs
}

func (s *server) allJobs() []calc.Job {
	var jobs []calc.Job
	for _, in := range s.universe.All() {
		jobs = append(jobs, s.jobsFor(in.Security)...)
	}
	return jobs
}

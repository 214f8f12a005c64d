package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"kl-core/internal/model"
)

// State tracks the gateway connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateLoggedIn
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLoggedIn:
		return "logged_in"
	case StateStreaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

// Hooks are the gateway's outbound callbacks. OnTick runs on the consumer
// goroutine, so it must not block. Nil hooks are skipped.
type Hooks struct {
	OnTick  func(model.Tick)
	OnError func(error)
}

// Gateway owns the upstream session: it logs in, answers keep-alive pings,
// and runs the single consumer loop that demultiplexes push messages into
// ticks, history readiness signals, and pings.
type Gateway struct {
	client    *ProtocolClient
	transport Transport
	universe  *model.Universe
	hooks     Hooks
	log       *slog.Logger

	state atomic.Int32

	// pings feeds the keep-alive responder; the consumer loop never
	// performs a round trip itself.
	pings chan string

	mu      sync.Mutex
	waiters map[waiterKey]chan bool // history ready handshakes
}

type waiterKey struct {
	symbol string
	tag    string // "1K" or "DK"
}

// NewGateway assembles a gateway over a transport.
func NewGateway(t Transport, creds Credentials, universe *model.Universe, hooks Hooks, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		client:    NewProtocolClient(t, creds),
		transport: t,
		universe:  universe,
		hooks:     hooks,
		log:       log.With("component", "feed"),
		pings:     make(chan string, 8),
		waiters:   make(map[waiterKey]chan bool),
	}
}

// State reports the current lifecycle state.
func (g *Gateway) State() State { return State(g.state.Load()) }

// Client exposes the typed protocol operations for history pulls and
// subscription management.
func (g *Gateway) Client() *ProtocolClient { return g.client }

// Start dials, logs in, and opens the push channel. The consumer and
// keep-alive loops run until ctx is cancelled. A login failure is returned
// to the caller; without a session nothing else can run.
func (g *Gateway) Start(ctx context.Context) error {
	g.state.Store(int32(StateConnecting))
	if err := g.transport.Connect(ctx); err != nil {
		g.state.Store(int32(StateDisconnected))
		return err
	}

	res, err := g.client.Login(ctx)
	if err != nil {
		g.state.Store(int32(StateDisconnected))
		return err
	}
	g.state.Store(int32(StateLoggedIn))
	g.log.Info("logged in", "sub_port", res.SubPort)

	if err := g.transport.OpenPush(ctx, res.SubPort); err != nil {
		g.state.Store(int32(StateDisconnected))
		return err
	}
	g.state.Store(int32(StateStreaming))

	go g.keepAliveLoop(ctx)
	go g.consumeLoop(ctx)
	return nil
}

// Stop logs out and closes both channels.
func (g *Gateway) Stop(ctx context.Context) {
	if g.State() >= StateLoggedIn {
		if err := g.client.Logout(ctx); err != nil {
			g.log.Warn("logout failed", "err", err)
		}
	}
	g.transport.Close()
	g.state.Store(int32(StateDisconnected))
}

// keepAliveLoop answers every ping forwarded by the consumer loop. It runs
// on its own goroutine so a slow round trip never stalls push consumption.
func (g *Gateway) keepAliveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-g.pings:
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := g.client.Pong(pctx, id); err != nil {
				g.log.Warn("pong failed", "err", err)
				g.emitError(fmt.Errorf("feed: keep-alive: %w", err))
			}
			cancel()
		}
	}
}

// consumeLoop is the single reader of the push channel. Every message is
// demultiplexed by its DataType tag; unknown tags and malformed payloads
// are logged and dropped, never fatal.
func (g *Gateway) consumeLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		body, err := g.transport.ReadPush()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.log.Error("push read failed", "err", err)
			g.emitError(err)
			g.state.Store(int32(StateDisconnected))
			return
		}
		g.dispatch(body)
	}
}

func (g *Gateway) dispatch(body []byte) {
	var msg pushMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		g.log.Warn("malformed push message dropped", "err", err)
		return
	}

	switch msg.DataType {
	case TagPing:
		select {
		case g.pings <- msg.ID:
		default:
			g.log.Warn("ping dropped, responder busy")
		}

	case TagRealtime:
		tick, err := parseTick(msg.Quote, time.Now())
		if err != nil {
			g.log.Warn("malformed tick dropped", "err", err)
			return
		}
		if g.universe != nil {
			if _, ok := g.universe.BySymbol(tick.Symbol); !ok {
				// Unsubscribed symbols can keep pushing briefly.
				return
			}
		}
		if g.hooks.OnTick != nil {
			g.hooks.OnTick(tick)
		}

	case TagMinuteBatch, TagDayBatch:
		g.resolveWaiter(waiterKey{symbol: msg.Symbol, tag: msg.DataType}, msg.Status == "Ready")

	case TagUnsubAck:
		g.log.Info("unsubscribe acknowledged", "symbol", msg.Symbol)

	default:
		g.log.Warn("unknown push tag dropped", "tag", msg.DataType)
	}
}

// awaitHistoryReady registers a handshake waiter before the subscribe is
// sent, so a fast upstream cannot race the registration.
func (g *Gateway) registerWaiter(symbol string, iv model.Interval) chan bool {
	ch := make(chan bool, 1)
	g.mu.Lock()
	g.waiters[waiterKey{symbol: symbol, tag: iv.WireCode()}] = ch
	g.mu.Unlock()
	return ch
}

func (g *Gateway) dropWaiter(symbol string, iv model.Interval) {
	g.mu.Lock()
	delete(g.waiters, waiterKey{symbol: symbol, tag: iv.WireCode()})
	g.mu.Unlock()
}

func (g *Gateway) resolveWaiter(key waiterKey, ready bool) {
	g.mu.Lock()
	ch, ok := g.waiters[key]
	if ok {
		delete(g.waiters, key)
	}
	g.mu.Unlock()
	if !ok {
		g.log.Warn("history status with no waiter", "symbol", key.symbol, "tag", key.tag, "ready", ready)
		return
	}
	ch <- ready
}

func (g *Gateway) emitError(err error) {
	if g.hooks.OnError != nil {
		g.hooks.OnError(err)
	}
}

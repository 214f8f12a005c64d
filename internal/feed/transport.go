package feed

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the connection capability injected into the protocol client:
// a request/reply channel plus a push channel whose port is only known
// after login. Substituting a mock here is how the gateway is tested
// without a live upstream.
type Transport interface {
	// Connect dials the request/reply channel.
	Connect(ctx context.Context) error
	// Request performs one request/reply round trip. It blocks the calling
	// goroutine until the reply arrives or the context deadline passes.
	Request(ctx context.Context, payload []byte) ([]byte, error)
	// OpenPush dials the push channel on the port revealed by login.
	OpenPush(ctx context.Context, port int) error
	// ReadPush blocks until the next push message arrives.
	ReadPush() ([]byte, error)
	// Close tears down both channels.
	Close() error
}

// WSConfig configures the websocket transport.
type WSConfig struct {
	Host    string // upstream host, e.g. "127.0.0.1"
	ReqPort int
	Timeout time.Duration // per round-trip deadline
}

// wsTransport implements Transport over two gorilla websocket connections:
// one strict request/reply socket and one push socket. Round trips are
// serialized; the upstream replies in order on a dedicated socket.
type wsTransport struct {
	cfg WSConfig

	mu      sync.Mutex // guards the request/reply round trip
	reqConn *websocket.Conn

	pushMu   sync.Mutex
	pushConn *websocket.Conn
}

// NewWSTransport creates an unconnected websocket transport.
func NewWSTransport(cfg WSConfig) Transport {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &wsTransport{cfg: cfg}
}

func (t *wsTransport) Connect(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: t.cfg.Host + ":" + strconv.Itoa(t.cfg.ReqPort), Path: "/req"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", u.String(), err)
	}
	t.mu.Lock()
	t.reqConn = conn
	t.mu.Unlock()
	return nil
}

func (t *wsTransport) Request(ctx context.Context, payload []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reqConn == nil {
		return nil, fmt.Errorf("feed: request before connect")
	}

	deadline := time.Now().Add(t.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.reqConn.SetWriteDeadline(deadline)
	if err := t.reqConn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return nil, fmt.Errorf("feed: write request: %w", err)
	}
	t.reqConn.SetReadDeadline(deadline)
	_, body, err := t.reqConn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("feed: read reply: %w", err)
	}
	return body, nil
}

func (t *wsTransport) OpenPush(ctx context.Context, port int) error {
	u := url.URL{Scheme: "ws", Host: t.cfg.Host + ":" + strconv.Itoa(port), Path: "/sub"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("feed: dial push %s: %w", u.String(), err)
	}
	t.pushMu.Lock()
	t.pushConn = conn
	t.pushMu.Unlock()
	return nil
}

func (t *wsTransport) ReadPush() ([]byte, error) {
	t.pushMu.Lock()
	conn := t.pushConn
	t.pushMu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("feed: push channel not open")
	}
	_, body, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("feed: read push: %w", err)
	}
	return body, nil
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.reqConn != nil {
		t.reqConn.Close()
		t.reqConn = nil
	}
	t.mu.Unlock()

	t.pushMu.Lock()
	if t.pushConn != nil {
		t.pushConn.Close()
		t.pushConn = nil
	}
	t.pushMu.Unlock()
	return nil
}

package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pquerna/otp/totp"

	"kl-core/internal/model"
)

// Credentials identify this service to the upstream quoting gateway.
// TOTPSecret is optional; when set, every login carries a generated
// one-time code as a second factor.
type Credentials struct {
	AppID      string
	ServiceKey string
	TOTPSecret string
}

// LoginResult is what a successful handshake yields.
type LoginResult struct {
	SessionKey string
	SubPort    int
}

// ProtocolClient exposes the upstream protocol as typed operations over an
// injected Transport. It holds the session key after login; it knows
// nothing about caching or dispatch.
type ProtocolClient struct {
	transport Transport
	creds     Credentials

	sessionKey string
}

// NewProtocolClient wraps a transport.
func NewProtocolClient(t Transport, creds Credentials) *ProtocolClient {
	return &ProtocolClient{transport: t, creds: creds}
}

// SessionKey returns the key obtained at login, "" before.
func (c *ProtocolClient) SessionKey() string { return c.sessionKey }

func (c *ProtocolClient) roundTrip(ctx context.Context, req request) (*reply, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("feed: marshal %s: %w", req.Request, err)
	}
	body, err := c.transport.Request(ctx, payload)
	if err != nil {
		return nil, err
	}
	var rep reply
	if err := json.Unmarshal(body, &rep); err != nil {
		return nil, fmt.Errorf("feed: unmarshal %s reply: %w", req.Request, err)
	}
	return &rep, nil
}

// Login performs the credentials handshake. Failure is fatal to the caller:
// the process cannot proceed without a session.
func (c *ProtocolClient) Login(ctx context.Context) (LoginResult, error) {
	param := &requestParam{
		SystemName: c.creds.AppID,
		ServiceKey: c.creds.ServiceKey,
	}
	if c.creds.TOTPSecret != "" {
		code, err := totp.GenerateCode(c.creds.TOTPSecret, time.Now())
		if err != nil {
			return LoginResult{}, fmt.Errorf("feed: generate login otp: %w", err)
		}
		param.OTP = code
	}

	rep, err := c.roundTrip(ctx, request{Request: reqLogin, Param: param})
	if err != nil {
		return LoginResult{}, err
	}
	if !rep.ok() {
		return LoginResult{}, fmt.Errorf("feed: login rejected: %s", rep.ErrMsg)
	}
	c.sessionKey = rep.SessionKey
	return LoginResult{SessionKey: rep.SessionKey, SubPort: rep.SubPort}, nil
}

// Logout releases the session.
func (c *ProtocolClient) Logout(ctx context.Context) error {
	_, err := c.roundTrip(ctx, request{Request: reqLogout, SessionKey: c.sessionKey})
	return err
}

// Pong answers one upstream ping, echoing its id.
func (c *ProtocolClient) Pong(ctx context.Context, echoID string) error {
	rep, err := c.roundTrip(ctx, request{Request: reqPong, SessionKey: c.sessionKey, ID: echoID})
	if err != nil {
		return err
	}
	if !rep.ok() {
		return fmt.Errorf("feed: pong rejected: %s", rep.ErrMsg)
	}
	return nil
}

// SubscribeRealtime asks for tick pushes for one symbol.
func (c *ProtocolClient) SubscribeRealtime(ctx context.Context, symbol string) error {
	rep, err := c.roundTrip(ctx, request{
		Request:    reqSubscribeQuote,
		SessionKey: c.sessionKey,
		Param:      &requestParam{Symbol: symbol, SubDataType: TagRealtime},
	})
	if err != nil {
		return err
	}
	if !rep.ok() {
		return fmt.Errorf("feed: subscribe %s: %s", symbol, rep.ErrMsg)
	}
	return nil
}

// UnsubscribeRealtime stops tick pushes for one symbol. The upstream may
// keep pushing for a while; the consumer loop tolerates that.
func (c *ProtocolClient) UnsubscribeRealtime(ctx context.Context, symbol string) error {
	_, err := c.roundTrip(ctx, request{
		Request:    reqUnsubscribe,
		SessionKey: c.sessionKey,
		Param:      &requestParam{Symbol: symbol, SubDataType: TagRealtime},
	})
	return err
}

// SubscribeHistory opens a history window for paging. Start and end are
// named in YYYYMMDDHH and must differ.
func (c *ProtocolClient) SubscribeHistory(ctx context.Context, symbol string, iv model.Interval, start, end time.Time) error {
	s, e := start.Format(wireTime), end.Format(wireTime)
	if s == e {
		return fmt.Errorf("feed: history window start equals end (%s)", s)
	}
	rep, err := c.roundTrip(ctx, request{
		Request:    reqSubscribeQuote,
		SessionKey: c.sessionKey,
		Param:      &requestParam{Symbol: symbol, SubDataType: iv.WireCode(), StartTime: s, EndTime: e},
	})
	if err != nil {
		return err
	}
	if !rep.ok() {
		return fmt.Errorf("feed: subscribe history %s %s: %s", symbol, iv.WireCode(), rep.ErrMsg)
	}
	return nil
}

// GetHistoryPage fetches one page by index. An empty page means the window
// is exhausted.
func (c *ProtocolClient) GetHistoryPage(ctx context.Context, symbol string, iv model.Interval, start, end time.Time, page int) ([]historyRow, error) {
	rep, err := c.roundTrip(ctx, request{
		Request:    reqGetHistoryPage,
		SessionKey: c.sessionKey,
		Param: &requestParam{
			Symbol:      symbol,
			SubDataType: iv.WireCode(),
			StartTime:   start.Format(wireTime),
			EndTime:     end.Format(wireTime),
			QryIndex:    strconv.Itoa(page),
		},
	})
	if err != nil {
		return nil, err
	}
	if !rep.ok() {
		return nil, fmt.Errorf("feed: history page %d for %s: %s", page, symbol, rep.ErrMsg)
	}
	return rep.HisData, nil
}

// CompleteHistory releases the upstream history subscription once all pages
// are consumed.
func (c *ProtocolClient) CompleteHistory(ctx context.Context, symbol string, iv model.Interval, start, end time.Time) error {
	_, err := c.roundTrip(ctx, request{
		Request:    reqCompleteHistory,
		SessionKey: c.sessionKey,
		Param: &requestParam{
			Symbol:      symbol,
			SubDataType: iv.WireCode(),
			StartTime:   start.Format(wireTime),
			EndTime:     end.Format(wireTime),
		},
	})
	return err
}

package feed

import (
	"fmt"
	"strconv"
	"time"

	"kl-core/internal/markethours"
	"kl-core/internal/model"
)

// Request verbs on the request/reply channel.
const (
	reqLogin           = "LOGIN"
	reqLogout          = "LOGOUT"
	reqPong            = "PONG"
	reqSubscribeQuote  = "SUBQUOTE"
	reqUnsubscribe     = "UNSUBQUOTE"
	reqGetHistoryPage  = "GETHISDATA"
	reqCompleteHistory = "HISTORYDONE"
)

// Data-type tags on push messages. Unrecognized tags are logged and dropped.
const (
	TagRealtime    = "REALTIME"
	TagMinuteBatch = "1K"
	TagDayBatch    = "DK"
	TagPing        = "PING"
	TagUnsubAck    = "UNSUBQUOTE"
)

// wireTime is the fixed YYYYMMDDHH layout history windows are named in.
const wireTime = "2006010215"

// request is the envelope sent on the request/reply channel.
type request struct {
	Request    string        `json:"Request"`
	SessionKey string        `json:"SessionKey,omitempty"`
	ID         string        `json:"ID,omitempty"` // pong echo id
	Param      *requestParam `json:"Param,omitempty"`
}

type requestParam struct {
	SystemName  string `json:"SystemName,omitempty"` // login application id
	ServiceKey  string `json:"ServiceKey,omitempty"`
	OTP         string `json:"OTP,omitempty"` // optional second factor
	Symbol      string `json:"Symbol,omitempty"`
	SubDataType string `json:"SubDataType,omitempty"`
	StartTime   string `json:"StartTime,omitempty"` // YYYYMMDDHH
	EndTime     string `json:"EndTime,omitempty"`
	QryIndex    string `json:"QryIndex,omitempty"`
}

// reply is the envelope read back on the request/reply channel.
type reply struct {
	Reply      string       `json:"Reply"`
	Success    string       `json:"Success"` // "OK" on success
	ErrMsg     string       `json:"ErrMsg,omitempty"`
	SessionKey string       `json:"SessionKey,omitempty"`
	SubPort    int          `json:"SubPort,omitempty"` // push channel port
	HisData    []historyRow `json:"HisData,omitempty"`
}

func (r *reply) ok() bool { return r.Success == "OK" }

// pushMessage is the envelope read from the push channel, demultiplexed by
// DataType.
type pushMessage struct {
	DataType string `json:"DataType"`
	Symbol   string `json:"Symbol,omitempty"`
	Status   string `json:"Status,omitempty"` // history handshake: "Ready" / "NotReady"
	ID       string `json:"ID,omitempty"`     // ping echo id
	Quote    *quote `json:"Quote,omitempty"`
}

// quote is a real-time tick as pushed upstream. Numeric fields arrive as
// strings on the wire.
type quote struct {
	Symbol        string `json:"Symbol"`
	TradingPrice  string `json:"TradingPrice"`
	TradingVolume string `json:"TradingVolume"`
	FilledTime    string `json:"FilledTime"` // HHMMSS, exchange-local
}

// historyRow is one paged history record; OHLCV arrive as strings, and each
// row echoes the query index it answered.
type historyRow struct {
	Date     string `json:"Date"` // YYYYMMDD
	Time     string `json:"Time"` // HHMM, "0000" for day bars
	Open     string `json:"Open"`
	High     string `json:"High"`
	Low      string `json:"Low"`
	Close    string `json:"Close"`
	Volume   string `json:"Volume"`
	QryIndex string `json:"QryIndex"`
}

// parseTick converts a pushed quote to a model tick. Malformed shapes are
// reported so the consumer loop can log and drop them.
func parseTick(q *quote, now time.Time) (model.Tick, error) {
	if q == nil || q.Symbol == "" {
		return model.Tick{}, fmt.Errorf("quote missing symbol")
	}
	price, err := strconv.ParseFloat(q.TradingPrice, 64)
	if err != nil {
		return model.Tick{}, fmt.Errorf("quote price %q: %w", q.TradingPrice, err)
	}
	qty, _ := strconv.ParseInt(q.TradingVolume, 10, 64)
	return model.Tick{
		Symbol: q.Symbol,
		Price:  price,
		Qty:    qty,
		TickTS: now.UTC(),
	}, nil
}

// parseHistoryRow converts one wire row to a bar, truncated to the interval
// boundary. The epoch is derived from the exchange-local date and time, and
// the market date is stamped from the session rule so the row persists
// correctly before it ever reaches the cache.
func parseHistoryRow(row historyRow, iv model.Interval, rule markethours.SessionRule) (model.Bar, error) {
	stamp := row.Date + row.Time
	if row.Time == "" {
		stamp = row.Date + "0000"
	}
	t, err := time.ParseInLocation("200601021504", stamp, markethours.TST)
	if err != nil {
		return model.Bar{}, fmt.Errorf("history row stamp %q: %w", stamp, err)
	}

	open, err1 := strconv.ParseFloat(row.Open, 64)
	high, err2 := strconv.ParseFloat(row.High, 64)
	low, err3 := strconv.ParseFloat(row.Low, 64)
	clos, err4 := strconv.ParseFloat(row.Close, 64)
	for _, err := range []error{err1, err2, err3, err4} {
		if err != nil {
			return model.Bar{}, fmt.Errorf("history row prices: %w", err)
		}
	}
	vol, _ := strconv.ParseInt(row.Volume, 10, 64)

	epoch := iv.Truncate(t.Unix())
	date := markethours.MarketDate(rule, t)
	if iv == model.IntervalDay {
		// Day rows are labelled by trading day: key them at midnight UTC of
		// that date so the bar-roll path produces the same epoch.
		epoch = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix()
		date = t.Format("2006-01-02")
	}

	return model.Bar{
		Epoch:      epoch,
		Open:       open,
		High:       high,
		Low:        low,
		Close:      clos,
		Volume:     vol,
		MarketDate: date,
	}, nil
}

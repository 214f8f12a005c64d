package model

import (
	"fmt"
	"sync"

	"kl-core/internal/markethours"
)

// Instrument is an exchange/product/expiry-rule triple resolved to a
// canonical wire symbol and a human-readable security code. Immutable once
// resolved.
type Instrument struct {
	Exchange string `json:"exchange"` // e.g. "TWF"
	Product  string `json:"product"`  // e.g. "FITX"
	Expiry   string `json:"expiry"`   // contract-selection rule, e.g. "HOT"

	Symbol   string `json:"symbol"`   // canonical wire symbol
	Security string `json:"security"` // human-readable code

	TickSize float64 `json:"tick_size"`
	Decimals int     `json:"decimals"` // price decimal precision

	Session markethours.SessionRule `json:"-"`
}

// Resolve builds the canonical wire symbol from the triple and returns the
// finished instrument.
func Resolve(exchange, product, expiry, security string, tickSize float64, decimals int, rule markethours.SessionRule) Instrument {
	return Instrument{
		Exchange: exchange,
		Product:  product,
		Expiry:   expiry,
		Symbol:   fmt.Sprintf("TC.F.%s.%s.%s", exchange, product, expiry),
		Security: security,
		TickSize: tickSize,
		Decimals: decimals,
		Session:  rule,
	}
}

// Universe holds all resolved instruments, looked up by either
// representation. Reads vastly outnumber the one-time registration pass,
// so a plain RWMutex is enough.
type Universe struct {
	mu         sync.RWMutex
	bySymbol   map[string]Instrument
	bySecurity map[string]Instrument
}

// NewUniverse creates an empty instrument registry.
func NewUniverse() *Universe {
	return &Universe{
		bySymbol:   make(map[string]Instrument),
		bySecurity: make(map[string]Instrument),
	}
}

// Add registers an instrument under both its symbol and its security code.
func (u *Universe) Add(in Instrument) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.bySymbol[in.Symbol] = in
	u.bySecurity[in.Security] = in
}

// BySymbol looks up an instrument by wire symbol.
func (u *Universe) BySymbol(symbol string) (Instrument, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	in, ok := u.bySymbol[symbol]
	return in, ok
}

// BySecurity looks up an instrument by security code.
func (u *Universe) BySecurity(security string) (Instrument, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	in, ok := u.bySecurity[security]
	return in, ok
}

// All returns a copy of every registered instrument.
func (u *Universe) All() []Instrument {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]Instrument, 0, len(u.bySymbol))
	for _, in := range u.bySymbol {
		out = append(out, in)
	}
	return out
}

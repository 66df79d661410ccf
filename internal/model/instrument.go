package model

import "time"

// Exchange is the market segment an instrument trades on.
type Exchange string

const (
	ExchangeNSE Exchange = "NSE"
	ExchangeBSE Exchange = "BSE"
)

// Valid reports whether e is one of the supported exchanges.
func (e Exchange) Valid() bool {
	return e == ExchangeNSE || e == ExchangeBSE
}

// Symbol is a catalog row from the Angel One instrument master:
// one tradeable equity and the provider-issued token that identifies it.
type Symbol struct {
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	Exchange    string `json:"exchange"`
	SymbolToken string `json:"symbol_token"`
}

// Mapping is a row of the stock_mapping price table. CMP/LCP are nil until
// the first sync cycle of the respective kind has written them.
type Mapping struct {
	SymbolAO    string     `json:"symbol_ao"` // Angel One trading symbol
	Exchange    string     `json:"exchange"`
	SymbolToken string     `json:"symbol_token"`
	CMP         *float64   `json:"cmp"`
	LCP         *float64   `json:"lcp"`
	LastUpdated *time.Time `json:"last_updated"`
}

// Key returns the composite identity of a mapping row: "exchange:token".
func (m *Mapping) Key() string {
	return m.Exchange + ":" + m.SymbolToken
}

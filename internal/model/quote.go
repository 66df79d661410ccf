package model

// Quote is one instrument's snapshot from the Angel One FULL-mode market
// data endpoint. Transient: consumed immediately to build price rows, never
// stored as-is.
type Quote struct {
	TradingSymbol string  `json:"tradingSymbol"`
	SymbolToken   string  `json:"symbolToken"`
	Exchange      string  `json:"exchange"`
	LTP           float64 `json:"ltp"`
	Close         float64 `json:"close"` // previous day's closing price
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Open          float64 `json:"open"`
}

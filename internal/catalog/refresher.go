// Package catalog refreshes the stored instrument catalog from the Angel
// One OpenAPI scrip master: download, filter to cash equities, drop BSE
// duplicates of NSE listings, bulk-upsert.
package catalog

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/mehtaportfolio/mehta-ao-prices/internal/model"
	"github.com/mehtaportfolio/mehta-ao-prices/pkg/smartconnect"
)

// MasterAPI downloads the instrument master file.
type MasterAPI interface {
	InstrumentMaster(ctx context.Context) ([]smartconnect.MasterInstrument, error)
}

// SymbolWriter bulk-upserts catalog rows.
type SymbolWriter interface {
	UpsertSymbols(ctx context.Context, symbols []model.Symbol) (int, error)
}

// NameReader lists company names already cataloged on an exchange.
type NameReader interface {
	SymbolNames(ctx context.Context, exchange string) (map[string]bool, error)
}

// Refresher runs the catalog refresh end to end.
type Refresher struct {
	api    MasterAPI
	writer SymbolWriter
	reader NameReader
}

// NewRefresher wires a refresher.
func NewRefresher(api MasterAPI, writer SymbolWriter, reader NameReader) *Refresher {
	return &Refresher{api: api, writer: writer, reader: reader}
}

// Refresh downloads the master, filters and dedups it, and upserts the
// result. Returns the number of rows written.
func (r *Refresher) Refresh(ctx context.Context) (int, error) {
	log.Printf("[catalog] downloading Angel One instrument master...")
	instruments, err := r.api.InstrumentMaster(ctx)
	if err != nil {
		return 0, fmt.Errorf("catalog: download master: %w", err)
	}
	log.Printf("[catalog] total instruments: %d", len(instruments))

	equities := FilterEquities(instruments)
	log.Printf("[catalog] EQ stocks found: %d", len(equities))

	existingNSE, err := r.reader.SymbolNames(ctx, string(model.ExchangeNSE))
	if err != nil {
		return 0, fmt.Errorf("catalog: read existing NSE names: %w", err)
	}
	log.Printf("[catalog] found %d existing NSE stocks", len(existingNSE))

	symbols := Dedup(equities, existingNSE)
	log.Printf("[catalog] upserting %d symbols (BSE duplicates filtered)", len(symbols))

	written, err := r.writer.UpsertSymbols(ctx, symbols)
	if err != nil {
		return written, fmt.Errorf("catalog: upsert symbols: %w", err)
	}
	log.Printf("[catalog] all batches processed, %d rows written", written)
	return written, nil
}

// FilterEquities keeps NSE/BSE cash equities: empty instrument type, token
// and symbol present, and no digit in the symbol (weeds out bonds, rights
// and partly-paid series).
func FilterEquities(instruments []smartconnect.MasterInstrument) []smartconnect.MasterInstrument {
	var out []smartconnect.MasterInstrument
	for _, inst := range instruments {
		if inst.ExchSeg != string(model.ExchangeNSE) && inst.ExchSeg != string(model.ExchangeBSE) {
			continue
		}
		if inst.InstrumentType != "" || inst.Token == "" || inst.Symbol == "" {
			continue
		}
		if strings.ContainsAny(inst.Symbol, "0123456789") {
			continue
		}
		out = append(out, inst)
	}
	return out
}

// Dedup orders NSE listings first and keeps a BSE listing only when no NSE
// listing of the same company name exists, either in the downloaded master
// or already in the store.
func Dedup(equities []smartconnect.MasterInstrument, existingNSENames map[string]bool) []model.Symbol {
	nseNames := make(map[string]bool, len(existingNSENames))
	for name := range existingNSENames {
		nseNames[name] = true
	}

	var nse, bse []smartconnect.MasterInstrument
	for _, inst := range equities {
		if inst.ExchSeg == string(model.ExchangeNSE) {
			nse = append(nse, inst)
			nseNames[inst.Name] = true
		} else {
			bse = append(bse, inst)
		}
	}

	symbols := make([]model.Symbol, 0, len(nse)+len(bse))
	for _, inst := range nse {
		symbols = append(symbols, toSymbol(inst))
	}
	for _, inst := range bse {
		if nseNames[inst.Name] {
			continue
		}
		symbols = append(symbols, toSymbol(inst))
	}
	return symbols
}

func toSymbol(inst smartconnect.MasterInstrument) model.Symbol {
	return model.Symbol{
		Symbol:      inst.Symbol,
		Name:        inst.Name,
		Exchange:    inst.ExchSeg,
		SymbolToken: inst.Token,
	}
}

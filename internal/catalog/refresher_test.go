package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/mehtaportfolio/mehta-ao-prices/internal/model"
	"github.com/mehtaportfolio/mehta-ao-prices/pkg/smartconnect"
)

func TestFilterEquities(t *testing.T) {
	master := []smartconnect.MasterInstrument{
		{Token: "3045", Symbol: "SBIN-EQ", Name: "STATE BANK OF INDIA", ExchSeg: "NSE"},
		{Token: "500112", Symbol: "SBIN", Name: "STATE BANK OF INDIA", ExchSeg: "BSE"},
		// Derivative segment, dropped by exchange.
		{Token: "43125", Symbol: "SBIN26MARFUT", Name: "STATE BANK OF INDIA", ExchSeg: "NFO", InstrumentType: "FUTSTK"},
		// Non-empty instrument type on a cash exchange, dropped.
		{Token: "101", Symbol: "SGBJUN31-GB", Name: "SOVEREIGN GOLD BOND", ExchSeg: "NSE", InstrumentType: "SGB"},
		// Digit in symbol (partly-paid / bond series), dropped.
		{Token: "102", Symbol: "SBIN-E1", Name: "SBI PARTLY PAID", ExchSeg: "NSE"},
		// Missing token, dropped.
		{Token: "", Symbol: "NOTOKEN-EQ", Name: "NO TOKEN LTD", ExchSeg: "NSE"},
	}

	got := FilterEquities(master)
	if len(got) != 2 {
		t.Fatalf("kept %d instruments, want 2: %+v", len(got), got)
	}
	if got[0].Symbol != "SBIN-EQ" || got[1].Symbol != "SBIN" {
		t.Errorf("kept = [%s %s], want [SBIN-EQ SBIN]", got[0].Symbol, got[1].Symbol)
	}
}

func TestDedup_BSEDroppedWhenNSEListed(t *testing.T) {
	equities := []smartconnect.MasterInstrument{
		{Token: "500112", Symbol: "SBIN", Name: "STATE BANK OF INDIA", ExchSeg: "BSE"},
		{Token: "3045", Symbol: "SBIN-EQ", Name: "STATE BANK OF INDIA", ExchSeg: "NSE"},
		{Token: "539254", Symbol: "BSEONLY", Name: "BSE ONLY LTD", ExchSeg: "BSE"},
	}

	got := Dedup(equities, nil)
	if len(got) != 2 {
		t.Fatalf("deduped to %d symbols, want 2: %+v", len(got), got)
	}
	// NSE listings come first regardless of input order.
	if got[0].Exchange != "NSE" || got[0].Symbol != "SBIN-EQ" {
		t.Errorf("first = %+v, want the NSE listing", got[0])
	}
	if got[1].Symbol != "BSEONLY" {
		t.Errorf("second = %+v, want the BSE-only listing", got[1])
	}
}

func TestDedup_ExistingCatalogBlocksBSE(t *testing.T) {
	equities := []smartconnect.MasterInstrument{
		{Token: "500112", Symbol: "SBIN", Name: "STATE BANK OF INDIA", ExchSeg: "BSE"},
	}
	existing := map[string]bool{"STATE BANK OF INDIA": true}

	if got := Dedup(equities, existing); len(got) != 0 {
		t.Errorf("got %d symbols, want 0 (company already cataloged on NSE)", len(got))
	}
}

type fakeMaster struct {
	instruments []smartconnect.MasterInstrument
	err         error
}

func (f *fakeMaster) InstrumentMaster(ctx context.Context) ([]smartconnect.MasterInstrument, error) {
	return f.instruments, f.err
}

type fakeWriter struct {
	got []model.Symbol
}

func (f *fakeWriter) UpsertSymbols(ctx context.Context, symbols []model.Symbol) (int, error) {
	f.got = symbols
	return len(symbols), nil
}

type fakeNames map[string]bool

func (f fakeNames) SymbolNames(ctx context.Context, exchange string) (map[string]bool, error) {
	return f, nil
}

func TestRefresh(t *testing.T) {
	api := &fakeMaster{instruments: []smartconnect.MasterInstrument{
		{Token: "3045", Symbol: "SBIN-EQ", Name: "STATE BANK OF INDIA", ExchSeg: "NSE"},
		{Token: "500112", Symbol: "SBIN", Name: "STATE BANK OF INDIA", ExchSeg: "BSE"},
		{Token: "539254", Symbol: "BSEONLY", Name: "BSE ONLY LTD", ExchSeg: "BSE"},
		{Token: "43125", Symbol: "SBIN26MARFUT", Name: "STATE BANK OF INDIA", ExchSeg: "NFO", InstrumentType: "FUTSTK"},
	}}
	writer := &fakeWriter{}

	r := NewRefresher(api, writer, fakeNames{})
	written, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if written != 2 {
		t.Errorf("written = %d, want 2", written)
	}
	if len(writer.got) != 2 || writer.got[0].Symbol != "SBIN-EQ" || writer.got[1].Symbol != "BSEONLY" {
		t.Errorf("upserted = %+v, want the NSE listing and the BSE-only listing", writer.got)
	}
}

func TestRefresh_DownloadError(t *testing.T) {
	wantErr := errors.New("master unreachable")
	r := NewRefresher(&fakeMaster{err: wantErr}, &fakeWriter{}, fakeNames{})

	if _, err := r.Refresh(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want wrapped %v", err, wantErr)
	}
}

// Package quotes fetches market data for arbitrarily large token sets by
// splitting them into provider-sized chunks.
package quotes

import (
	"context"
	"log"
	"sync"

	"github.com/mehtaportfolio/mehta-ao-prices/internal/model"
	"github.com/mehtaportfolio/mehta-ao-prices/pkg/smartconnect"
)

// DefaultChunkSize is the per-request token limit of the market quote
// endpoint.
const DefaultChunkSize = 50

// QuoteAPI is the slice of the SmartAPI client the fetcher needs.
type QuoteAPI interface {
	GetQuotes(ctx context.Context, mode string, exchangeTokens map[string][]string) (*smartconnect.QuoteResult, error)
}

// Fetcher retrieves FULL-mode quotes in chunks of at most ChunkSize tokens,
// one exchange per request. Chunk failures are logged and that chunk's
// quotes are omitted; the fetch as a whole never fails.
type Fetcher struct {
	api       QuoteAPI
	ChunkSize int

	// OnChunk, when set, observes every chunk request's outcome.
	OnChunk func(exchange string, tokens int, err error)
}

// NewFetcher creates a fetcher with the provider's default chunk size.
func NewFetcher(api QuoteAPI) *Fetcher {
	return &Fetcher{api: api, ChunkSize: DefaultChunkSize}
}

type chunk struct {
	exchange string
	tokens   []string
}

// FetchAll fetches quotes for every token in byExchange. Chunk requests run
// concurrently; each writes into its own result slot and the slots are
// concatenated in issue order once all requests have returned. The result
// may be shorter than the input when chunks fail.
func (f *Fetcher) FetchAll(ctx context.Context, byExchange map[string][]string) []model.Quote {
	size := f.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}

	var chunks []chunk
	for exchange, tokens := range byExchange {
		for i := 0; i < len(tokens); i += size {
			end := i + size
			if end > len(tokens) {
				end = len(tokens)
			}
			chunks = append(chunks, chunk{exchange: exchange, tokens: tokens[i:end]})
		}
	}

	if len(chunks) == 0 {
		return nil
	}

	// One result slot per chunk; no shared mutable state between requests.
	results := make([][]model.Quote, len(chunks))
	var wg sync.WaitGroup
	for i, ch := range chunks {
		wg.Add(1)
		go func(slot int, ch chunk) {
			defer wg.Done()
			results[slot] = f.fetchChunk(ctx, ch)
		}(i, ch)
	}
	wg.Wait()

	var all []model.Quote
	for _, r := range results {
		all = append(all, r...)
	}
	return all
}

func (f *Fetcher) fetchChunk(ctx context.Context, ch chunk) []model.Quote {
	result, err := f.api.GetQuotes(ctx, smartconnect.QuoteModeFull, map[string][]string{ch.exchange: ch.tokens})
	if f.OnChunk != nil {
		f.OnChunk(ch.exchange, len(ch.tokens), err)
	}
	if err != nil {
		log.Printf("[quotes] chunk fetch failed for %s (%d tokens): %v", ch.exchange, len(ch.tokens), err)
		return nil
	}

	out := make([]model.Quote, 0, len(result.Fetched))
	for _, e := range result.Fetched {
		exchange := e.Exchange
		if exchange == "" {
			exchange = ch.exchange
		}
		out = append(out, model.Quote{
			TradingSymbol: e.TradingSymbol,
			SymbolToken:   e.SymbolToken,
			Exchange:      exchange,
			LTP:           e.LTP,
			Close:         e.Close,
			High:          e.High,
			Low:           e.Low,
			Open:          e.Open,
		})
	}
	if len(result.Unfetched) > 0 {
		log.Printf("[quotes] %s chunk: provider left %d tokens unfetched", ch.exchange, len(result.Unfetched))
	}
	return out
}

// Package syncer drives one price synchronization cycle end to end:
// gate check → session ensure → mapping read → chunked fetch → batched
// upsert. CMP cycles write live prices during market hours; LCP cycles
// write previous closes after the close.
package syncer

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/mehtaportfolio/mehta-ao-prices/internal/markethours"
	"github.com/mehtaportfolio/mehta-ao-prices/internal/model"
	"github.com/mehtaportfolio/mehta-ao-prices/internal/notify"
	"github.com/mehtaportfolio/mehta-ao-prices/internal/session"
	"github.com/mehtaportfolio/mehta-ao-prices/internal/store/sqlite"
)

// CycleKind identifies which price field a cycle syncs.
type CycleKind string

const (
	KindCMP CycleKind = "cmp"
	KindLCP CycleKind = "lcp"
)

// Outcome is a cycle's terminal state.
type Outcome string

const (
	OutcomeDone       Outcome = "done"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeAuthFailed Outcome = "auth_failed"
)

// Result summarizes one cycle run.
type Result struct {
	Kind    CycleKind
	Outcome Outcome
	Fetched int
	Written int
	Reason  string // set for Skipped and AuthFailed
}

// Sessions is the session manager surface the syncer needs.
type Sessions interface {
	Ensure(ctx context.Context) error
	Authenticated() bool
}

// MappingReader reads the instrument mapping table.
type MappingReader interface {
	Mappings(ctx context.Context) ([]model.Mapping, error)
}

// PriceWriter commits fetched quotes to one price field.
type PriceWriter interface {
	UpsertPrices(ctx context.Context, field sqlite.PriceField, fetched []model.Quote, ts time.Time) (int, error)
}

// QuoteFetcher retrieves quotes for grouped tokens.
type QuoteFetcher interface {
	FetchAll(ctx context.Context, byExchange map[string][]string) []model.Quote
}

// QuoteSink observes the quotes a completed cycle fetched (websocket hub,
// redis cache). Sinks must not block.
type QuoteSink interface {
	PublishQuotes(ctx context.Context, fetched []model.Quote)
}

// Syncer orchestrates CMP and LCP cycles. Overlapping runs of the same
// cycle kind are rejected as Skipped via per-kind running flags.
type Syncer struct {
	sessions Sessions
	reader   MappingReader
	writer   PriceWriter
	fetcher  QuoteFetcher
	notifier notify.Notifier
	sinks    []QuoteSink

	cmpRunning atomic.Bool
	lcpRunning atomic.Bool

	// Now is the clock, replaceable in tests.
	Now func() time.Time

	// OnCycle, when set, observes every cycle's result and duration.
	OnCycle func(res Result, dur time.Duration)
}

// New wires a syncer.
func New(sessions Sessions, reader MappingReader, writer PriceWriter, fetcher QuoteFetcher, notifier notify.Notifier) *Syncer {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Syncer{
		sessions: sessions,
		reader:   reader,
		writer:   writer,
		fetcher:  fetcher,
		notifier: notifier,
		Now:      time.Now,
	}
}

// AddSink registers a quote sink. Not safe to call after cycles start.
func (s *Syncer) AddSink(sink QuoteSink) {
	s.sinks = append(s.sinks, sink)
}

// RunCMP runs one current-market-price cycle. Valid only inside the live
// trading window; an authentication failure aborts the cycle and is
// reported to the status sink.
func (s *Syncer) RunCMP(ctx context.Context) Result {
	if !s.cmpRunning.CompareAndSwap(false, true) {
		log.Printf("[syncer] CMP cycle already running, skipping")
		return s.finish(Result{Kind: KindCMP, Outcome: OutcomeSkipped, Reason: "cycle already running"}, 0)
	}
	defer s.cmpRunning.Store(false)
	start := s.Now()

	if !markethours.IsMarketOpen(start) {
		log.Printf("[syncer] market is closed, skipping CMP sync")
		return s.finish(Result{Kind: KindCMP, Outcome: OutcomeSkipped, Reason: "market closed"}, time.Since(start))
	}

	if err := s.sessions.Ensure(ctx); err != nil {
		reason := "automated login failed during CMP sync: " + err.Error()
		if errors.Is(err, session.ErrNoCredentials) {
			reason = "session missing and no TOTP secret available"
		}
		log.Printf("[syncer] %s", reason)
		s.notifier.NotifyStatus(ctx, false, reason, s.sessions.Authenticated())
		return s.finish(Result{Kind: KindCMP, Outcome: OutcomeAuthFailed, Reason: reason}, time.Since(start))
	}

	res := s.syncField(ctx, KindCMP, sqlite.FieldCMP)
	return s.finish(res, time.Since(start))
}

// RunLCP runs one last-closing-price cycle. Valid from market close
// onward; without a session (and no way to get one) the cycle is Skipped.
func (s *Syncer) RunLCP(ctx context.Context) Result {
	if !s.lcpRunning.CompareAndSwap(false, true) {
		log.Printf("[syncer] LCP cycle already running, skipping")
		return s.finish(Result{Kind: KindLCP, Outcome: OutcomeSkipped, Reason: "cycle already running"}, 0)
	}
	defer s.lcpRunning.Store(false)
	start := s.Now()

	if !markethours.IsPostClose(start) {
		log.Printf("[syncer] market still open, skipping LCP sync (runs after 3:30 PM IST)")
		return s.finish(Result{Kind: KindLCP, Outcome: OutcomeSkipped, Reason: "market still open"}, time.Since(start))
	}

	if err := s.sessions.Ensure(ctx); err != nil {
		log.Printf("[syncer] skipping LCP sync, not authenticated: %v", err)
		return s.finish(Result{Kind: KindLCP, Outcome: OutcomeSkipped, Reason: "not authenticated"}, time.Since(start))
	}

	res := s.syncField(ctx, KindLCP, sqlite.FieldLCP)
	return s.finish(res, time.Since(start))
}

// syncField is the shared fetch-and-write flow. Chunk and batch failures
// have already been absorbed at their own granularity, so the cycle always
// reaches Done with whatever subset succeeded.
func (s *Syncer) syncField(ctx context.Context, kind CycleKind, field sqlite.PriceField) Result {
	log.Printf("[syncer] syncing %s prices...", kind)

	mappings, err := s.reader.Mappings(ctx)
	if err != nil {
		log.Printf("[syncer] reading mapping table failed: %v", err)
		return Result{Kind: kind, Outcome: OutcomeSkipped, Reason: "mapping read failed: " + err.Error()}
	}
	if len(mappings) == 0 {
		log.Printf("[syncer] mapping table empty, nothing to sync")
		return Result{Kind: kind, Outcome: OutcomeDone}
	}

	byExchange := GroupTokens(mappings)
	fetched := s.fetcher.FetchAll(ctx, byExchange)
	log.Printf("[syncer] fetched %d records from API, expected ~%d", len(fetched), len(mappings))
	if len(fetched) == 0 {
		return Result{Kind: kind, Outcome: OutcomeDone}
	}

	written, err := s.writer.UpsertPrices(ctx, field, fetched, s.Now())
	if err != nil {
		log.Printf("[syncer] %s write failed: %v", kind, err)
	}
	log.Printf("[syncer] %s sync complete, updated %d symbols", kind, written)

	for _, sink := range s.sinks {
		sink.PublishQuotes(ctx, fetched)
	}
	return Result{Kind: kind, Outcome: OutcomeDone, Fetched: len(fetched), Written: written}
}

func (s *Syncer) finish(res Result, dur time.Duration) Result {
	if s.OnCycle != nil {
		s.OnCycle(res, dur)
	}
	return res
}

// GroupTokens groups mapping rows into the exchange to token-list shape the
// quote endpoint expects. Rows with a missing exchange or token are dropped,
// and rows sharing an instrument identity (the mapping key allows the same
// exchange:token under different trading symbols) are fetched once.
func GroupTokens(mappings []model.Mapping) map[string][]string {
	byExchange := make(map[string][]string)
	seen := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		if m.Exchange == "" || m.SymbolToken == "" {
			continue
		}
		if seen[m.Key()] {
			continue
		}
		seen[m.Key()] = true
		byExchange[m.Exchange] = append(byExchange[m.Exchange], m.SymbolToken)
	}
	return byExchange
}

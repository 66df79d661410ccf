// Package sqlite is the persistent store: the instrument catalog
// (stock_symbols) and the price mapping table (stock_mapping).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mehtaportfolio/mehta-ao-prices/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// CatalogBatchSize sizes the one-shot bulk catalog load.
	CatalogBatchSize = 2000
	// QuoteBatchSize sizes the latency-sensitive periodic price updates.
	QuoteBatchSize = 500
)

// PriceField selects which price column a sync cycle writes.
type PriceField string

const (
	FieldCMP PriceField = "cmp"
	FieldLCP PriceField = "lcp"
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // e.g. "data/stocks.db"
}

// Writer is a single-connection SQLite writer with transaction batching.
type Writer struct {
	db *sql.DB

	// OnBatch, when set, observes every batch commit.
	OnBatch func(table string, rows int, dur time.Duration, err error)
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New opens the database in WAL mode and creates the schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// SQLite has a single writer; funnel all writes through one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Writer{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS stock_symbols (
			symbol       TEXT NOT NULL,
			name         TEXT NOT NULL,
			exchange     TEXT NOT NULL,
			symbol_token TEXT NOT NULL,
			created_at   INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
			PRIMARY KEY (symbol, exchange)
		);

		CREATE TABLE IF NOT EXISTS stock_mapping (
			symbol_ao    TEXT NOT NULL,
			exchange     TEXT NOT NULL,
			symbol_token TEXT NOT NULL,
			cmp          REAL,
			lcp          REAL,
			last_updated INTEGER,
			PRIMARY KEY (symbol_ao, symbol_token, exchange)
		);

		CREATE INDEX IF NOT EXISTS idx_stock_symbols_exchange ON stock_symbols (exchange);
	`)
	return err
}

// UpsertSymbols writes catalog rows in concurrent CatalogBatchSize batches.
// Per-batch failures are logged and skipped; the returned count covers rows
// in committed batches. An error is returned only when nothing committed.
func (w *Writer) UpsertSymbols(ctx context.Context, symbols []model.Symbol) (int, error) {
	const stmt = `
		INSERT INTO stock_symbols (symbol, name, exchange, symbol_token)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol, exchange) DO UPDATE SET
			name = excluded.name,
			symbol_token = excluded.symbol_token`

	return w.runBatches(ctx, "stock_symbols", len(symbols), CatalogBatchSize, stmt, func(i int) []any {
		s := symbols[i]
		return []any{s.Symbol, s.Name, s.Exchange, s.SymbolToken}
	})
}

// UpsertPrices writes one price field for the given quotes in concurrent
// QuoteBatchSize batches. The merge touches only the synced field plus
// last_updated, never the other price column, and both land in the same
// statement so readers can never see a price without its timestamp.
func (w *Writer) UpsertPrices(ctx context.Context, field PriceField, fetched []model.Quote, ts time.Time) (int, error) {
	if field != FieldCMP && field != FieldLCP {
		return 0, fmt.Errorf("sqlite: unknown price field %q", field)
	}
	stmt := fmt.Sprintf(`
		INSERT INTO stock_mapping (symbol_ao, symbol_token, exchange, %[1]s, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol_ao, symbol_token, exchange) DO UPDATE SET
			%[1]s = excluded.%[1]s,
			last_updated = excluded.last_updated`, field)

	unix := ts.Unix()
	return w.runBatches(ctx, "stock_mapping", len(fetched), QuoteBatchSize, stmt, func(i int) []any {
		q := fetched[i]
		price := q.LTP
		if field == FieldLCP {
			price = q.Close
		}
		return []any{q.TradingSymbol, q.SymbolToken, q.Exchange, price, unix}
	})
}

// runBatches splits n rows into batches, commits each batch in its own
// transaction, and issues all batches concurrently with a fan-in barrier.
func (w *Writer) runBatches(ctx context.Context, table string, n, batchSize int, stmt string, args func(i int) []any) (int, error) {
	if n == 0 {
		return 0, nil
	}

	var (
		wg      sync.WaitGroup
		written atomic.Int64
		failed  atomic.Int64
	)
	for start := 0; start < n; start += batchSize {
		end := start + batchSize
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			began := time.Now()
			err := w.commitBatch(ctx, stmt, start, end, args)
			if w.OnBatch != nil {
				w.OnBatch(table, end-start, time.Since(began), err)
			}
			if err != nil {
				failed.Add(1)
				log.Printf("[sqlite] %s batch %d-%d failed: %v", table, start, end, err)
				return
			}
			written.Add(int64(end - start))
		}(start, end)
	}
	wg.Wait()

	if written.Load() == 0 && failed.Load() > 0 {
		return 0, fmt.Errorf("sqlite: all %d %s batches failed", failed.Load(), table)
	}
	return int(written.Load()), nil
}

func (w *Writer) commitBatch(ctx context.Context, stmtSQL string, start, end int, args func(i int) []any) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, stmtSQL)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := start; i < end; i++ {
		if _, err := stmt.ExecContext(ctx, args(i)...); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/mehtaportfolio/mehta-ao-prices/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Reader provides read access to the catalog and mapping tables.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

// ReaderFromDB wraps an existing connection (used by tests and by the
// single-process deployment that shares the writer's connection).
func ReaderFromDB(db *sql.DB) *Reader {
	return &Reader{db: db}
}

// Mappings returns every row of the stock_mapping table. The orchestrator
// groups these by exchange to build the fetch list.
func (r *Reader) Mappings(ctx context.Context) ([]model.Mapping, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol_ao, exchange, symbol_token, cmp, lcp, last_updated
		FROM stock_mapping
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query stock_mapping: %w", err)
	}
	defer rows.Close()

	var mappings []model.Mapping
	for rows.Next() {
		var (
			m       model.Mapping
			cmp     sql.NullFloat64
			lcp     sql.NullFloat64
			updated sql.NullInt64
		)
		if err := rows.Scan(&m.SymbolAO, &m.Exchange, &m.SymbolToken, &cmp, &lcp, &updated); err != nil {
			return nil, fmt.Errorf("sqlite scan stock_mapping: %w", err)
		}
		if cmp.Valid {
			m.CMP = &cmp.Float64
		}
		if lcp.Valid {
			m.LCP = &lcp.Float64
		}
		if updated.Valid {
			ts := time.Unix(updated.Int64, 0).UTC()
			m.LastUpdated = &ts
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// SymbolNames returns the set of company names already cataloged on the
// given exchange. The catalog refresher uses this to keep NSE listings
// authoritative over their BSE duplicates.
func (r *Reader) SymbolNames(ctx context.Context, exchange string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM stock_symbols WHERE exchange = ?`, exchange)
	if err != nil {
		return nil, fmt.Errorf("sqlite query stock_symbols: %w", err)
	}
	defer rows.Close()

	names := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("sqlite scan stock_symbols: %w", err)
		}
		names[name] = true
	}
	return names, rows.Err()
}

// CountSymbols returns the catalog row count, for /status.
func (r *Reader) CountSymbols(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stock_symbols`).Scan(&n)
	return n, err
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}

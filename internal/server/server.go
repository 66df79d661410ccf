// Package server is the HTTP front door: manual sync triggers, login,
// single-quote lookup, status, and the quote stream websocket.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mehtaportfolio/mehta-ao-prices/internal/catalog"
	"github.com/mehtaportfolio/mehta-ao-prices/internal/session"
	redisstore "github.com/mehtaportfolio/mehta-ao-prices/internal/store/redis"
	"github.com/mehtaportfolio/mehta-ao-prices/internal/syncer"
	"github.com/mehtaportfolio/mehta-ao-prices/pkg/smartconnect"
)

// QuoteAPI is the provider surface the /ltp handler needs.
type QuoteAPI interface {
	GetQuotes(ctx context.Context, mode string, exchangeTokens map[string][]string) (*smartconnect.QuoteResult, error)
}

// CatalogCounter reports the catalog size for /status.
type CatalogCounter interface {
	CountSymbols(ctx context.Context) (int, error)
}

// Config carries the server's behavior switches.
type Config struct {
	// AllowOrigin is the CORS origin; "*" when unset.
	AllowOrigin string
	// SyncWait makes /sync endpoints wait for cycle completion instead of
	// acknowledging a detached run.
	SyncWait bool
	// RefreshAsync makes /refresh-stocks fire-and-forget.
	RefreshAsync bool
}

// Server holds the handler dependencies.
type Server struct {
	cfg       Config
	sessions  *session.Manager
	sync      *syncer.Syncer
	refresher *catalog.Refresher
	quotes    QuoteAPI
	counter   CatalogCounter
	cache     *redisstore.Cache // may be nil
	hub       *Hub

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

// New wires a server. cache may be nil when Redis is not deployed.
func New(cfg Config, sessions *session.Manager, sync *syncer.Syncer, refresher *catalog.Refresher, quotes QuoteAPI, counter CatalogCounter, cache *redisstore.Cache, hub *Hub) *Server {
	if cfg.AllowOrigin == "" {
		cfg.AllowOrigin = "*"
	}
	if hub == nil {
		hub = NewHub()
	}
	return &Server{
		cfg:       cfg,
		sessions:  sessions,
		sync:      sync,
		refresher: refresher,
		quotes:    quotes,
		counter:   counter,
		cache:     cache,
		hub:       hub,
		Now:       time.Now,
	}
}

// Hub returns the quote stream hub so it can be registered as a sink.
func (s *Server) Hub() *Hub { return s.hub }

// Routes registers all HTTP routes on a new mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/sync", s.handleSyncCMP)
	mux.HandleFunc("/sync-cmp", s.handleSyncCMP)
	mux.HandleFunc("/sync-lcp", s.handleSyncLCP)
	mux.HandleFunc("/ltp/", s.handleLTP)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/refresh-stocks", s.handleRefreshStocks)
	mux.HandleFunc("/ws", s.hub.HandleWS)
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

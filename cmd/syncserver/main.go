package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mehtaportfolio/mehta-ao-prices/config"
	"github.com/mehtaportfolio/mehta-ao-prices/internal/catalog"
	"github.com/mehtaportfolio/mehta-ao-prices/internal/markethours"
	"github.com/mehtaportfolio/mehta-ao-prices/internal/metrics"
	"github.com/mehtaportfolio/mehta-ao-prices/internal/model"
	"github.com/mehtaportfolio/mehta-ao-prices/internal/notify"
	"github.com/mehtaportfolio/mehta-ao-prices/internal/quotes"
	"github.com/mehtaportfolio/mehta-ao-prices/internal/scheduler"
	"github.com/mehtaportfolio/mehta-ao-prices/internal/server"
	"github.com/mehtaportfolio/mehta-ao-prices/internal/session"
	redisstore "github.com/mehtaportfolio/mehta-ao-prices/internal/store/redis"
	sqlitestore "github.com/mehtaportfolio/mehta-ao-prices/internal/store/sqlite"
	"github.com/mehtaportfolio/mehta-ao-prices/internal/syncer"
	"github.com/mehtaportfolio/mehta-ao-prices/pkg/smartconnect"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Println("[syncserver] starting...")

	cfg := config.Load()

	// ---- SQLite store ----
	os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
	writer, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath})
	if err != nil {
		log.Fatalf("[syncserver] sqlite init failed: %v", err)
	}
	defer writer.Close()
	reader, err := sqlitestore.NewReader(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[syncserver] sqlite reader init failed: %v", err)
	}
	defer reader.Close()

	// ---- Redis quote cache (optional) ----
	var cache *redisstore.Cache
	if cfg.RedisAddr != "" {
		cache, err = redisstore.NewCache(redisstore.CacheConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Printf("[syncserver] WARNING: redis init failed: %v (continuing without quote cache)", err)
			cache = nil
		}
	}
	if cache != nil {
		defer cache.Close()
	}

	// ---- Metrics ----
	prom := metrics.New()

	// ---- SmartAPI client & session manager ----
	sc := smartconnect.New(smartconnect.Config{APIKey: cfg.AngelAPIKey})
	sessions := session.NewManager(session.Config{
		ClientCode: cfg.AngelClientCode,
		Password:   cfg.AngelPassword,
		TOTPSecret: cfg.AngelTOTPSecret,
	}, sc)
	sc.SessionExpiryHook = sessions.Invalidate
	sessions.OnLogin = func(err error) {
		prom.LoginAttempts.Inc()
		if err != nil {
			prom.LoginFailures.Inc()
			prom.Authenticated.Set(0)
			return
		}
		prom.Authenticated.Set(1)
	}

	// ---- Status sink ----
	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.PortfolioBackendURL != "" {
		notifier = notify.NewPortfolioNotifier(cfg.PortfolioBackendURL, markethours.IST)
	}

	// ---- Fetcher, syncer, catalog refresher ----
	fetcher := quotes.NewFetcher(sc)
	fetcher.OnChunk = func(_ string, _ int, err error) {
		prom.ChunkRequests.Inc()
		if err != nil {
			prom.ChunkFailures.Inc()
		}
	}
	writer.OnBatch = func(table string, rows int, dur time.Duration, err error) {
		prom.BatchCommitDur.Observe(dur.Seconds())
		if err != nil {
			prom.BatchFailures.Inc()
			return
		}
		prom.RowsWritten.WithLabelValues(table).Add(float64(rows))
	}

	eng := syncer.New(sessions, reader, writer, fetcher, notifier)
	eng.OnCycle = func(res syncer.Result, dur time.Duration) {
		prom.SyncCycles.WithLabelValues(string(res.Kind), string(res.Outcome)).Inc()
		prom.CycleDur.WithLabelValues(string(res.Kind)).Observe(dur.Seconds())
		prom.QuotesFetched.Add(float64(res.Fetched))
	}
	refresher := catalog.NewRefresher(sc, writer, reader)

	// ---- HTTP server & quote sinks ----
	srv := server.New(server.Config{
		AllowOrigin:  cfg.FrontendURL,
		SyncWait:     cfg.SyncWait,
		RefreshAsync: cfg.RefreshAsync,
	}, sessions, eng, refresher, sc, reader, cache, nil)
	eng.AddSink(srv.Hub())
	if cache != nil {
		eng.AddSink(cacheSink{cache})
	}

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Routes(),
	}

	// ---- Scheduler ----
	sched := scheduler.New(markethours.IST)
	if err := sched.RegisterSyncJobs(eng, sessions, notifier); err != nil {
		log.Fatalf("[syncserver] scheduler setup failed: %v", err)
	}
	sched.AddJob("*/1 * * * *", "market-state-gauge", func() {
		if markethours.IsMarketOpen(time.Now()) {
			prom.MarketOpen.Set(1)
		} else {
			prom.MarketOpen.Set(0)
		}
	})
	sched.Start()
	defer sched.Stop()

	// ---- Initial automated login ----
	if cfg.AngelTOTPSecret != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			log.Println("[syncserver] TOTP secret found, attempting initial automated login...")
			if err := sessions.Login(ctx, ""); err != nil {
				notifier.NotifyStatus(ctx, false, "initial startup login failed: "+err.Error(), sessions.Authenticated())
				return
			}
			notifier.NotifyStatus(ctx, true, "initial startup login successful", sessions.Authenticated())
		}()
	} else {
		log.Println("[syncserver] no TOTP secret, waiting for manual login at /login")
	}

	go func() {
		log.Printf("[syncserver] listening on %s", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[syncserver] http server failed: %v", err)
		}
	}()
	log.Printf("[syncserver] %s", markethours.StatusString(time.Now()))

	// ---- Wait for shutdown signal ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("[syncserver] shutdown signal received, cleaning up...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[syncserver] http shutdown: %v", err)
	}
	log.Println("[syncserver] shutdown complete.")
}

// cacheSink adapts the Redis quote cache to the syncer's sink interface.
type cacheSink struct {
	cache *redisstore.Cache
}

func (c cacheSink) PublishQuotes(ctx context.Context, fetched []model.Quote) {
	c.cache.StoreQuotes(ctx, fetched)
}

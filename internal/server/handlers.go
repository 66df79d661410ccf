package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/mehtaportfolio/mehta-ao-prices/internal/markethours"
	"github.com/mehtaportfolio/mehta-ao-prices/internal/model"
	"github.com/mehtaportfolio/mehta-ao-prices/internal/session"
	"github.com/mehtaportfolio/mehta-ao-prices/internal/syncer"
	"github.com/mehtaportfolio/mehta-ao-prices/pkg/smartconnect"
)

func (s *Server) setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", s.cfg.AllowOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.setCORS(w)
	w.Write([]byte("Angel One price sync server is running. See /status."))
}

// POST /login {totp}. An empty TOTP falls back to the configured secret.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.setCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}

	var req struct {
		TOTP string `json:"totp"`
	}
	// An empty body is fine (auto-TOTP mode); anything else must parse.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	err := s.sessions.Login(r.Context(), req.TOTP)
	if errors.Is(err, session.ErrNoCredentials) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "TOTP is required"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":   "Login failed",
			"message": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Login successful."})
}

// GET/POST /sync, /sync-cmp: manual CMP trigger, live window only.
func (s *Server) handleSyncCMP(w http.ResponseWriter, r *http.Request) {
	s.setCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if !markethours.IsMarketOpen(s.Now()) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "Market is closed",
			"message":    "CMP sync only works during market hours (9:15 AM - 3:30 PM IST, weekdays)",
			"marketOpen": false,
		})
		return
	}

	if !s.cfg.SyncWait {
		// Detached run: completion is observable via logs and /metrics only.
		go s.sync.RunCMP(context.Background())
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "triggered",
			"message":    "CMP sync started in background",
			"marketOpen": true,
		})
		return
	}

	res := s.sync.RunCMP(r.Context())
	s.writeCycleResult(w, res, map[string]any{"marketOpen": true})
}

// GET/POST /sync-lcp: manual LCP trigger, post-close only.
func (s *Server) handleSyncLCP(w http.ResponseWriter, r *http.Request) {
	s.setCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if !markethours.IsPostClose(s.Now()) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":        "Market still open",
			"message":      "LCP sync runs after market close (3:30 PM IST)",
			"marketClosed": false,
		})
		return
	}

	if !s.cfg.SyncWait {
		go s.sync.RunLCP(context.Background())
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       "triggered",
			"message":      "LCP sync started in background",
			"marketClosed": true,
		})
		return
	}

	res := s.sync.RunLCP(r.Context())
	s.writeCycleResult(w, res, map[string]any{"marketClosed": true})
}

func (s *Server) writeCycleResult(w http.ResponseWriter, res syncer.Result, extra map[string]any) {
	body := map[string]any{
		"outcome": string(res.Outcome),
		"fetched": res.Fetched,
		"updated": res.Written,
	}
	for k, v := range extra {
		body[k] = v
	}
	switch res.Outcome {
	case syncer.OutcomeDone:
		body["status"] = "success"
		writeJSON(w, http.StatusOK, body)
	case syncer.OutcomeAuthFailed:
		body["status"] = "error"
		body["error"] = res.Reason
		writeJSON(w, http.StatusUnauthorized, body)
	default:
		body["status"] = "skipped"
		body["message"] = res.Reason
		writeJSON(w, http.StatusOK, body)
	}
}

// GET /ltp/{exchange}/{symbolToken}: single-instrument live quote.
func (s *Server) handleLTP(w http.ResponseWriter, r *http.Request) {
	s.setCORS(w)

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/ltp/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "expected /ltp/{exchange}/{symbolToken}"})
		return
	}
	exchange, token := parts[0], parts[1]
	if !model.Exchange(exchange).Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown exchange %q", exchange)})
		return
	}

	if !s.sessions.Authenticated() {
		if q := s.cachedQuote(r.Context(), exchange, token); q != nil {
			s.writeQuote(w, q, true)
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": "Not logged in. Please submit TOTP via /login first.",
		})
		return
	}

	result, err := s.quotes.GetQuotes(r.Context(), smartconnect.QuoteModeFull, map[string][]string{exchange: {token}})
	if err != nil {
		if smartconnect.IsTokenExpired(err) {
			s.sessions.Invalidate()
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Session expired. Please re-login with new TOTP.",
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if len(result.Fetched) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no quote for " + exchange + ":" + token})
		return
	}

	e := result.Fetched[0]
	s.writeQuote(w, &model.Quote{
		TradingSymbol: e.TradingSymbol,
		SymbolToken:   e.SymbolToken,
		Exchange:      exchange,
		LTP:           e.LTP,
		Close:         e.Close,
		High:          e.High,
		Low:           e.Low,
		Open:          e.Open,
	}, false)
}

func (s *Server) cachedQuote(ctx context.Context, exchange, token string) *model.Quote {
	if s.cache == nil || markethours.IsMarketOpen(s.Now()) {
		return nil
	}
	q, err := s.cache.Quote(ctx, exchange, token)
	if err != nil {
		log.Printf("[server] quote cache read failed: %v", err)
		return nil
	}
	return q
}

func (s *Server) writeQuote(w http.ResponseWriter, q *model.Quote, cached bool) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tradingSymbol":  q.TradingSymbol,
		"symbolToken":    q.SymbolToken,
		"ltp":            q.LTP,
		"yesterdayClose": q.Close,
		"high":           q.High,
		"low":            q.Low,
		"open":           q.Open,
		"cached":         cached,
	})
}

// GET /status: liveness plus session and market state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.setCORS(w)

	now := s.Now()
	ist := now.In(markethours.IST)
	lastLogin := "Never"
	if t := s.sessions.LastLogin(); !t.IsZero() {
		lastLogin = t.In(markethours.IST).Format("1/2/2006, 3:04:05 PM")
	}
	symbolCount := 0
	if s.counter != nil {
		if n, err := s.counter.CountSymbols(r.Context()); err == nil {
			symbolCount = n
		} else {
			log.Printf("[server] catalog count failed: %v", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "online",
		"authenticated": s.sessions.Authenticated(),
		"lastLogin":     lastLogin,
		"marketOpen":    markethours.IsMarketOpen(now),
		"tradingDay":    markethours.IsTradingDay(now),
		"istTime":       ist.Format("1/2/2006, 3:04:05 PM"),
		"symbolCount":   symbolCount,
		"wsClients":     s.hub.ClientCount(),
	})
}

// GET /refresh-stocks: catalog refresh, synchronous or detached per config.
func (s *Server) handleRefreshStocks(w http.ResponseWriter, r *http.Request) {
	s.setCORS(w)

	if s.cfg.RefreshAsync {
		go func() {
			count, err := s.refresher.Refresh(context.Background())
			if err != nil {
				log.Printf("[server] background stock refresh failed: %v", err)
				return
			}
			log.Printf("[server] background stock refresh completed: %d stocks", count)
		}()
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "Processing",
			"message": "Stock refresh started in background.",
		})
		return
	}

	count, err := s.refresher.Refresh(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status":  "error",
			"message": "Stock refresh failed: " + err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": fmt.Sprintf("Stock refresh completed: %d stocks processed", count),
	})
}

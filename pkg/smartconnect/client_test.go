package smartconnect

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := New(Config{
		APIKey:         "test-key",
		RootURL:        srv.URL,
		MasterURL:      srv.URL + "/master.json",
		ClientLocalIP:  "10.0.0.1",
		ClientPublicIP: "10.0.0.1",
		ClientMAC:      "00:11:22:33:44:55",
	})
	return c, srv
}

func TestGenerateSession(t *testing.T) {
	var gotBody map[string]any
	var gotHeaders http.Header
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != routes["api.login"] {
			t.Errorf("path = %s, want login route", r.URL.Path)
		}
		gotHeaders = r.Header.Clone()
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"status":  true,
			"message": "SUCCESS",
			"data": map[string]string{
				"jwtToken":     "jwt-1",
				"refreshToken": "refresh-1",
				"feedToken":    "feed-1",
			},
		})
	})
	defer srv.Close()

	tokens, err := c.GenerateSession(context.Background(), "A123", "1234", "654321")
	if err != nil {
		t.Fatalf("generate session: %v", err)
	}
	if tokens.JWTToken != "jwt-1" || tokens.RefreshToken != "refresh-1" || tokens.FeedToken != "feed-1" {
		t.Errorf("tokens = %+v", tokens)
	}
	if gotBody["clientcode"] != "A123" || gotBody["totp"] != "654321" {
		t.Errorf("request body = %v", gotBody)
	}
	if gotHeaders.Get("X-PrivateKey") != "test-key" {
		t.Errorf("X-PrivateKey = %q, want test-key", gotHeaders.Get("X-PrivateKey"))
	}
	// Tokens installed on the client for subsequent calls.
	if c.FeedToken() != "feed-1" {
		t.Errorf("feed token = %q, want feed-1", c.FeedToken())
	}
}

func TestGenerateSession_APIError(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status":    false,
			"message":   "Invalid totp",
			"errorcode": "AB1050",
		})
	})
	defer srv.Close()

	_, err := c.GenerateSession(context.Background(), "A123", "1234", "000000")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Code != "AB1050" || apiErr.Message != "Invalid totp" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if IsTokenExpired(err) {
		t.Error("invalid totp must not read as token expiry")
	}
}

func TestGetQuotes_TokenExpiredFiresHook(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status":    false,
			"message":   "Token expired",
			"errorcode": "AG8001",
		})
	})
	defer srv.Close()

	var hookFired bool
	c.SessionExpiryHook = func() { hookFired = true }
	c.SetTokens("stale-jwt", "r", "f")

	_, err := c.GetQuotes(context.Background(), QuoteModeFull, map[string][]string{"NSE": {"3045"}})
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
	if !IsTokenExpired(err) {
		t.Error("IsTokenExpired = false")
	}
	if !hookFired {
		t.Error("expiry hook not fired")
	}
}

func TestGetQuotes_ConcurrentExpiryClearsTokens(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status":    false,
			"message":   "Token expired",
			"errorcode": "AG8001",
		})
	})
	defer srv.Close()

	// The same wiring main uses: the expiry hook drops the tokens while
	// other in-flight chunk requests are still reading them.
	c.SessionExpiryHook = c.ClearTokens
	c.SetTokens("stale-jwt", "r", "f")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetQuotes(context.Background(), QuoteModeFull, map[string][]string{"NSE": {"3045"}})
			if !errors.Is(err, ErrTokenExpired) {
				t.Errorf("err = %v, want ErrTokenExpired", err)
			}
		}()
	}
	wg.Wait()

	if c.FeedToken() != "" || c.RefreshToken() != "" {
		t.Error("tokens not cleared after expiry signal")
	}
}

func TestGetQuotes(t *testing.T) {
	var gotAuth string
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{
			"status":  true,
			"message": "SUCCESS",
			"data": map[string]any{
				"fetched": []map[string]any{
					{"exchange": "NSE", "tradingSymbol": "SBIN-EQ", "symbolToken": "3045", "ltp": 812.5, "close": 808.0},
				},
				"unfetched": []any{},
			},
		})
	})
	defer srv.Close()
	c.SetTokens("jwt-1", "r", "f")

	result, err := c.GetQuotes(context.Background(), QuoteModeFull, map[string][]string{"NSE": {"3045"}})
	if err != nil {
		t.Fatalf("get quotes: %v", err)
	}
	if gotAuth != "Bearer jwt-1" {
		t.Errorf("Authorization = %q, want Bearer jwt-1", gotAuth)
	}
	if len(result.Fetched) != 1 {
		t.Fatalf("fetched %d entries, want 1", len(result.Fetched))
	}
	q := result.Fetched[0]
	if q.TradingSymbol != "SBIN-EQ" || q.LTP != 812.5 || q.Close != 808.0 {
		t.Errorf("quote = %+v", q)
	}
}

func TestIsTokenExpired_MessageSubstring(t *testing.T) {
	err := &APIError{Code: "AB9999", Message: "Token expired, please login again"}
	if !IsTokenExpired(err) {
		t.Error("message substring must signal expiry")
	}
	if IsTokenExpired(&APIError{Code: "AB1050", Message: "Invalid totp"}) {
		t.Error("unrelated error must not signal expiry")
	}
	if IsTokenExpired(nil) {
		t.Error("nil must not signal expiry")
	}
}

func TestSearchScrip(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != routes["api.search.scrip"] {
			t.Errorf("path = %s, want search route", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status":  true,
			"message": "SUCCESS",
			"data": []map[string]string{
				{"exchange": "NSE", "tradingsymbol": "SBIN-EQ", "symboltoken": "3045"},
			},
		})
	})
	defer srv.Close()
	c.SetTokens("jwt-1", "r", "f")

	scrips, err := c.SearchScrip(context.Background(), "NSE", "SBIN")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(scrips) != 1 || scrips[0].SymbolToken != "3045" {
		t.Errorf("scrips = %+v", scrips)
	}
}

func TestInstrumentMaster(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/master.json" {
			t.Errorf("path = %s, want /master.json", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]map[string]string{
			{"token": "3045", "symbol": "SBIN-EQ", "name": "STATE BANK OF INDIA", "exch_seg": "NSE", "instrumenttype": ""},
		})
	})
	defer srv.Close()

	instruments, err := c.InstrumentMaster(context.Background())
	if err != nil {
		t.Fatalf("instrument master: %v", err)
	}
	if len(instruments) != 1 || instruments[0].Token != "3045" || instruments[0].ExchSeg != "NSE" {
		t.Errorf("instruments = %+v", instruments)
	}
}

func TestTerminateSession_ClearsTokens(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": true, "message": "SUCCESS", "data": map[string]any{}})
	})
	defer srv.Close()
	c.SetTokens("jwt-1", "refresh-1", "feed-1")

	if err := c.TerminateSession(context.Background(), "A123"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if c.FeedToken() != "" || c.RefreshToken() != "" {
		t.Error("tokens not cleared after logout")
	}
}

// Package smartconnect is a typed Angel One SmartAPI client covering the
// surface this service needs: session generation, FULL-mode market quotes,
// scrip search and the instrument master download.
package smartconnect

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultRoot   = "https://apiconnect.angelone.in"
	defaultMaster = "https://margincalculator.angelbroking.com/OpenAPI_File/files/OpenAPIScripMaster.json"

	defaultTimeout       = 7 * time.Second
	defaultMasterTimeout = 60 * time.Second

	// QuoteModeFull requests LTP plus OHLC and previous close per token.
	QuoteModeFull = "FULL"

	// TokenExpiredCode is Angel One's errorcode for an expired session.
	TokenExpiredCode = "AG8001"
)

var routes = map[string]string{
	"api.login":        "/rest/auth/angelbroking/user/v1/loginByPassword",
	"api.logout":       "/rest/secure/angelbroking/user/v1/logout",
	"api.market.quote": "/rest/secure/angelbroking/market/v1/quote",
	"api.search.scrip": "/rest/secure/angelbroking/order/v1/searchScrip",
}

// ErrTokenExpired is returned when the provider signals that the session
// token is no longer valid. Callers must invalidate their session on it.
var ErrTokenExpired = errors.New("smartconnect: session token expired")

// APIError is a provider-reported failure (status=false in the envelope).
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("smartconnect: %s (%s)", e.Message, e.Code)
	}
	return "smartconnect: " + e.Message
}

// IsTokenExpired reports whether err carries Angel One's session-expiry
// signal, either as the AG8001 errorcode or the expiry message substring.
func IsTokenExpired(err error) bool {
	if errors.Is(err, ErrTokenExpired) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == TokenExpiredCode || strings.Contains(apiErr.Message, "Token expired")
	}
	return false
}

// Config configures the client. Zero values use Angel One production
// endpoints and the provider-recommended 7s request timeout.
type Config struct {
	APIKey    string
	RootURL   string
	MasterURL string
	Timeout   time.Duration

	ClientLocalIP  string
	ClientPublicIP string
	ClientMAC      string
}

// Client is a SmartAPI HTTP client. It holds the access token of the
// current session; token mutation is driven by the session manager.
type Client struct {
	apiKey    string
	rootURL   string
	masterURL string

	httpClient   *http.Client
	masterClient *http.Client

	localIP  string
	publicIP string
	mac      string

	// tokenMu guards the token fields: concurrent quote requests read them
	// while the expiry hook or a re-login writes them.
	tokenMu      sync.RWMutex
	accessToken  string
	refreshToken string
	feedToken    string

	// SessionExpiryHook, when set, is called whenever a response carries
	// the token-expiry signal, before the error is returned.
	SessionExpiryHook func()
}

// New creates a SmartAPI client.
func New(cfg Config) *Client {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.MasterURL == "" {
		cfg.MasterURL = defaultMaster
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ClientLocalIP == "" {
		cfg.ClientLocalIP = localIPFallback()
	}
	if cfg.ClientPublicIP == "" {
		cfg.ClientPublicIP = cfg.ClientLocalIP
	}
	if cfg.ClientMAC == "" {
		cfg.ClientMAC = macFallback()
	}

	tr := &http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return &Client{
		apiKey:       cfg.APIKey,
		rootURL:      strings.TrimRight(cfg.RootURL, "/"),
		masterURL:    cfg.MasterURL,
		httpClient:   &http.Client{Transport: tr, Timeout: cfg.Timeout},
		masterClient: &http.Client{Transport: tr, Timeout: defaultMasterTimeout},
		localIP:      cfg.ClientLocalIP,
		publicIP:     cfg.ClientPublicIP,
		mac:          cfg.ClientMAC,
	}
}

// ---- token accessors ----

func (c *Client) SetTokens(access, refresh, feed string) {
	c.tokenMu.Lock()
	c.accessToken = access
	c.refreshToken = refresh
	c.feedToken = feed
	c.tokenMu.Unlock()
}

func (c *Client) ClearTokens() { c.SetTokens("", "", "") }

func (c *Client) FeedToken() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.feedToken
}

func (c *Client) RefreshToken() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.refreshToken
}

// ---- response shapes ----

// envelope is the outer shape every SmartAPI response shares.
type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

// SessionTokens is the payload of a successful login.
type SessionTokens struct {
	JWTToken     string `json:"jwtToken"`
	RefreshToken string `json:"refreshToken"`
	FeedToken    string `json:"feedToken"`
}

// QuoteResult is the payload of the market quote endpoint. Unfetched lists
// tokens the provider could not resolve in this request.
type QuoteResult struct {
	Fetched   []QuoteEntry      `json:"fetched"`
	Unfetched []json.RawMessage `json:"unfetched"`
}

// QuoteEntry is one instrument's FULL-mode snapshot.
type QuoteEntry struct {
	Exchange      string  `json:"exchange"`
	TradingSymbol string  `json:"tradingSymbol"`
	SymbolToken   string  `json:"symbolToken"`
	LTP           float64 `json:"ltp"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
}

// Scrip is one row of a searchScrip response.
type Scrip struct {
	Exchange      string `json:"exchange"`
	TradingSymbol string `json:"tradingsymbol"`
	SymbolToken   string `json:"symboltoken"`
}

// MasterInstrument is one row of the OpenAPI scrip master file.
type MasterInstrument struct {
	Token          string `json:"token"`
	Symbol         string `json:"symbol"`
	Name           string `json:"name"`
	ExchSeg        string `json:"exch_seg"`
	InstrumentType string `json:"instrumenttype"`
}

// ---- API methods ----

// GenerateSession logs in with client code, password and a TOTP code.
// On success the returned tokens are also installed on the client.
func (c *Client) GenerateSession(ctx context.Context, clientCode, password, totp string) (*SessionTokens, error) {
	params := map[string]any{"clientcode": clientCode, "password": password, "totp": totp}
	env, err := c.post(ctx, "api.login", params)
	if err != nil {
		return nil, err
	}
	var tokens SessionTokens
	if err := json.Unmarshal(env.Data, &tokens); err != nil {
		return nil, fmt.Errorf("smartconnect: decode login data: %w", err)
	}
	if tokens.JWTToken == "" {
		return nil, errors.New("smartconnect: login response carried no jwtToken")
	}
	c.SetTokens(tokens.JWTToken, tokens.RefreshToken, tokens.FeedToken)
	return &tokens, nil
}

// TerminateSession logs the client out and clears the stored tokens.
func (c *Client) TerminateSession(ctx context.Context, clientCode string) error {
	_, err := c.post(ctx, "api.logout", map[string]any{"clientcode": clientCode})
	c.ClearTokens()
	return err
}

// GetQuotes fetches market data for up to 50 tokens of a single exchange
// per call. exchangeTokens maps exchange name to its token list, exactly as
// the wire format expects.
func (c *Client) GetQuotes(ctx context.Context, mode string, exchangeTokens map[string][]string) (*QuoteResult, error) {
	params := map[string]any{"mode": mode, "exchangeTokens": exchangeTokens}
	env, err := c.post(ctx, "api.market.quote", params)
	if err != nil {
		return nil, err
	}
	var result QuoteResult
	if err := json.Unmarshal(env.Data, &result); err != nil {
		return nil, fmt.Errorf("smartconnect: decode quote data: %w", err)
	}
	return &result, nil
}

// SearchScrip looks up instruments by trading symbol on one exchange.
func (c *Client) SearchScrip(ctx context.Context, exchange, query string) ([]Scrip, error) {
	env, err := c.post(ctx, "api.search.scrip", map[string]any{"exchange": exchange, "searchscrip": query})
	if err != nil {
		return nil, err
	}
	var scrips []Scrip
	if err := json.Unmarshal(env.Data, &scrips); err != nil {
		return nil, fmt.Errorf("smartconnect: decode scrip data: %w", err)
	}
	return scrips, nil
}

// InstrumentMaster downloads the full OpenAPI scrip master. The file is
// tens of megabytes, so this uses the long bulk-download timeout.
func (c *Client) InstrumentMaster(ctx context.Context) ([]MasterInstrument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.masterURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.masterClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("smartconnect: master download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("smartconnect: master download: unexpected status %d", resp.StatusCode)
	}
	var instruments []MasterInstrument
	if err := json.NewDecoder(resp.Body).Decode(&instruments); err != nil {
		return nil, fmt.Errorf("smartconnect: decode master: %w", err)
	}
	return instruments, nil
}

// ---- request plumbing ----

func (c *Client) requestHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("X-ClientLocalIP", c.localIP)
	h.Set("X-ClientPublicIP", c.publicIP)
	h.Set("X-MACAddress", c.mac)
	h.Set("X-PrivateKey", c.apiKey)
	h.Set("X-UserType", "USER")
	h.Set("X-SourceID", "WEB")
	c.tokenMu.RLock()
	token := c.accessToken
	c.tokenMu.RUnlock()
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

func (c *Client) post(ctx context.Context, route string, params map[string]any) (*envelope, error) {
	uri, ok := routes[route]
	if !ok {
		return nil, fmt.Errorf("smartconnect: unknown route %s", route)
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rootURL+uri, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = c.requestHeaders()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("smartconnect: %s: %w", route, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("smartconnect: %s: read body: %w", route, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("smartconnect: %s: parse response (status %d): %w", route, resp.StatusCode, err)
	}
	if !env.Status {
		apiErr := &APIError{Code: env.ErrorCode, Message: env.Message}
		if IsTokenExpired(apiErr) {
			if c.SessionExpiryHook != nil {
				c.SessionExpiryHook()
			}
			return nil, fmt.Errorf("%s: %w", apiErr.Message, ErrTokenExpired)
		}
		return nil, apiErr
	}
	return &env, nil
}

// ---- local identity fallbacks ----

func localIPFallback() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	log.Printf("[smartconnect] no local IP found, using loopback")
	return "127.0.0.1"
}

func macFallback() string {
	ifs, _ := net.Interfaces()
	for _, ifc := range ifs {
		if len(ifc.HardwareAddr) > 0 {
			return ifc.HardwareAddr.String()
		}
	}
	return "00:11:22:33:44:55"
}

// Package session owns the Angel One session lifecycle: login with TOTP,
// expiry-driven invalidation, and the single-flight guard that keeps
// concurrent callers from racing duplicate login requests.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/sync/singleflight"

	"github.com/mehtaportfolio/mehta-ao-prices/pkg/smartconnect"
)

// ErrNoCredentials is returned by Ensure when no session exists and no TOTP
// secret is configured to establish one automatically.
var ErrNoCredentials = errors.New("session: not authenticated and no TOTP secret configured")

// AuthProvider is the slice of the SmartAPI client the manager needs.
type AuthProvider interface {
	GenerateSession(ctx context.Context, clientCode, password, totp string) (*smartconnect.SessionTokens, error)
	ClearTokens()
}

// Config carries the login credentials. TOTPSecret may be empty, in which
// case only manual logins (explicit TOTP codes) are possible.
type Config struct {
	ClientCode string
	Password   string
	TOTPSecret string
}

// Manager is the process-wide session holder. At most one session is live
// at a time and at most one login request is outbound at a time.
type Manager struct {
	cfg Config
	api AuthProvider

	mu        sync.RWMutex
	tokens    *smartconnect.SessionTokens
	lastLogin time.Time

	login singleflight.Group

	// Now is the clock, replaceable in tests.
	Now func() time.Time

	// OnLogin, when set, observes every login attempt's outcome.
	OnLogin func(err error)
}

// NewManager creates a session manager in the Unauthenticated state.
func NewManager(cfg Config, api AuthProvider) *Manager {
	return &Manager{cfg: cfg, api: api, Now: time.Now}
}

// Authenticated reports whether a session is currently live.
func (m *Manager) Authenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens != nil
}

// LastLogin returns the time of the last successful login, or zero if the
// manager has never been authenticated.
func (m *Manager) LastLogin() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastLogin
}

// Login establishes a session. With an empty code it generates a TOTP from
// the configured secret. Concurrent callers share one outbound request.
func (m *Manager) Login(ctx context.Context, code string) error {
	_, err, _ := m.login.Do("login", func() (any, error) {
		return nil, m.doLogin(ctx, code)
	})
	if m.OnLogin != nil {
		m.OnLogin(err)
	}
	return err
}

func (m *Manager) doLogin(ctx context.Context, code string) error {
	if code == "" {
		if m.cfg.TOTPSecret == "" {
			return ErrNoCredentials
		}
		generated, err := totp.GenerateCode(m.cfg.TOTPSecret, m.Now())
		if err != nil {
			return fmt.Errorf("session: generate TOTP: %w", err)
		}
		code = generated
	}

	tokens, err := m.api.GenerateSession(ctx, m.cfg.ClientCode, m.cfg.Password, code)
	if err != nil {
		log.Printf("[session] login failed: %v", err)
		return err
	}

	m.mu.Lock()
	m.tokens = tokens
	m.lastLogin = m.Now()
	m.mu.Unlock()
	log.Printf("[session] login successful, session updated")
	return nil
}

// Ensure makes sure a session is live: a no-op when already authenticated,
// an automated login when a TOTP secret is configured, ErrNoCredentials
// otherwise.
func (m *Manager) Ensure(ctx context.Context) error {
	if m.Authenticated() {
		return nil
	}
	if m.cfg.TOTPSecret == "" {
		return ErrNoCredentials
	}
	log.Printf("[session] session missing, attempting automated login")
	return m.Login(ctx, "")
}

// Invalidate drops the current session unconditionally. Idempotent. Any
// downstream caller that sees the provider's expiry signal must call this
// before propagating the error.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	wasLive := m.tokens != nil
	m.tokens = nil
	m.mu.Unlock()
	m.api.ClearTokens()
	if wasLive {
		log.Printf("[session] session invalidated")
	}
}

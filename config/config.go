// Package config loads application configuration from the environment,
// with optional .env overrides for local development.
package config

import (
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Angel One credentials
	AngelAPIKey     string
	AngelClientCode string
	AngelPassword   string
	// AngelTOTPSecret may be empty: the service then runs in
	// manual-TOTP-only mode and never logs in automatically.
	AngelTOTPSecret string

	// Infrastructure
	SQLitePath    string
	RedisAddr     string // empty disables the quote cache
	RedisPassword string
	ListenAddr    string

	// Collaborators
	PortfolioBackendURL string // empty disables status notifications
	FrontendURL         string // CORS origin

	// Behavior switches
	SyncWait     bool // /sync waits for cycle completion instead of acking
	RefreshAsync bool // /refresh-stocks returns before the refresh finishes
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first when present.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		log.Printf("[config] loaded .env")
	}

	return &Config{
		AngelAPIKey:     mustEnv("ANGEL_API_KEY"),
		AngelClientCode: mustEnv("ANGEL_CLIENT_CODE"),
		AngelPassword:   mustEnv("ANGEL_PASSWORD"),
		AngelTOTPSecret: getEnv("ANGEL_TOTP_SECRET", ""),

		SQLitePath:    getEnv("SQLITE_PATH", "data/stocks.db"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		ListenAddr:    getEnv("LISTEN_ADDR", ":4000"),

		PortfolioBackendURL: getEnv("PORTFOLIO_BACKEND_URL", ""),
		FrontendURL:         getEnv("FRONTEND_URL", "*"),

		SyncWait:     boolEnv("SYNC_WAIT", true),
		RefreshAsync: boolEnv("REFRESH_ASYNC", false),
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func boolEnv(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

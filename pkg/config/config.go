// pkg/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	HTTPAddr string // derived from PORT

	// Credential storage root; one directory per tenant.
	AuthDir string

	// Session lifecycle
	MaxRetries        int
	ReconnectDelay    time.Duration
	EraseGrace        time.Duration
	RestoreOnStartup  bool
	PairingAttemptTTL time.Duration

	// Control-plane polling
	PairingPollTimeout  time.Duration
	PairingPollInterval time.Duration
	QRWait              time.Duration

	PhoneRulesFile   string
	PairingRateLimit int // pairing requests per tenant per minute
	SendRateLimit    int // sends per tenant per minute, 0 disables
	MediaMaxBytes    int64
	CORSOrigins      []string

	// OIDC / JWT (optional; empty issuer disables bearer auth)
	Issuer    string
	Audience  string
	JWKSURL   string
	ClockSkew time.Duration

	// Redis & Postgres
	RedisURL    string
	DatabaseURL string
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:                 env("GATEWAY_ENV", "dev"),
		HTTPAddr:            ":" + env("PORT", "3000"),
		AuthDir:             env("AUTH_DIR", "./auth_info"),
		MaxRetries:          envInt("MAX_RETRIES", 3),
		ReconnectDelay:      envMillis("RECONNECT_DELAY_MS", 2000),
		EraseGrace:          envMillis("ERASE_GRACE_MS", 1000),
		RestoreOnStartup:    envBool("RESTORE_SESSIONS", true),
		PairingAttemptTTL:   envMillis("PAIRING_ATTEMPT_TIMEOUT_MS", 15000),
		PairingPollTimeout:  envMillis("PAIRING_POLL_TIMEOUT_MS", 10000),
		PairingPollInterval: envMillis("PAIRING_POLL_INTERVAL_MS", 500),
		QRWait:              envMillis("QR_WAIT_MS", 5000),
		PhoneRulesFile:      env("PHONE_RULES_FILE", ""),
		PairingRateLimit:    envInt("PAIRING_RATE_LIMIT", 10),
		SendRateLimit:       envInt("SEND_RATE_LIMIT", 0),
		MediaMaxBytes:       int64(envInt("MEDIA_MAX_BYTES", 16<<20)),
		CORSOrigins:         envList("CORS_ORIGINS", []string{"*"}),
		Issuer:              env("OIDC_ISSUER", ""),
		Audience:            env("OIDC_AUDIENCE", "wa-gateway"),
		JWKSURL:             env("JWKS_URL", ""),
		ClockSkew:           envMillis("JWT_CLOCK_SKEW_MS", 60000),
		RedisURL:            env("REDIS_URL", ""),
		DatabaseURL:         env("DATABASE_URL", ""),
	}
	if cfg.DatabaseURL == "" {
		log.Println("[WARN] DATABASE_URL not set; lifecycle audit log disabled")
	}
	return cfg
}

// AuthEnabled reports whether bearer tokens are validated on the control API.
func (c Config) AuthEnabled() bool {
	return c.Issuer != "" && c.JWKSURL != ""
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return def
		}
		return b
	}
	return def
}
func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return def
		}
		return i
	}
	return def
}
func envMillis(k string, def int) time.Duration {
	return time.Duration(envInt(k, def)) * time.Millisecond
}
func envList(k string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

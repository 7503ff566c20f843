// Package config handles loading and validating the application
// configuration from the process environment.
//
// A .env file in the working directory is loaded first when present, so
// local runs can keep secrets out of the shell. Variables already set in
// the environment take precedence over the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config holds all application configuration. It is read once at
// startup and passed explicitly to the components that need it; changes
// require a restart.
type Config struct {
	// Port is the HTTP port used when ListenAddr is empty.
	Port int `env:"PORT,default=4000"`

	// ListenAddr overrides Port with a full listen address (e.g., "127.0.0.1:4000").
	ListenAddr string `env:"LISTEN_ADDR"`

	// DatabaseURL is the PostgreSQL connection URI.
	DatabaseURL string `env:"DATABASE_URL"`

	// NeynarAPIKey authenticates calls to the content API. It is not
	// required at boot: requests that need it fail with a configuration
	// error while it is missing.
	NeynarAPIKey string `env:"NEYNAR_API_KEY"`

	// NeynarBaseURL is the content API root.
	NeynarBaseURL string `env:"NEYNAR_BASE_URL,default=https://api.neynar.com"`

	// NeynarTimeout bounds every content API call.
	NeynarTimeout time.Duration `env:"NEYNAR_TIMEOUT,default=10s"`

	// NeynarRPS and NeynarBurst shape the client-side token bucket.
	NeynarRPS   float64 `env:"NEYNAR_RPS,default=5"`
	NeynarBurst int     `env:"NEYNAR_BURST,default=10"`

	// AdminKey is a shared secret for the admin API. Clients send it as
	// "Authorization: Bearer <adminKey>". Empty disables the admin API.
	AdminKey string `env:"ADMIN_KEY"`

	// SessionSecret signs session JWTs. When set, fid-scoped write routes
	// require a session token for the fid they act on.
	SessionSecret string `env:"SESSION_SECRET"`

	// SessionIssuer is the "iss" claim of issued session tokens.
	SessionIssuer string `env:"SESSION_ISSUER,default=castkeeper"`

	// LogLevel is a logrus level name.
	LogLevel string `env:"LOG_LEVEL,default=info"`

	// CORSOrigins is a comma-separated allowlist; "*" allows any origin.
	CORSOrigins string `env:"CORS_ORIGINS,default=*"`
}

// Load reads an optional .env file, decodes the environment into a
// Config and validates it.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode env: %w", err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = fmt.Sprintf(":%d", cfg.Port)
	}
	cfg.NeynarBaseURL = strings.TrimRight(cfg.NeynarBaseURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate checks that all required fields are present and sane.
func (c *Config) validate() error {
	switch {
	case c.DatabaseURL == "":
		return fmt.Errorf("config: DATABASE_URL is required")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("config: PORT %d out of range", c.Port)
	case c.NeynarTimeout <= 0:
		return fmt.Errorf("config: NEYNAR_TIMEOUT must be positive")
	case c.NeynarRPS <= 0:
		return fmt.Errorf("config: NEYNAR_RPS must be positive")
	case c.NeynarBurst <= 0:
		return fmt.Errorf("config: NEYNAR_BURST must be positive")
	}
	if _, err := url.Parse(c.NeynarBaseURL); err != nil {
		return fmt.Errorf("config: NEYNAR_BASE_URL: %w", err)
	}
	return nil
}

// Origins returns the CORS allowlist as a slice.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// SessionsEnabled reports whether session tokens are enforced.
func (c *Config) SessionsEnabled() bool {
	return c.SessionSecret != ""
}

// RedactedAPIKey returns the first eight characters of the API key for
// log lines.
func (c *Config) RedactedAPIKey() string {
	if len(c.NeynarAPIKey) <= 8 {
		return strings.Repeat("*", len(c.NeynarAPIKey))
	}
	return c.NeynarAPIKey[:8] + "..."
}

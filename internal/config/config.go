package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Env         string `mapstructure:"APP_ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	Port        string `mapstructure:"PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	JWTSecret   string `mapstructure:"JWT_SECRET"`
	FrontendURL string `mapstructure:"FRONTEND_URL"`

	// AllowedOrigins is FRONTEND_URL split on commas; filled by Load.
	AllowedOrigins []string `mapstructure:"-"`

	TokenTTL       time.Duration `mapstructure:"TOKEN_TTL"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	FanoutBackend   string `mapstructure:"FANOUT_BACKEND"`
	ClientBuffer    int    `mapstructure:"CLIENT_BUFFER"`
	DefaultPageSize int    `mapstructure:"DEFAULT_PAGE_SIZE"`
	MaxPageSize     int    `mapstructure:"MAX_PAGE_SIZE"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"APP_ENV", "LOG_LEVEL", "PORT", "DATABASE_URL", "REDIS_URL", "JWT_SECRET", "FRONTEND_URL",
	"TOKEN_TTL", "REQUEST_TIMEOUT", "FANOUT_BACKEND", "CLIENT_BUFFER",
	"DEFAULT_PAGE_SIZE", "MAX_PAGE_SIZE", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("PORT", "5000")
	v.SetDefault("DATABASE_URL", "host=localhost user=user password=password dbname=dmchat port=5432 sslmode=disable")
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("FRONTEND_URL", "http://localhost:3000")
	v.SetDefault("TOKEN_TTL", DefaultTokenTTL)
	v.SetDefault("REQUEST_TIMEOUT", DefaultRequestTimeout)
	v.SetDefault("FANOUT_BACKEND", FanoutLocal)
	v.SetDefault("CLIENT_BUFFER", DefaultClientBuffer)
	v.SetDefault("DEFAULT_PAGE_SIZE", DefaultPageSize)
	v.SetDefault("MAX_PAGE_SIZE", MaxPageSize)
	v.SetDefault("RATE_LIMIT_RPS", DefaultRateLimitRPS)
	v.SetDefault("RATE_LIMIT_BURST", DefaultRateLimitBurst)
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	// .env is optional; plain environment variables are enough in containers.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.AllowedOrigins = SplitOrigins(cfg.FrontendURL)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no safe default.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.FanoutBackend {
	case FanoutLocal, FanoutRedis, FanoutPostgres:
	default:
		return fmt.Errorf("unknown FANOUT_BACKEND %q", c.FanoutBackend)
	}
	if c.DefaultPageSize <= 0 || c.MaxPageSize < c.DefaultPageSize {
		return fmt.Errorf("invalid page size bounds %d/%d", c.DefaultPageSize, c.MaxPageSize)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	return nil
}

// SplitOrigins parses a comma separated origin list, dropping blanks and
// trailing slashes.
func SplitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		o = strings.TrimSuffix(strings.TrimSpace(o), "/")
		if o != "" && !slices.Contains(out, o) {
			out = append(out, o)
		}
	}
	return out
}

// OriginAllowed reports whether a browser origin may use the API and the
// push channel. Requests without an Origin header are not from a browser.
func (c *Config) OriginAllowed(origin string) bool {
	if origin == "" || c.Env != "production" {
		return true
	}
	return slices.Contains(c.AllowedOrigins, strings.TrimSuffix(origin, "/"))
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Port
}

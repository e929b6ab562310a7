package config

import "time"

const (
	// Pagination
	DefaultPageSize = 50
	MaxPageSize     = 200

	// Storage calls
	DefaultRequestTimeout = 5 * time.Second

	// Push channel
	DefaultClientBuffer = 256
	BrokerPublishWait   = 2 * time.Second

	// Auth
	DefaultTokenTTL = 72 * time.Hour
	MinPasswordLen  = 6

	// Rate limiting per client IP
	DefaultRateLimitRPS   = 10.0
	DefaultRateLimitBurst = 50
)

// Fanout backends.
const (
	FanoutLocal    = "local"
	FanoutRedis    = "redis"
	FanoutPostgres = "postgres"
)

package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const CleanupJobInterval = 1 * time.Minute

// Expired sessions are kept this long before the cleanup job deletes them
const SessionRetention = 24 * time.Hour

// Websocket settings shared by the signaling and viewer channels
const (
	WSWriteTimeout = 10 * time.Second
	WSPongTimeout  = 60 * time.Second
	WSPingInterval = 25 * time.Second
)

// Persistence calls made from socket callbacks
const PersistTimeout = 5 * time.Second

// Stream bridge read chunk and buffer floor
const (
	StreamReadChunk      = 32 * 1024
	MinStreamBufferBytes = 64 * 1024
)

// Default rate limiting
const DefaultRateLimitPerMin = 60

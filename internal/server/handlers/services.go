// Defines shared dependencies for handlers.

package handlers

import (
	"time"

	"github.com/LettoKarvat/RCAFORM/internal/collection"
	"github.com/LettoKarvat/RCAFORM/internal/server/ipgeo"
	"github.com/LettoKarvat/RCAFORM/internal/server/ratelimit"
)

// Services holds the service dependencies of the handlers.
type Services struct {
	Collection *collection.Service
	// Backend is the kind of remote store, reported by the health check.
	Backend string
}

// Config holds configuration values needed by handlers and the server.
type Config struct {
	// AdminKey is compared with the x-admin-key header. Both sides are
	// trimmed of surrounding whitespace first, as the serverless handler did,
	// so keys pasted with a trailing newline keep working. Empty leaves admin
	// routes open unless RequireAdmin is set.
	AdminKey     string
	RequireAdmin bool
	// JWTSecret signs admin session tokens.
	JWTSecret  []byte
	SessionTTL time.Duration
	// MaxBodyBytes limits request bodies. Zero means no limit.
	MaxBodyBytes int64
	Version      string
	IPGeo        *ipgeo.Checker     // may be nil
	Submit       *ratelimit.Limiter // may be nil
}

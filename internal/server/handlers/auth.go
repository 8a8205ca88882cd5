package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maruel/ksid"

	"github.com/LettoKarvat/RCAFORM/internal/server/dto"
	"github.com/LettoKarvat/RCAFORM/internal/storage/entity"
)

const (
	defaultSessionTTL = 12 * time.Hour
	sessionSubject    = "admin"
)

var (
	errMissingCredentials = errors.New("missing admin credentials")
	errWrongKey           = errors.New("admin key mismatch")
	errNoSecret           = errors.New("admin access requires a configured secret")
	errInvalidToken       = errors.New("invalid session token")
)

// AuthHandler guards admin routes and issues admin session tokens.
type AuthHandler struct {
	cfg *Config
	now func() time.Time
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(cfg *Config) *AuthHandler {
	return &AuthHandler{cfg: cfg, now: time.Now}
}

// Open reports whether admin routes are reachable without credentials.
func (h *AuthHandler) Open() bool {
	return strings.TrimSpace(h.cfg.AdminKey) == "" && !h.cfg.RequireAdmin
}

// Check validates the credentials of an admin request: either the
// Authorization header carrying a session token or the x-admin-key header
// value. A rejected token falls back to the key when one is sent.
func (h *AuthHandler) Check(adminKey, authorization string) error {
	secret := strings.TrimSpace(h.cfg.AdminKey)
	if secret == "" {
		if h.cfg.RequireAdmin {
			return errNoSecret
		}
		return nil
	}
	sent := strings.TrimSpace(adminKey)
	if tok, ok := strings.CutPrefix(authorization, "Bearer "); ok {
		err := h.verify(strings.TrimSpace(tok))
		if err == nil || sent == "" {
			return err
		}
	}
	if sent == "" {
		return errMissingCredentials
	}
	if subtle.ConstantTimeCompare([]byte(sent), []byte(secret)) != 1 {
		return errWrongKey
	}
	return nil
}

func (h *AuthHandler) verify(tok string) error {
	if len(h.cfg.JWTSecret) == 0 {
		return errInvalidToken
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tok, claims, func(*jwt.Token) (any, error) {
		return h.cfg.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithSubject(sessionSubject), jwt.WithTimeFunc(h.now))
	if err != nil {
		return fmt.Errorf("%w: %w", errInvalidToken, err)
	}
	return nil
}

// CreateSession exchanges valid admin credentials, already checked by the
// caller, for a signed session token.
func (h *AuthHandler) CreateSession(ctx context.Context, _ *dto.EmptyRequest) (*dto.SessionResponse, error) {
	if len(h.cfg.JWTSecret) == 0 {
		return nil, dto.Internal("sessions are not configured")
	}
	ttl := h.cfg.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	now := h.now()
	exp := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   sessionSubject,
		ID:        ksid.NewID().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.cfg.JWTSecret)
	if err != nil {
		return nil, dto.Internal("failed to sign session").Wrap(err)
	}
	return &dto.SessionResponse{Token: tok, ExpiresAt: entity.FormatTime(exp)}, nil
}

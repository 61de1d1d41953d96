// Package session issues and validates opaque session tokens and the
// short-lived pending token used between password login and second-factor
// verification.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/lockhaven/lockhaven/internal/auth/storage"
	"github.com/lockhaven/lockhaven/internal/platform/errors"
)

// Default session lifetimes. Remember-me is an explicit opt-in at login.
const (
	DefaultTTL  = 24 * time.Hour
	RememberTTL = 30 * 24 * time.Hour
)

// ErrSessionInvalid covers missing, expired, and revoked sessions alike.
var ErrSessionInvalid = errors.New(errors.CodeSessionInvalid, "session is invalid")

// Manager issues, validates, and revokes sessions.
type Manager struct {
	sessions storage.SessionStore

	ttl            time.Duration
	rememberTTL    time.Duration
	clock          func() time.Time
	tokenGenerator func() (string, error)
}

// NewManager wires a session manager over the session store.
func NewManager(sessions storage.SessionStore, ttl, rememberTTL time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if rememberTTL <= 0 {
		rememberTTL = RememberTTL
	}
	return &Manager{
		sessions:       sessions,
		ttl:            ttl,
		rememberTTL:    rememberTTL,
		clock:          time.Now,
		tokenGenerator: NewToken,
	}
}

// NewToken returns a 32-byte crypto-random url-safe session token.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create issues a session for an authenticated user. Remember extends the
// lifetime from the default TTL to the remember-me TTL.
func (m *Manager) Create(ctx context.Context, userID string, remember bool) (storage.Session, error) {
	if err := ctx.Err(); err != nil {
		return storage.Session{}, err
	}
	if m == nil || m.sessions == nil {
		return storage.Session{}, fmt.Errorf("session store is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.Session{}, fmt.Errorf("user id is required")
	}

	token, err := m.tokenGenerator()
	if err != nil {
		return storage.Session{}, fmt.Errorf("generate session token: %w", err)
	}
	ttl := m.ttl
	if remember {
		ttl = m.rememberTTL
	}
	now := m.clock().UTC()
	session := storage.Session{
		Token:     token,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := m.sessions.PutSession(ctx, session); err != nil {
		return storage.Session{}, fmt.Errorf("put session: %w", err)
	}
	return session, nil
}

// Validate resolves a token to its live session. Missing, expired, and
// revoked tokens fail identically.
func (m *Manager) Validate(ctx context.Context, token string) (storage.Session, error) {
	if err := ctx.Err(); err != nil {
		return storage.Session{}, err
	}
	if m == nil || m.sessions == nil {
		return storage.Session{}, fmt.Errorf("session store is not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return storage.Session{}, ErrSessionInvalid
	}

	session, err := m.sessions.GetSession(ctx, token)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return storage.Session{}, ErrSessionInvalid
		}
		return storage.Session{}, fmt.Errorf("get session: %w", err)
	}
	now := m.clock().UTC()
	if session.RevokedAt != nil || !session.ExpiresAt.After(now) {
		return storage.Session{}, ErrSessionInvalid
	}
	return session, nil
}

// Revoke ends one session. Revoking an unknown or already-revoked token is
// not an error; logout is idempotent.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m == nil || m.sessions == nil {
		return fmt.Errorf("session store is not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	if err := m.sessions.RevokeSession(ctx, token, m.clock().UTC()); err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// RevokeAllForUser ends every session the user holds.
func (m *Manager) RevokeAllForUser(ctx context.Context, userID string) error {
	return m.revokeForUser(ctx, userID, "")
}

// RevokeOthersForUser ends every session except the given token.
func (m *Manager) RevokeOthersForUser(ctx context.Context, userID string, keepToken string) error {
	return m.revokeForUser(ctx, userID, keepToken)
}

func (m *Manager) revokeForUser(ctx context.Context, userID string, keepToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m == nil || m.sessions == nil {
		return fmt.Errorf("session store is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if err := m.sessions.RevokeSessionsForUser(ctx, userID, keepToken, m.clock().UTC()); err != nil {
		return fmt.Errorf("revoke sessions for user: %w", err)
	}
	return nil
}

// DeleteExpired sweeps sessions past their expiry.
func (m *Manager) DeleteExpired(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m == nil || m.sessions == nil {
		return fmt.Errorf("session store is not configured")
	}
	return m.sessions.DeleteExpiredSessions(ctx, m.clock().UTC())
}

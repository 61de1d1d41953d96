// Package verification issues and redeems single-use account tokens for
// email verification and password reset.
package verification

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

// Token lifetimes. A verification link can sit in an inbox for a while; a
// reset link is a live credential and stays short.
const (
	EmailVerifyTTL   = 24 * time.Hour
	PasswordResetTTL = time.Hour
)

// ErrTokenInvalidOrExpired is the terminal answer for a token that is
// unknown, expired, or already redeemed. Callers get no distinction.
var ErrTokenInvalidOrExpired = errors.New(errors.CodeTokenInvalidOrExpired, "token is invalid or expired")

// Manager issues and redeems verification tokens.
type Manager struct {
	tokens storage.VerificationTokenStore

	clock          func() time.Time
	tokenGenerator func() (string, error)
}

// NewManager wires a verification manager over the token store.
func NewManager(tokens storage.VerificationTokenStore) *Manager {
	return &Manager{
		tokens:         tokens,
		clock:          time.Now,
		tokenGenerator: NewToken,
	}
}

// NewToken returns a 32-byte crypto-random url-safe token.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// IssueEmailVerification mints a 24h email-verification token for a user.
func (m *Manager) IssueEmailVerification(ctx context.Context, userID string) (storage.VerificationToken, error) {
	return m.issue(ctx, userID, storage.TokenPurposeEmailVerify, EmailVerifyTTL)
}

// IssuePasswordReset mints a 1h password-reset token for a user.
func (m *Manager) IssuePasswordReset(ctx context.Context, userID string) (storage.VerificationToken, error) {
	return m.issue(ctx, userID, storage.TokenPurposePasswordReset, PasswordResetTTL)
}

func (m *Manager) issue(ctx context.Context, userID string, purpose string, ttl time.Duration) (storage.VerificationToken, error) {
	if err := ctx.Err(); err != nil {
		return storage.VerificationToken{}, err
	}
	if m == nil || m.tokens == nil {
		return storage.VerificationToken{}, fmt.Errorf("token store is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.VerificationToken{}, fmt.Errorf("user id is required")
	}

	value, err := m.tokenGenerator()
	if err != nil {
		return storage.VerificationToken{}, fmt.Errorf("generate token: %w", err)
	}
	now := m.clock().UTC()
	token := storage.VerificationToken{
		Token:     value,
		UserID:    userID,
		Purpose:   purpose,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := m.tokens.PutVerificationToken(ctx, token); err != nil {
		return storage.VerificationToken{}, fmt.Errorf("put verification token: %w", err)
	}
	return token, nil
}

// Consume redeems a token for its purpose. Redemption happens at most once;
// any later attempt, an expired token, or an unknown token all fail with
// TOKEN_INVALID_OR_EXPIRED.
func (m *Manager) Consume(ctx context.Context, token string, purpose string) (storage.VerificationToken, error) {
	if err := ctx.Err(); err != nil {
		return storage.VerificationToken{}, err
	}
	if m == nil || m.tokens == nil {
		return storage.VerificationToken{}, fmt.Errorf("token store is not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return storage.VerificationToken{}, ErrTokenInvalidOrExpired
	}

	consumed, err := m.tokens.ConsumeVerificationToken(ctx, token, purpose, m.clock().UTC())
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return storage.VerificationToken{}, ErrTokenInvalidOrExpired
		}
		return storage.VerificationToken{}, fmt.Errorf("consume verification token: %w", err)
	}
	return consumed, nil
}

// DeleteExpired sweeps tokens past their expiry.
func (m *Manager) DeleteExpired(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m == nil || m.tokens == nil {
		return fmt.Errorf("token store is not configured")
	}
	return m.tokens.DeleteExpiredVerificationTokens(ctx, m.clock().UTC())
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lockhaven/lockhaven/internal/auth/storage"
)

// PutVerificationToken stores a single-use verification token.
func (s *Store) PutVerificationToken(ctx context.Context, token storage.VerificationToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(token.Token) == "" {
		return fmt.Errorf("token is required")
	}
	if strings.TrimSpace(token.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if token.Purpose != storage.TokenPurposeEmailVerify && token.Purpose != storage.TokenPurposePasswordReset {
		return fmt.Errorf("unknown token purpose %q", token.Purpose)
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO verification_tokens (token, user_id, purpose, created_at, expires_at, consumed_at)
VALUES (?, ?, ?, ?, ?, ?)
`,
		token.Token,
		token.UserID,
		token.Purpose,
		toMillis(token.CreatedAt),
		toMillis(token.ExpiresAt),
		nullMillis(token.ConsumedAt),
	)
	if err != nil {
		return fmt.Errorf("put verification token: %w", err)
	}
	return nil
}

// ConsumeVerificationToken atomically spends a token.
//
// The conditional UPDATE is the single check-and-mark primitive: of any number
// of concurrent redemptions, exactly one observes a changed row.
func (s *Store) ConsumeVerificationToken(ctx context.Context, token string, purpose string, now time.Time) (storage.VerificationToken, error) {
	if err := ctx.Err(); err != nil {
		return storage.VerificationToken{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.VerificationToken{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(token) == "" {
		return storage.VerificationToken{}, fmt.Errorf("token is required")
	}

	nowMillis := toMillis(now)
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE verification_tokens
SET consumed_at = ?
WHERE token = ? AND purpose = ? AND consumed_at IS NULL AND expires_at > ?
`, nowMillis, token, purpose, nowMillis)
	if err != nil {
		return storage.VerificationToken{}, fmt.Errorf("consume verification token: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.VerificationToken{}, fmt.Errorf("consume verification token rows affected: %w", err)
	}
	if affected == 0 {
		return storage.VerificationToken{}, storage.ErrNotFound
	}

	var record storage.VerificationToken
	var createdAt, expiresAt int64
	var consumedAt sql.NullInt64
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT token, user_id, purpose, created_at, expires_at, consumed_at
FROM verification_tokens
WHERE token = ?
`, token)
	if err := row.Scan(&record.Token, &record.UserID, &record.Purpose, &createdAt, &expiresAt, &consumedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.VerificationToken{}, storage.ErrNotFound
		}
		return storage.VerificationToken{}, fmt.Errorf("load consumed token: %w", err)
	}
	record.CreatedAt = fromMillis(createdAt)
	record.ExpiresAt = fromMillis(expiresAt)
	record.ConsumedAt = millisPtr(consumedAt)
	return record, nil
}

// DeleteExpiredVerificationTokens removes tokens past their expiry.
func (s *Store) DeleteExpiredVerificationTokens(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM verification_tokens WHERE expires_at <= ?`, toMillis(now)); err != nil {
		return fmt.Errorf("delete expired verification tokens: %w", err)
	}
	return nil
}

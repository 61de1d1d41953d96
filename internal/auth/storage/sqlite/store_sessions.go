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

// PutSession stores an issued session token.
func (s *Store) PutSession(ctx context.Context, session storage.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(session.Token) == "" {
		return fmt.Errorf("session token is required")
	}
	if strings.TrimSpace(session.UserID) == "" {
		return fmt.Errorf("user id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO sessions (token, user_id, created_at, expires_at, revoked_at)
VALUES (?, ?, ?, ?, ?)
`,
		session.Token,
		session.UserID,
		toMillis(session.CreatedAt),
		toMillis(session.ExpiresAt),
		nullMillis(session.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// GetSession fetches a session by token.
func (s *Store) GetSession(ctx context.Context, token string) (storage.Session, error) {
	if err := ctx.Err(); err != nil {
		return storage.Session{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Session{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(token) == "" {
		return storage.Session{}, fmt.Errorf("session token is required")
	}

	var session storage.Session
	var createdAt, expiresAt int64
	var revokedAt sql.NullInt64
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT token, user_id, created_at, expires_at, revoked_at
FROM sessions
WHERE token = ?
`, token)
	if err := row.Scan(&session.Token, &session.UserID, &createdAt, &expiresAt, &revokedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Session{}, storage.ErrNotFound
		}
		return storage.Session{}, fmt.Errorf("get session: %w", err)
	}
	session.CreatedAt = fromMillis(createdAt)
	session.ExpiresAt = fromMillis(expiresAt)
	session.RevokedAt = millisPtr(revokedAt)
	return session, nil
}

// RevokeSession marks one session revoked.
func (s *Store) RevokeSession(ctx context.Context, token string, revokedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("session token is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE sessions
SET revoked_at = ?
WHERE token = ? AND revoked_at IS NULL
`, toMillis(revokedAt), token)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke session rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// RevokeSessionsForUser revokes every live session for a user except one.
func (s *Store) RevokeSessionsForUser(ctx context.Context, userID string, exceptToken string, revokedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
UPDATE sessions
SET revoked_at = ?
WHERE user_id = ? AND revoked_at IS NULL AND token <> ?
`, toMillis(revokedAt), userID, exceptToken)
	if err != nil {
		return fmt.Errorf("revoke sessions for user: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes sessions past their expiry.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, toMillis(now)); err != nil {
		return fmt.Errorf("delete expired sessions: %w", err)
	}
	return nil
}

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

// PutPasskeyCredential stores a WebAuthn credential.
func (s *Store) PutPasskeyCredential(ctx context.Context, credential storage.PasskeyCredential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credential.CredentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(credential.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(credential.CredentialJSON) == "" {
		return fmt.Errorf("credential json is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO passkey_credentials (
	credential_id,
	user_id,
	name,
	device_type,
	sign_count,
	credential_json,
	created_at,
	updated_at,
	last_used_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(credential_id) DO UPDATE SET
	name = excluded.name,
	device_type = excluded.device_type,
	sign_count = excluded.sign_count,
	credential_json = excluded.credential_json,
	updated_at = excluded.updated_at,
	last_used_at = excluded.last_used_at
`,
		credential.CredentialID,
		credential.UserID,
		credential.Name,
		credential.DeviceType,
		credential.SignCount,
		credential.CredentialJSON,
		toMillis(credential.CreatedAt),
		toMillis(credential.UpdatedAt),
		nullMillis(credential.LastUsedAt),
	)
	if err != nil {
		return fmt.Errorf("put passkey credential: %w", err)
	}
	return nil
}

func scanPasskeyCredential(scan func(dest ...any) error) (storage.PasskeyCredential, error) {
	var credential storage.PasskeyCredential
	var createdAt, updatedAt int64
	var lastUsedAt sql.NullInt64
	if err := scan(
		&credential.CredentialID,
		&credential.UserID,
		&credential.Name,
		&credential.DeviceType,
		&credential.SignCount,
		&credential.CredentialJSON,
		&createdAt,
		&updatedAt,
		&lastUsedAt,
	); err != nil {
		return storage.PasskeyCredential{}, err
	}
	credential.CreatedAt = fromMillis(createdAt)
	credential.UpdatedAt = fromMillis(updatedAt)
	credential.LastUsedAt = millisPtr(lastUsedAt)
	return credential, nil
}

// GetPasskeyCredential fetches a stored WebAuthn credential.
func (s *Store) GetPasskeyCredential(ctx context.Context, credentialID string) (storage.PasskeyCredential, error) {
	if err := ctx.Err(); err != nil {
		return storage.PasskeyCredential{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.PasskeyCredential{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return storage.PasskeyCredential{}, fmt.Errorf("credential id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT credential_id, user_id, name, device_type, sign_count, credential_json, created_at, updated_at, last_used_at
FROM passkey_credentials
WHERE credential_id = ?
`, credentialID)
	credential, err := scanPasskeyCredential(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PasskeyCredential{}, storage.ErrNotFound
		}
		return storage.PasskeyCredential{}, fmt.Errorf("get passkey: %w", err)
	}
	return credential, nil
}

// ListPasskeyCredentials returns passkeys for a user.
func (s *Store) ListPasskeyCredentials(ctx context.Context, userID string) ([]storage.PasskeyCredential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT credential_id, user_id, name, device_type, sign_count, credential_json, created_at, updated_at, last_used_at
FROM passkey_credentials
WHERE user_id = ?
ORDER BY created_at ASC, credential_id ASC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list passkeys: %w", err)
	}
	defer rows.Close()

	credentials := make([]storage.PasskeyCredential, 0)
	for rows.Next() {
		credential, err := scanPasskeyCredential(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan passkey: %w", err)
		}
		credentials = append(credentials, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate passkeys: %w", err)
	}
	return credentials, nil
}

// RenamePasskeyCredential updates a credential's display name.
func (s *Store) RenamePasskeyCredential(ctx context.Context, credentialID string, name string, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("credential name is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE passkey_credentials
SET name = ?, updated_at = ?
WHERE credential_id = ?
`, name, toMillis(updatedAt), credentialID)
	if err != nil {
		return fmt.Errorf("rename passkey: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rename passkey rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeletePasskeyCredential removes a passkey credential.
func (s *Store) DeletePasskeyCredential(ctx context.Context, credentialID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM passkey_credentials WHERE credential_id = ?`, credentialID); err != nil {
		return fmt.Errorf("delete passkey: %w", err)
	}
	return nil
}

// PutPasskeySession stores a WebAuthn challenge session.
func (s *Store) PutPasskeySession(ctx context.Context, session storage.PasskeySession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(session.Kind) == "" {
		return fmt.Errorf("session kind is required")
	}
	if strings.TrimSpace(session.SessionJSON) == "" {
		return fmt.Errorf("session json is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO passkey_sessions (id, kind, user_id, session_json, expires_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	kind = excluded.kind,
	user_id = excluded.user_id,
	session_json = excluded.session_json,
	expires_at = excluded.expires_at
`,
		session.ID,
		session.Kind,
		session.UserID,
		session.SessionJSON,
		toMillis(session.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("put passkey session: %w", err)
	}
	return nil
}

// GetPasskeySession fetches a WebAuthn challenge session by ID.
func (s *Store) GetPasskeySession(ctx context.Context, id string) (storage.PasskeySession, error) {
	if err := ctx.Err(); err != nil {
		return storage.PasskeySession{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.PasskeySession{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return storage.PasskeySession{}, fmt.Errorf("session id is required")
	}

	var session storage.PasskeySession
	var expiresAt int64
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, kind, user_id, session_json, expires_at
FROM passkey_sessions
WHERE id = ?
`, id)
	if err := row.Scan(&session.ID, &session.Kind, &session.UserID, &session.SessionJSON, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PasskeySession{}, storage.ErrNotFound
		}
		return storage.PasskeySession{}, fmt.Errorf("get passkey session: %w", err)
	}
	session.ExpiresAt = fromMillis(expiresAt)
	return session, nil
}

// DeletePasskeySession removes a WebAuthn challenge session.
func (s *Store) DeletePasskeySession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("session id is required")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM passkey_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete passkey session: %w", err)
	}
	return nil
}

// DeleteExpiredPasskeySessions removes challenge sessions past their expiry.
func (s *Store) DeleteExpiredPasskeySessions(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM passkey_sessions WHERE expires_at <= ?`, toMillis(now)); err != nil {
		return fmt.Errorf("delete expired passkey sessions: %w", err)
	}
	return nil
}

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

// PutTwoFactor stores or replaces a user's TOTP enrollment.
func (s *Store) PutTwoFactor(ctx context.Context, record storage.TwoFactor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(record.Secret) == "" {
		return fmt.Errorf("totp secret is required")
	}

	enabled := 0
	if record.Enabled {
		enabled = 1
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO two_factor (user_id, secret, enabled, created_at, confirmed_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	secret = excluded.secret,
	enabled = excluded.enabled,
	confirmed_at = excluded.confirmed_at
`,
		record.UserID,
		record.Secret,
		enabled,
		toMillis(record.CreatedAt),
		nullMillis(record.ConfirmedAt),
	)
	if err != nil {
		return fmt.Errorf("put two factor: %w", err)
	}
	return nil
}

// GetTwoFactor fetches a user's TOTP enrollment.
func (s *Store) GetTwoFactor(ctx context.Context, userID string) (storage.TwoFactor, error) {
	if err := ctx.Err(); err != nil {
		return storage.TwoFactor{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.TwoFactor{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return storage.TwoFactor{}, fmt.Errorf("user id is required")
	}

	var record storage.TwoFactor
	var enabled int
	var createdAt int64
	var confirmedAt sql.NullInt64
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT user_id, secret, enabled, created_at, confirmed_at
FROM two_factor
WHERE user_id = ?
`, userID)
	if err := row.Scan(&record.UserID, &record.Secret, &enabled, &createdAt, &confirmedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.TwoFactor{}, storage.ErrNotFound
		}
		return storage.TwoFactor{}, fmt.Errorf("get two factor: %w", err)
	}
	record.Enabled = enabled != 0
	record.CreatedAt = fromMillis(createdAt)
	record.ConfirmedAt = millisPtr(confirmedAt)
	return record, nil
}

// DeleteTwoFactor clears a user's TOTP enrollment and backup codes.
func (s *Store) DeleteTwoFactor(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete two factor: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM backup_codes WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete backup codes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM two_factor WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete two factor: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete two factor: %w", err)
	}
	return nil
}

// ReplaceBackupCodes atomically swaps a user's full backup-code set.
//
// Running delete and insert in one transaction guarantees no window where old
// and new codes are both redeemable.
func (s *Store) ReplaceBackupCodes(ctx context.Context, userID string, codes []storage.BackupCode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace backup codes: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM backup_codes WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete old backup codes: %w", err)
	}
	for _, code := range codes {
		if strings.TrimSpace(code.ID) == "" {
			return fmt.Errorf("backup code id is required")
		}
		if strings.TrimSpace(code.CodeHash) == "" {
			return fmt.Errorf("backup code hash is required")
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO backup_codes (id, user_id, code_hash, created_at, used_at)
VALUES (?, ?, ?, ?, ?)
`, code.ID, userID, code.CodeHash, toMillis(code.CreatedAt), nullMillis(code.UsedAt)); err != nil {
			return fmt.Errorf("insert backup code: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace backup codes: %w", err)
	}
	return nil
}

// ListBackupCodes returns all backup codes for a user, spent or not.
func (s *Store) ListBackupCodes(ctx context.Context, userID string) ([]storage.BackupCode, error) {
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
SELECT id, user_id, code_hash, created_at, used_at
FROM backup_codes
WHERE user_id = ?
ORDER BY created_at ASC, id ASC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list backup codes: %w", err)
	}
	defer rows.Close()

	var codes []storage.BackupCode
	for rows.Next() {
		var code storage.BackupCode
		var createdAt int64
		var usedAt sql.NullInt64
		if err := rows.Scan(&code.ID, &code.UserID, &code.CodeHash, &createdAt, &usedAt); err != nil {
			return nil, fmt.Errorf("scan backup code: %w", err)
		}
		code.CreatedAt = fromMillis(createdAt)
		code.UsedAt = millisPtr(usedAt)
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backup codes: %w", err)
	}
	return codes, nil
}

// ConsumeBackupCode atomically marks one unused code as used.
func (s *Store) ConsumeBackupCode(ctx context.Context, userID string, codeID string, usedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(codeID) == "" {
		return fmt.Errorf("backup code id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE backup_codes
SET used_at = ?
WHERE id = ? AND user_id = ? AND used_at IS NULL
`, toMillis(usedAt), codeID, userID)
	if err != nil {
		return fmt.Errorf("consume backup code: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume backup code rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lockhaven/lockhaven/internal/auth/storage"
)

// PutLinkedAccount stores a provider link. The composite primary key rejects
// linking a provider identity already claimed by another user.
func (s *Store) PutLinkedAccount(ctx context.Context, account storage.LinkedAccount) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(account.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(account.ProviderID) == "" {
		return fmt.Errorf("provider id is required")
	}
	if strings.TrimSpace(account.ProviderAccountID) == "" {
		return fmt.Errorf("provider account id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO linked_accounts (provider_id, provider_account_id, user_id, created_at)
VALUES (?, ?, ?, ?)
`,
		account.ProviderID,
		account.ProviderAccountID,
		account.UserID,
		toMillis(account.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put linked account: %w", err)
	}
	return nil
}

// GetLinkedAccount resolves a provider identity to its link record.
func (s *Store) GetLinkedAccount(ctx context.Context, providerID string, providerAccountID string) (storage.LinkedAccount, error) {
	if err := ctx.Err(); err != nil {
		return storage.LinkedAccount{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.LinkedAccount{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(providerID) == "" {
		return storage.LinkedAccount{}, fmt.Errorf("provider id is required")
	}
	if strings.TrimSpace(providerAccountID) == "" {
		return storage.LinkedAccount{}, fmt.Errorf("provider account id is required")
	}

	var account storage.LinkedAccount
	var createdAt int64
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT provider_id, provider_account_id, user_id, created_at
FROM linked_accounts
WHERE provider_id = ? AND provider_account_id = ?
`, providerID, providerAccountID)
	if err := row.Scan(&account.ProviderID, &account.ProviderAccountID, &account.UserID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.LinkedAccount{}, storage.ErrNotFound
		}
		return storage.LinkedAccount{}, fmt.Errorf("get linked account: %w", err)
	}
	account.CreatedAt = fromMillis(createdAt)
	return account, nil
}

// ListLinkedAccountsByUser returns all provider links for a user.
func (s *Store) ListLinkedAccountsByUser(ctx context.Context, userID string) ([]storage.LinkedAccount, error) {
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
SELECT provider_id, provider_account_id, user_id, created_at
FROM linked_accounts
WHERE user_id = ?
ORDER BY created_at ASC, provider_id ASC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list linked accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]storage.LinkedAccount, 0)
	for rows.Next() {
		var account storage.LinkedAccount
		var createdAt int64
		if err := rows.Scan(&account.ProviderID, &account.ProviderAccountID, &account.UserID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan linked account: %w", err)
		}
		account.CreatedAt = fromMillis(createdAt)
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate linked accounts: %w", err)
	}
	return accounts, nil
}

// DeleteLinkedAccount removes one provider link from a user.
func (s *Store) DeleteLinkedAccount(ctx context.Context, userID string, providerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(providerID) == "" {
		return fmt.Errorf("provider id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM linked_accounts
WHERE user_id = ? AND provider_id = ?
`, userID, providerID)
	if err != nil {
		return fmt.Errorf("delete linked account: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete linked account rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

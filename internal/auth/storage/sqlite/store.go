// Package sqlite implements auth persistence over SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/lockhaven/lockhaven/internal/auth/storage"
	"github.com/lockhaven/lockhaven/internal/auth/storage/sqlite/migrations"
	"github.com/lockhaven/lockhaven/internal/auth/user"
	sqlitemigrate "github.com/lockhaven/lockhaven/internal/platform/storage/sqlitemigrate"
	_ "modernc.org/sqlite"
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func nullMillis(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*value), Valid: true}
}

func millisPtr(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMillis(value.Int64)
	return &t
}

// Store implements auth persistence over SQLite.
//
// A single SQLite file backs identity state so credential, session, and
// second-factor writes share the same transaction and visibility boundaries.
type Store struct {
	sqlDB *sql.DB
}

// DB returns the raw database handle for callers that manage transactions.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.sqlDB
}

// Open opens an auth SQLite store and applies bundled migrations.
//
// This keeps startup and schema evolution in one place, instead of requiring
// callers to coordinate migrations independently.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=synchronous(normal)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}

	if err := store.runMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return store, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// runMigrations applies embedded DDL snapshots for known schema versions.
func (s *Store) runMigrations() error {
	return sqlitemigrate.ApplyMigrations(s.sqlDB, migrations.FS)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// PutUser persists a user record. The unique-email constraint rejects a
// second user claiming an email already registered to someone else.
func (s *Store) PutUser(ctx context.Context, u user.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(u.Email) == "" {
		return fmt.Errorf("user email is required")
	}

	verified := 0
	if u.EmailVerified {
		verified = 1
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO users (id, email, email_verified, name, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	email = excluded.email,
	email_verified = excluded.email_verified,
	name = excluded.name,
	updated_at = excluded.updated_at
`,
		u.ID,
		u.Email,
		verified,
		u.Name,
		toMillis(u.CreatedAt),
		toMillis(u.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

func scanUser(scan func(dest ...any) error) (user.User, error) {
	var u user.User
	var verified int
	var createdAt, updatedAt int64
	if err := scan(&u.ID, &u.Email, &verified, &u.Name, &createdAt, &updatedAt); err != nil {
		return user.User{}, err
	}
	u.EmailVerified = verified != 0
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return u, nil
}

// GetUser fetches a user record by ID.
func (s *Store) GetUser(ctx context.Context, userID string) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}
	if s == nil || s.sqlDB == nil {
		return user.User{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return user.User{}, fmt.Errorf("user id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, email, email_verified, name, created_at, updated_at
FROM users
WHERE id = ?
`, userID)
	found, err := scanUser(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user.User{}, storage.ErrNotFound
		}
		return user.User{}, fmt.Errorf("get user: %w", err)
	}
	return found, nil
}

// GetUserByEmail fetches a user record by normalized email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}
	if s == nil || s.sqlDB == nil {
		return user.User{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(email) == "" {
		return user.User{}, fmt.Errorf("email is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, email, email_verified, name, created_at, updated_at
FROM users
WHERE email = ?
`, email)
	found, err := scanUser(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user.User{}, storage.ErrNotFound
		}
		return user.User{}, fmt.Errorf("get user by email: %w", err)
	}
	return found, nil
}

// PutCredential stores or replaces a user's password credential.
func (s *Store) PutCredential(ctx context.Context, credential storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credential.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(credential.PasswordHash) == "" {
		return fmt.Errorf("password hash is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO credentials (user_id, password_hash, created_at, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	password_hash = excluded.password_hash,
	updated_at = excluded.updated_at
`,
		credential.UserID,
		credential.PasswordHash,
		toMillis(credential.CreatedAt),
		toMillis(credential.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

// GetCredential fetches a user's password credential.
func (s *Store) GetCredential(ctx context.Context, userID string) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Credential{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return storage.Credential{}, fmt.Errorf("user id is required")
	}

	var credential storage.Credential
	var createdAt, updatedAt int64
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT user_id, password_hash, created_at, updated_at
FROM credentials
WHERE user_id = ?
`, userID)
	if err := row.Scan(&credential.UserID, &credential.PasswordHash, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Credential{}, storage.ErrNotFound
		}
		return storage.Credential{}, fmt.Errorf("get credential: %w", err)
	}
	credential.CreatedAt = fromMillis(createdAt)
	credential.UpdatedAt = fromMillis(updatedAt)
	return credential, nil
}

// DeleteCredential removes a user's password credential.
func (s *Store) DeleteCredential(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM credentials WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.CredentialStore = (*Store)(nil)
var _ storage.SessionStore = (*Store)(nil)
var _ storage.VerificationTokenStore = (*Store)(nil)
var _ storage.TwoFactorStore = (*Store)(nil)
var _ storage.PasskeyStore = (*Store)(nil)
var _ storage.LinkedAccountStore = (*Store)(nil)
var _ storage.MailOutboxStore = (*Store)(nil)

// Package credential manages password credentials for auth users.
package credential

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/lockhaven/lockhaven/internal/auth/storage"
	"github.com/lockhaven/lockhaven/internal/auth/user"
	"github.com/lockhaven/lockhaven/internal/platform/errors"
	"github.com/lockhaven/lockhaven/internal/platform/id"
)

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 8

// sentinelHash is a bcrypt hash of a value no caller can present. Verifying
// against it keeps the unknown-email path on the same bcrypt compare as the
// wrong-password path, so response timing does not reveal which one happened.
const sentinelHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// ErrInvalidCredentials covers unknown email and wrong password alike.
var ErrInvalidCredentials = errors.New(errors.CodeInvalidCredentials, "invalid email or password")

// ErrPasswordTooWeak rejects passwords below the minimum length.
var ErrPasswordTooWeak = errors.New(errors.CodePasswordTooWeak, fmt.Sprintf("password must be at least %d characters", MinPasswordLength))

// ErrPasswordAlreadySet rejects setting an initial password twice.
var ErrPasswordAlreadySet = errors.New(errors.CodePasswordAlreadySet, "a password is already set for this account")

// Manager creates users and verifies, changes, and resets their passwords.
type Manager struct {
	users       storage.UserStore
	credentials storage.CredentialStore
	sessions    storage.SessionStore

	clock       func() time.Time
	idGenerator func() (string, error)
	hashCost    int
}

// NewManager wires a credential manager over the given stores.
func NewManager(users storage.UserStore, credentials storage.CredentialStore, sessions storage.SessionStore) *Manager {
	return &Manager{
		users:       users,
		credentials: credentials,
		sessions:    sessions,
		clock:       time.Now,
		idGenerator: id.NewID,
		hashCost:    bcrypt.DefaultCost,
	}
}

// CreateUserInput carries signup fields. Password is optional; provider-only
// accounts have none.
type CreateUserInput struct {
	Email    string
	Name     string
	Password string
}

// CreateUser registers a new user, hashing and storing the password when one
// is given. A duplicate email fails with EMAIL_ALREADY_REGISTERED.
func (m *Manager) CreateUser(ctx context.Context, input CreateUserInput) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}
	if m == nil || m.users == nil {
		return user.User{}, fmt.Errorf("user store is not configured")
	}

	if input.Password != "" {
		if err := ValidatePassword(input.Password); err != nil {
			return user.User{}, err
		}
	}

	created, err := user.CreateUser(user.CreateUserInput{
		Email: input.Email,
		Name:  input.Name,
	}, m.clock, m.idGenerator)
	if err != nil {
		return user.User{}, err
	}

	if err := m.users.PutUser(ctx, created); err != nil {
		if stderrors.Is(err, storage.ErrConflict) {
			return user.User{}, errors.WithMetadata(errors.CodeEmailAlreadyRegistered, "email is already registered", map[string]string{"email": created.Email})
		}
		return user.User{}, fmt.Errorf("put user: %w", err)
	}

	if input.Password != "" {
		if err := m.putPasswordHash(ctx, created.ID, input.Password); err != nil {
			return user.User{}, err
		}
	}
	return created, nil
}

// VerifyPassword authenticates an email and password pair.
//
// Unknown email, missing credential, and wrong password all run one bcrypt
// compare and return the same error.
func (m *Manager) VerifyPassword(ctx context.Context, email string, password string) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}
	if m == nil || m.users == nil || m.credentials == nil {
		return user.User{}, fmt.Errorf("credential manager is not configured")
	}

	normalized := user.NormalizeEmail(email)
	hash := sentinelHash
	found, userErr := m.users.GetUserByEmail(ctx, normalized)
	if userErr == nil {
		credential, credErr := m.credentials.GetCredential(ctx, found.ID)
		if credErr == nil {
			hash = credential.PasswordHash
		} else if !stderrors.Is(credErr, storage.ErrNotFound) {
			return user.User{}, fmt.Errorf("get credential: %w", credErr)
		}
	} else if !stderrors.Is(userErr, storage.ErrNotFound) {
		return user.User{}, fmt.Errorf("get user by email: %w", userErr)
	}

	compareErr := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if userErr != nil || hash == sentinelHash || compareErr != nil {
		return user.User{}, ErrInvalidCredentials
	}
	return found, nil
}

// ChangePassword rotates a password after verifying the current one, then
// revokes every other session for the user. The revocation happens strictly
// after the new hash is committed so a failed write never strands a session
// sweep against the old password.
func (m *Manager) ChangePassword(ctx context.Context, userID string, currentPassword string, newPassword string, keepToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m == nil || m.credentials == nil || m.sessions == nil {
		return fmt.Errorf("credential manager is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	credential, err := m.credentials.GetCredential(ctx, userID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("get credential: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(credential.PasswordHash), []byte(currentPassword)) != nil {
		return ErrInvalidCredentials
	}
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	if err := m.putPasswordHash(ctx, userID, newPassword); err != nil {
		return err
	}
	if err := m.sessions.RevokeSessionsForUser(ctx, userID, keepToken, m.clock().UTC()); err != nil {
		return fmt.Errorf("revoke other sessions: %w", err)
	}
	return nil
}

// SetInitialPassword attaches a first password to a provider-only account.
// Callers gate this behind a consumed password-reset token.
func (m *Manager) SetInitialPassword(ctx context.Context, userID string, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m == nil || m.credentials == nil {
		return fmt.Errorf("credential manager is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	if _, err := m.credentials.GetCredential(ctx, userID); err == nil {
		return ErrPasswordAlreadySet
	} else if !stderrors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("get credential: %w", err)
	}
	if err := ValidatePassword(password); err != nil {
		return err
	}
	return m.putPasswordHash(ctx, userID, password)
}

// ResetPassword replaces the password without knowing the old one and revokes
// every session. Callers gate this behind a consumed password-reset token.
func (m *Manager) ResetPassword(ctx context.Context, userID string, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m == nil || m.credentials == nil || m.sessions == nil {
		return fmt.Errorf("credential manager is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if err := ValidatePassword(password); err != nil {
		return err
	}

	if err := m.putPasswordHash(ctx, userID, password); err != nil {
		return err
	}
	if err := m.sessions.RevokeSessionsForUser(ctx, userID, "", m.clock().UTC()); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	return nil
}

// HasPassword reports whether the user holds a password credential.
func (m *Manager) HasPassword(ctx context.Context, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if m == nil || m.credentials == nil {
		return false, fmt.Errorf("credential manager is not configured")
	}
	_, err := m.credentials.GetCredential(ctx, strings.TrimSpace(userID))
	if err == nil {
		return true, nil
	}
	if stderrors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("get credential: %w", err)
}

// VerifyPasswordForUser checks a password for an already-resolved user id.
// Second-factor disable and backup-code regeneration re-prompt this way.
func (m *Manager) VerifyPasswordForUser(ctx context.Context, userID string, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m == nil || m.credentials == nil {
		return fmt.Errorf("credential manager is not configured")
	}
	credential, err := m.credentials.GetCredential(ctx, strings.TrimSpace(userID))
	hash := sentinelHash
	if err == nil {
		hash = credential.PasswordHash
	} else if !stderrors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("get credential: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil || hash == sentinelHash {
		return ErrInvalidCredentials
	}
	return nil
}

// ValidatePassword enforces the minimum password length.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return ErrPasswordTooWeak
	}
	return nil
}

func (m *Manager) putPasswordHash(ctx context.Context, userID string, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.hashCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	now := m.clock().UTC()
	if err := m.credentials.PutCredential(ctx, storage.Credential{
		UserID:       userID,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

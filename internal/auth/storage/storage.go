// Package storage defines the persistence contracts for the auth service.
package storage

import (
	"context"
	"time"

	"github.com/lockhaven/lockhaven/internal/auth/user"
	"github.com/lockhaven/lockhaven/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// ErrConflict indicates a uniqueness constraint rejected a write.
var ErrConflict = errors.New(errors.CodeEmailAlreadyRegistered, "record already exists")

// UserStore persists auth user records.
type UserStore interface {
	PutUser(ctx context.Context, u user.User) error
	GetUser(ctx context.Context, userID string) (user.User, error)
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
}

// Credential stores a password credential for a user. At most one per user.
type Credential struct {
	UserID       string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CredentialStore persists password credentials.
type CredentialStore interface {
	PutCredential(ctx context.Context, credential Credential) error
	GetCredential(ctx context.Context, userID string) (Credential, error)
	DeleteCredential(ctx context.Context, userID string) error
}

// Session stores an issued session token and its lifetime.
type Session struct {
	Token     string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// SessionStore persists session tokens.
type SessionStore interface {
	PutSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, token string) (Session, error)
	RevokeSession(ctx context.Context, token string, revokedAt time.Time) error
	// RevokeSessionsForUser revokes every live session for a user except
	// exceptToken. An empty exceptToken revokes all of them.
	RevokeSessionsForUser(ctx context.Context, userID string, exceptToken string, revokedAt time.Time) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) error
}

// Verification token purposes.
const (
	TokenPurposeEmailVerify   = "email-verify"
	TokenPurposePasswordReset = "password-reset"
)

// VerificationToken represents a single-use token for email verification or
// password reset.
type VerificationToken struct {
	Token      string
	UserID     string
	Purpose    string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// VerificationTokenStore persists single-use verification tokens.
type VerificationTokenStore interface {
	PutVerificationToken(ctx context.Context, token VerificationToken) error
	// ConsumeVerificationToken atomically marks an unconsumed, unexpired
	// token as consumed and returns it. Concurrent redemption attempts with
	// the same token yield exactly one success; every other caller gets
	// ErrNotFound.
	ConsumeVerificationToken(ctx context.Context, token string, purpose string, now time.Time) (VerificationToken, error)
	DeleteExpiredVerificationTokens(ctx context.Context, now time.Time) error
}

// TwoFactor stores a user's TOTP enrollment.
type TwoFactor struct {
	UserID      string
	Secret      string
	Enabled     bool
	CreatedAt   time.Time
	ConfirmedAt *time.Time
}

// BackupCode stores one hashed single-use recovery code.
type BackupCode struct {
	ID        string
	UserID    string
	CodeHash  string
	CreatedAt time.Time
	UsedAt    *time.Time
}

// TwoFactorStore persists TOTP enrollments and backup codes.
type TwoFactorStore interface {
	PutTwoFactor(ctx context.Context, record TwoFactor) error
	GetTwoFactor(ctx context.Context, userID string) (TwoFactor, error)
	DeleteTwoFactor(ctx context.Context, userID string) error
	// ReplaceBackupCodes atomically removes every backup code for the user
	// and inserts the given replacements.
	ReplaceBackupCodes(ctx context.Context, userID string, codes []BackupCode) error
	ListBackupCodes(ctx context.Context, userID string) ([]BackupCode, error)
	// ConsumeBackupCode atomically marks one unused code as used. Returns
	// ErrNotFound when the code is already spent.
	ConsumeBackupCode(ctx context.Context, userID string, codeID string, usedAt time.Time) error
}

// PasskeyCredential stores a WebAuthn credential for a user.
type PasskeyCredential struct {
	CredentialID   string
	UserID         string
	Name           string
	DeviceType     string
	SignCount      uint32
	CredentialJSON string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastUsedAt     *time.Time
}

// PasskeySession stores a WebAuthn registration or login challenge session.
type PasskeySession struct {
	ID          string
	Kind        string
	UserID      string
	SessionJSON string
	ExpiresAt   time.Time
}

// PasskeyStore persists WebAuthn credential and challenge session data.
type PasskeyStore interface {
	PutPasskeyCredential(ctx context.Context, credential PasskeyCredential) error
	GetPasskeyCredential(ctx context.Context, credentialID string) (PasskeyCredential, error)
	ListPasskeyCredentials(ctx context.Context, userID string) ([]PasskeyCredential, error)
	RenamePasskeyCredential(ctx context.Context, credentialID string, name string, updatedAt time.Time) error
	DeletePasskeyCredential(ctx context.Context, credentialID string) error
	PutPasskeySession(ctx context.Context, session PasskeySession) error
	GetPasskeySession(ctx context.Context, id string) (PasskeySession, error)
	DeletePasskeySession(ctx context.Context, id string) error
	DeleteExpiredPasskeySessions(ctx context.Context, now time.Time) error
}

// LinkedAccount ties an external provider identity to a user.
type LinkedAccount struct {
	UserID            string
	ProviderID        string
	ProviderAccountID string
	CreatedAt         time.Time
}

// LinkedAccountStore persists provider links.
type LinkedAccountStore interface {
	PutLinkedAccount(ctx context.Context, account LinkedAccount) error
	GetLinkedAccount(ctx context.Context, providerID string, providerAccountID string) (LinkedAccount, error)
	ListLinkedAccountsByUser(ctx context.Context, userID string) ([]LinkedAccount, error)
	DeleteLinkedAccount(ctx context.Context, userID string, providerID string) error
}

// Mail outbox statuses.
const (
	MailStatusPending   = "pending"
	MailStatusLeased    = "leased"
	MailStatusSucceeded = "succeeded"
	MailStatusDead      = "dead"
)

// MailMessage is one queued outbound email.
type MailMessage struct {
	ID             string
	Recipient      string
	Subject        string
	BodyHTML       string
	Status         string
	AttemptCount   int
	NextAttemptAt  time.Time
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	LastError      string
	ProcessedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MailOutboxStore persists the outbound email queue.
//
// Queueing decouples email dispatch from request handling: the HTTP response
// never waits on the mail provider, and delivery failures retry with backoff
// instead of being dropped.
type MailOutboxStore interface {
	EnqueueMail(ctx context.Context, message MailMessage) error
	GetMailMessage(ctx context.Context, id string) (MailMessage, error)
	// LeaseMailMessages claims due pending messages (and expired leases) for
	// one dispatcher instance.
	LeaseMailMessages(ctx context.Context, owner string, limit int, now time.Time, leaseTTL time.Duration) ([]MailMessage, error)
	MarkMailSucceeded(ctx context.Context, id string, owner string, processedAt time.Time) error
	MarkMailRetry(ctx context.Context, id string, owner string, nextAttemptAt time.Time, lastError string) error
	MarkMailDead(ctx context.Context, id string, owner string, lastError string, processedAt time.Time) error
}

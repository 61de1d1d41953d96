// Package secondfactor manages TOTP enrollment and backup codes.
package secondfactor

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/lockhaven/lockhaven/internal/auth/storage"
	"github.com/lockhaven/lockhaven/internal/platform/errors"
	"github.com/lockhaven/lockhaven/internal/platform/id"
)

// State is the second-factor enrollment state for a user.
type State string

// Enrollment moves Disabled → PendingEnable → Enabled. PendingEnable exists
// so a user who never finishes authenticator setup is not locked out.
const (
	StateDisabled      State = "disabled"
	StatePendingEnable State = "pending-enable"
	StateEnabled       State = "enabled"
)

// BackupCodeCount is the size of a freshly issued backup-code set.
const BackupCodeCount = 10

// TOTP parameters: 6 digits, 30s step, one step of clock skew either way.
const (
	totpPeriod = 30
	totpSkew   = 1
)

var (
	// ErrInvalidCode rejects a TOTP or backup code that does not verify.
	ErrInvalidCode = errors.New(errors.CodeTwoFactorInvalidCode, "invalid two-factor code")
	// ErrInvalidState rejects an operation the current enrollment state
	// does not allow.
	ErrInvalidState = errors.New(errors.CodeTwoFactorInvalidState, "two-factor state does not allow this operation")
	// ErrInvalidBackupCode rejects an unknown or already-spent backup code.
	ErrInvalidBackupCode = errors.New(errors.CodeBackupCodeInvalidOrUsed, "backup code is invalid or already used")
)

// PasswordVerifier re-checks a user's password. Enabling, disabling, and
// regenerating backup codes all re-prompt for it.
type PasswordVerifier interface {
	VerifyPasswordForUser(ctx context.Context, userID string, password string) error
}

// Engine drives the second-factor state machine for all users.
type Engine struct {
	store     storage.TwoFactorStore
	passwords PasswordVerifier
	issuer    string

	clock           func() time.Time
	idGenerator     func() (string, error)
	secretGenerator func(issuer, accountName string) (*otp.Key, error)
	codeGenerator   func() (string, error)
	hashCost        int
}

// NewEngine wires a second-factor engine. Issuer names this service inside
// authenticator apps.
func NewEngine(store storage.TwoFactorStore, passwords PasswordVerifier, issuer string) *Engine {
	if strings.TrimSpace(issuer) == "" {
		issuer = "Lockhaven"
	}
	return &Engine{
		store:       store,
		passwords:   passwords,
		issuer:      issuer,
		clock:       time.Now,
		idGenerator: id.NewID,
		secretGenerator: func(issuer, accountName string) (*otp.Key, error) {
			return totp.Generate(totp.GenerateOpts{Issuer: issuer, AccountName: accountName})
		},
		codeGenerator: NewBackupCode,
		hashCost:      bcrypt.DefaultCost,
	}
}

// NewBackupCode returns a 10-character crypto-random backup code.
func NewBackupCode() (string, error) {
	buf := make([]byte, 7)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	encoded := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf))
	return encoded[:10], nil
}

// Status reports the user's enrollment state.
func (e *Engine) Status(ctx context.Context, userID string) (State, error) {
	if err := ctx.Err(); err != nil {
		return StateDisabled, err
	}
	if e == nil || e.store == nil {
		return StateDisabled, fmt.Errorf("two-factor store is not configured")
	}
	record, err := e.store.GetTwoFactor(ctx, strings.TrimSpace(userID))
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return StateDisabled, nil
		}
		return StateDisabled, fmt.Errorf("get two factor: %w", err)
	}
	if record.Enabled {
		return StateEnabled, nil
	}
	return StatePendingEnable, nil
}

// EnableResult carries the one-time secrets returned by Enable. The plaintext
// backup codes exist only in this value; storage holds hashes.
type EnableResult struct {
	Secret      string
	TOTPURI     string
	BackupCodes []string
}

// Enable begins enrollment: it verifies the password, mints a TOTP secret
// and a fresh backup-code set, and parks the user in PendingEnable until a
// first VerifyTOTP proves the authenticator works.
func (e *Engine) Enable(ctx context.Context, userID string, accountName string, password string) (EnableResult, error) {
	if err := ctx.Err(); err != nil {
		return EnableResult{}, err
	}
	if e == nil || e.store == nil || e.passwords == nil {
		return EnableResult{}, fmt.Errorf("second-factor engine is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return EnableResult{}, fmt.Errorf("user id is required")
	}

	if err := e.passwords.VerifyPasswordForUser(ctx, userID, password); err != nil {
		return EnableResult{}, err
	}

	state, err := e.Status(ctx, userID)
	if err != nil {
		return EnableResult{}, err
	}
	if state == StateEnabled {
		return EnableResult{}, ErrInvalidState
	}

	key, err := e.secretGenerator(e.issuer, accountName)
	if err != nil {
		return EnableResult{}, fmt.Errorf("generate totp secret: %w", err)
	}
	now := e.clock().UTC()
	if err := e.store.PutTwoFactor(ctx, storage.TwoFactor{
		UserID:    userID,
		Secret:    key.Secret(),
		Enabled:   false,
		CreatedAt: now,
	}); err != nil {
		return EnableResult{}, fmt.Errorf("put two factor: %w", err)
	}

	codes, err := e.replaceBackupCodes(ctx, userID, now)
	if err != nil {
		return EnableResult{}, err
	}
	return EnableResult{Secret: key.Secret(), TOTPURI: key.URL(), BackupCodes: codes}, nil
}

// VerifyTOTP checks a 6-digit authenticator code. The first success after
// Enable completes enrollment.
func (e *Engine) VerifyTOTP(ctx context.Context, userID string, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e == nil || e.store == nil {
		return fmt.Errorf("two-factor store is not configured")
	}
	userID = strings.TrimSpace(userID)

	record, err := e.store.GetTwoFactor(ctx, userID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return ErrInvalidState
		}
		return fmt.Errorf("get two factor: %w", err)
	}

	valid, err := totp.ValidateCustom(strings.TrimSpace(code), record.Secret, e.clock().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return fmt.Errorf("validate totp: %w", err)
	}
	if !valid {
		return ErrInvalidCode
	}

	if !record.Enabled {
		confirmedAt := e.clock().UTC()
		record.Enabled = true
		record.ConfirmedAt = &confirmedAt
		if err := e.store.PutTwoFactor(ctx, record); err != nil {
			return fmt.Errorf("confirm two factor: %w", err)
		}
	}
	return nil
}

// VerifyBackupCode spends one backup code. Each code verifies at most once
// even under concurrent redemption.
func (e *Engine) VerifyBackupCode(ctx context.Context, userID string, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e == nil || e.store == nil {
		return fmt.Errorf("two-factor store is not configured")
	}
	userID = strings.TrimSpace(userID)
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return ErrInvalidBackupCode
	}

	record, err := e.store.GetTwoFactor(ctx, userID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return ErrInvalidState
		}
		return fmt.Errorf("get two factor: %w", err)
	}
	if !record.Enabled {
		return ErrInvalidState
	}

	codes, err := e.store.ListBackupCodes(ctx, userID)
	if err != nil {
		return fmt.Errorf("list backup codes: %w", err)
	}
	for _, candidate := range codes {
		if candidate.UsedAt != nil {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(candidate.CodeHash), []byte(code)) != nil {
			continue
		}
		// The hash matched; the conditional consume decides the race.
		if err := e.store.ConsumeBackupCode(ctx, userID, candidate.ID, e.clock().UTC()); err != nil {
			if stderrors.Is(err, storage.ErrNotFound) {
				return ErrInvalidBackupCode
			}
			return fmt.Errorf("consume backup code: %w", err)
		}
		return nil
	}
	return ErrInvalidBackupCode
}

// GenerateBackupCodes replaces the full backup-code set. Old codes stop
// working immediately.
func (e *Engine) GenerateBackupCodes(ctx context.Context, userID string, password string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e == nil || e.store == nil || e.passwords == nil {
		return nil, fmt.Errorf("second-factor engine is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	if err := e.passwords.VerifyPasswordForUser(ctx, userID, password); err != nil {
		return nil, err
	}
	state, err := e.Status(ctx, userID)
	if err != nil {
		return nil, err
	}
	if state != StateEnabled {
		return nil, ErrInvalidState
	}
	return e.replaceBackupCodes(ctx, userID, e.clock().UTC())
}

// Disable tears down enrollment entirely, backup codes included.
func (e *Engine) Disable(ctx context.Context, userID string, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e == nil || e.store == nil || e.passwords == nil {
		return fmt.Errorf("second-factor engine is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	if err := e.passwords.VerifyPasswordForUser(ctx, userID, password); err != nil {
		return err
	}
	if err := e.store.DeleteTwoFactor(ctx, userID); err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return ErrInvalidState
		}
		return fmt.Errorf("delete two factor: %w", err)
	}
	return nil
}

func (e *Engine) replaceBackupCodes(ctx context.Context, userID string, now time.Time) ([]string, error) {
	plaintext := make([]string, 0, BackupCodeCount)
	hashed := make([]storage.BackupCode, 0, BackupCodeCount)
	for i := 0; i < BackupCodeCount; i++ {
		code, err := e.codeGenerator()
		if err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), e.hashCost)
		if err != nil {
			return nil, fmt.Errorf("hash backup code: %w", err)
		}
		codeID, err := e.idGenerator()
		if err != nil {
			return nil, fmt.Errorf("generate backup code id: %w", err)
		}
		plaintext = append(plaintext, code)
		hashed = append(hashed, storage.BackupCode{
			ID:        codeID,
			UserID:    userID,
			CodeHash:  string(hash),
			CreatedAt: now,
		})
	}
	if err := e.store.ReplaceBackupCodes(ctx, userID, hashed); err != nil {
		return nil, fmt.Errorf("replace backup codes: %w", err)
	}
	return plaintext, nil
}

// Package user provides auth user management.
package user

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/lockhaven/lockhaven/internal/platform/errors"
	"github.com/lockhaven/lockhaven/internal/platform/id"
)

var (
	// ErrInvalidEmail indicates a missing or malformed email address.
	ErrInvalidEmail = apperrors.New(apperrors.CodeUserInvalidEmail, "a valid email address is required")
	// ErrEmptyName indicates a missing display name.
	ErrEmptyName = apperrors.New(apperrors.CodeUserEmptyName, "name is required")

	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// User represents an authenticated identity record.
type User struct {
	ID            string
	Email         string
	EmailVerified bool
	Name          string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreateUserInput describes the metadata needed to create a user.
type CreateUserInput struct {
	Email string
	Name  string
}

// NormalizeEmail lowercases and trims an email address so lookups and the
// unique-email constraint agree on a single canonical form.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidateEmail enforces the canonical email shape used across signup,
// login, and account linking.
func ValidateEmail(s string) error {
	if !emailPattern.MatchString(s) {
		return ErrInvalidEmail
	}
	return nil
}

// CreateUser creates a durable user identity from validated input.
//
// This is the canonical point where untrusted signup data becomes a stable
// identity used by every credential, session, and linking path.
func CreateUser(input CreateUserInput, now func() time.Time, idGenerator func() (string, error)) (User, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateUserInput(input)
	if err != nil {
		return User{}, err
	}

	userID, err := idGenerator()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	createdAt := now().UTC()
	return User{
		ID:        userID,
		Email:     normalized.Email,
		Name:      normalized.Name,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}, nil
}

// NormalizeCreateUserInput trims and normalizes input before validation.
func NormalizeCreateUserInput(input CreateUserInput) (CreateUserInput, error) {
	input.Email = NormalizeEmail(input.Email)
	if err := ValidateEmail(input.Email); err != nil {
		return CreateUserInput{}, err
	}
	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		return CreateUserInput{}, ErrEmptyName
	}
	return input, nil
}

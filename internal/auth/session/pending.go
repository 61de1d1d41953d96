package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lockhaven/lockhaven/internal/platform/errors"
)

// PendingTTL bounds how long a password login may wait on its second factor.
const PendingTTL = 5 * time.Minute

const pendingPurpose = "2fa"

// ErrPendingInvalid rejects a pending token that is missing, malformed,
// expired, or signed for another purpose.
var ErrPendingInvalid = errors.New(errors.CodeSessionPendingOnly, "a valid pending two-factor token is required")

type pendingClaims struct {
	jwt.RegisteredClaims
	Purpose  string `json:"purpose"`
	Remember bool   `json:"remember"`
}

// PendingIssuer mints and verifies the HS256 token handed back by a password
// login that still owes a second factor. The token is not a session: only
// the second-factor endpoints accept it.
type PendingIssuer struct {
	secret []byte
	clock  func() time.Time
}

// NewPendingIssuer wires a pending-token issuer with the session signing
// secret.
func NewPendingIssuer(secret []byte) (*PendingIssuer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("session secret is required")
	}
	return &PendingIssuer{secret: secret, clock: time.Now}, nil
}

// Issue signs a pending token for a user. Remember records the remember-me
// choice made at login so the final session honors it.
func (p *PendingIssuer) Issue(userID string, remember bool) (string, error) {
	if p == nil || len(p.secret) == 0 {
		return "", fmt.Errorf("pending issuer is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}

	now := p.clock().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, pendingClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(PendingTTL)),
		},
		Purpose:  pendingPurpose,
		Remember: remember,
	})
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign pending token: %w", err)
	}
	return signed, nil
}

// Verify checks a pending token and returns the user it belongs to along
// with the remembered login choice.
func (p *PendingIssuer) Verify(tokenString string) (userID string, remember bool, err error) {
	if p == nil || len(p.secret) == 0 {
		return "", false, fmt.Errorf("pending issuer is not configured")
	}
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return "", false, ErrPendingInvalid
	}

	claims := &pendingClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return p.clock().UTC() }),
	)
	if err != nil || !token.Valid {
		return "", false, ErrPendingInvalid
	}
	if claims.Purpose != pendingPurpose || strings.TrimSpace(claims.Subject) == "" {
		return "", false, ErrPendingInvalid
	}
	return claims.Subject, claims.Remember, nil
}

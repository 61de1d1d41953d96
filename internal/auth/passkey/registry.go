// Package passkey manages WebAuthn credentials: registration and login
// ceremonies, credential naming, and the delete policy.
package passkey

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/lockhaven/lockhaven/internal/auth/storage"
	"github.com/lockhaven/lockhaven/internal/auth/user"
	"github.com/lockhaven/lockhaven/internal/platform/errors"
	"github.com/lockhaven/lockhaven/internal/platform/id"
)

// Device types reported per credential. A backup-eligible credential syncs
// across devices.
const (
	DeviceTypeSingle = "singleDevice"
	DeviceTypeMulti  = "multiDevice"
)

var (
	// ErrChallengeExpired rejects a missing, expired, or wrong-kind
	// challenge session.
	ErrChallengeExpired = errors.New(errors.CodePasskeyChallengeExpired, "passkey challenge is invalid or expired")
	// ErrAttestationInvalid rejects a registration response that fails
	// validation.
	ErrAttestationInvalid = errors.New(errors.CodePasskeyAttestationInvalid, "passkey attestation is invalid")
	// ErrLoginFailed rejects an assertion that does not verify.
	ErrLoginFailed = errors.New(errors.CodeInvalidCredentials, "passkey login failed")
	// ErrCloneSuspected rejects an assertion whose signature counter did
	// not advance past the stored value.
	ErrCloneSuspected = errors.New(errors.CodePasskeyCloneSuspected, "passkey authenticator may be cloned")
	// ErrForbidden rejects rename and delete on someone else's credential.
	ErrForbidden = errors.New(errors.CodeForbidden, "credential belongs to another user")
	// ErrLastCredential rejects deleting the only passkey of a user who
	// has no password to fall back on.
	ErrLastCredential = errors.New(errors.CodePasskeyLastCredential, "cannot delete the last passkey without another way to sign in")
)

type provider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error)
}

type parser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultParser struct{}

func (defaultParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// PasswordChecker reports whether a user holds a password credential. The
// delete policy consults it before releasing a user's last passkey.
type PasswordChecker interface {
	HasPassword(ctx context.Context, userID string) (bool, error)
}

// Registry owns passkey credentials and their WebAuthn ceremonies.
type Registry struct {
	users     storage.UserStore
	store     storage.PasskeyStore
	passwords PasswordChecker
	cfg       Config

	webAuthn    provider
	parser      parser
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewRegistry wires a passkey registry from the relying-party config.
func NewRegistry(users storage.UserStore, store storage.PasskeyStore, passwords PasswordChecker, cfg Config) (*Registry, error) {
	webAuthn, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}
	return &Registry{
		users:       users,
		store:       store,
		passwords:   passwords,
		cfg:         cfg,
		webAuthn:    webAuthn,
		parser:      defaultParser{},
		clock:       time.Now,
		idGenerator: id.NewID,
	}, nil
}

// Challenge is one issued ceremony: the session id to echo back and the
// options JSON for the browser API.
type Challenge struct {
	SessionID   string
	OptionsJSON []byte
}

// BeginRegistration starts a credential creation ceremony for a user.
// Existing credentials are excluded so an authenticator is not enrolled
// twice.
func (r *Registry) BeginRegistration(ctx context.Context, userID string) (Challenge, error) {
	if err := ctx.Err(); err != nil {
		return Challenge{}, err
	}
	if r == nil || r.users == nil || r.store == nil {
		return Challenge{}, fmt.Errorf("passkey registry is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Challenge{}, fmt.Errorf("user id is required")
	}

	baseUser, err := r.users.GetUser(ctx, userID)
	if err != nil {
		return Challenge{}, fmt.Errorf("get user: %w", err)
	}
	webUser, err := r.loadWebUser(ctx, baseUser)
	if err != nil {
		return Challenge{}, err
	}

	options := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(webUser.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(webUser.credentials).CredentialDescriptors()))
	}

	creation, session, err := r.webAuthn.BeginRegistration(webUser, options...)
	if err != nil {
		return Challenge{}, fmt.Errorf("begin registration: %w", err)
	}
	return r.storeChallenge(ctx, SessionKindRegistration, baseUser.ID, session, creation)
}

// FinishRegistration validates the browser's creation response and stores
// the new credential under the given display name.
func (r *Registry) FinishRegistration(ctx context.Context, sessionID string, responseJSON []byte, name string) (storage.PasskeyCredential, error) {
	if err := ctx.Err(); err != nil {
		return storage.PasskeyCredential{}, err
	}
	if r == nil || r.users == nil || r.store == nil {
		return storage.PasskeyCredential{}, fmt.Errorf("passkey registry is not configured")
	}
	if len(responseJSON) == 0 {
		return storage.PasskeyCredential{}, ErrAttestationInvalid
	}

	session, err := r.loadChallenge(ctx, sessionID, SessionKindRegistration)
	if err != nil {
		return storage.PasskeyCredential{}, err
	}
	if session.UserID == "" {
		return storage.PasskeyCredential{}, fmt.Errorf("registration session missing user id")
	}

	baseUser, err := r.users.GetUser(ctx, session.UserID)
	if err != nil {
		return storage.PasskeyCredential{}, fmt.Errorf("get user: %w", err)
	}
	webUser, err := r.loadWebUser(ctx, baseUser)
	if err != nil {
		return storage.PasskeyCredential{}, err
	}

	parsed, err := r.parser.ParseCredentialCreationResponseBytes(responseJSON)
	if err != nil {
		return storage.PasskeyCredential{}, errors.Wrap(errors.CodePasskeyAttestationInvalid, "parse credential response", err)
	}
	credential, err := r.webAuthn.CreateCredential(webUser, session.Data, parsed)
	if err != nil {
		return storage.PasskeyCredential{}, errors.Wrap(errors.CodePasskeyAttestationInvalid, "validate credential response", err)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = "Passkey"
	}
	stored, err := r.storeCredential(ctx, baseUser.ID, *credential, name, false)
	if err != nil {
		return storage.PasskeyCredential{}, err
	}
	_ = r.store.DeletePasskeySession(ctx, sessionID)
	return stored, nil
}

// BeginLogin starts an assertion ceremony. With an empty user id the
// challenge is discoverable: the authenticator picks the account.
func (r *Registry) BeginLogin(ctx context.Context, userID string) (Challenge, error) {
	if err := ctx.Err(); err != nil {
		return Challenge{}, err
	}
	if r == nil || r.users == nil || r.store == nil {
		return Challenge{}, fmt.Errorf("passkey registry is not configured")
	}

	userID = strings.TrimSpace(userID)
	var (
		assertion *protocol.CredentialAssertion
		session   *webauthn.SessionData
	)
	if userID == "" {
		var err error
		assertion, session, err = r.webAuthn.BeginDiscoverableLogin()
		if err != nil {
			return Challenge{}, fmt.Errorf("begin discoverable login: %w", err)
		}
	} else {
		baseUser, err := r.users.GetUser(ctx, userID)
		if err != nil {
			return Challenge{}, fmt.Errorf("get user: %w", err)
		}
		webUser, err := r.loadWebUser(ctx, baseUser)
		if err != nil {
			return Challenge{}, err
		}
		assertion, session, err = r.webAuthn.BeginLogin(webUser)
		if err != nil {
			return Challenge{}, fmt.Errorf("begin login: %w", err)
		}
	}
	return r.storeChallenge(ctx, SessionKindLogin, userID, session, assertion)
}

// FinishLogin validates the browser's assertion response and returns the
// authenticated user.
//
// The signature counter must move strictly past the stored value (when the
// authenticator maintains one). A stalled or rewound counter means a second
// device holds the same private key, so the login fails closed and the
// stored credential is left untouched.
func (r *Registry) FinishLogin(ctx context.Context, sessionID string, responseJSON []byte) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}
	if r == nil || r.users == nil || r.store == nil {
		return user.User{}, fmt.Errorf("passkey registry is not configured")
	}
	if len(responseJSON) == 0 {
		return user.User{}, ErrLoginFailed
	}

	session, err := r.loadChallenge(ctx, sessionID, SessionKindLogin)
	if err != nil {
		return user.User{}, err
	}

	parsed, err := r.parser.ParseCredentialRequestResponseBytes(responseJSON)
	if err != nil {
		return user.User{}, errors.Wrap(errors.CodeInvalidCredentials, "parse credential response", err)
	}

	validatedUser, validatedCredential, err := r.webAuthn.ValidatePasskeyLogin(r.userHandler(ctx), session.Data, parsed)
	if err != nil {
		return user.User{}, errors.Wrap(errors.CodeInvalidCredentials, "validate passkey login", err)
	}
	webUser, ok := validatedUser.(*passkeyUser)
	if !ok {
		return user.User{}, fmt.Errorf("passkey user type mismatch")
	}

	credentialID := encodeCredentialID(validatedCredential.ID)
	stored, err := r.store.GetPasskeyCredential(ctx, credentialID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return user.User{}, ErrLoginFailed
		}
		return user.User{}, fmt.Errorf("get passkey credential: %w", err)
	}
	newCount := validatedCredential.Authenticator.SignCount
	if validatedCredential.Authenticator.CloneWarning {
		return user.User{}, ErrCloneSuspected
	}
	if newCount != 0 && stored.SignCount != 0 && newCount <= stored.SignCount {
		return user.User{}, ErrCloneSuspected
	}

	if _, err := r.storeCredential(ctx, webUser.user.ID, *validatedCredential, stored.Name, true); err != nil {
		return user.User{}, err
	}
	_ = r.store.DeletePasskeySession(ctx, sessionID)
	return webUser.user, nil
}

// List returns the user's credentials.
func (r *Registry) List(ctx context.Context, userID string) ([]storage.PasskeyCredential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r == nil || r.store == nil {
		return nil, fmt.Errorf("passkey store is not configured")
	}
	return r.store.ListPasskeyCredentials(ctx, strings.TrimSpace(userID))
}

// Rename changes a credential's display name. Only the owner may rename.
func (r *Registry) Rename(ctx context.Context, userID string, credentialID string, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r == nil || r.store == nil {
		return fmt.Errorf("passkey store is not configured")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("credential name is required")
	}
	if _, err := r.ownedCredential(ctx, userID, credentialID); err != nil {
		return err
	}
	if err := r.store.RenamePasskeyCredential(ctx, strings.TrimSpace(credentialID), name, r.clock().UTC()); err != nil {
		return fmt.Errorf("rename passkey credential: %w", err)
	}
	return nil
}

// Delete removes a credential. Deleting the user's only passkey is refused
// unless a password remains or the allow-last-delete policy is set.
func (r *Registry) Delete(ctx context.Context, userID string, credentialID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r == nil || r.store == nil {
		return fmt.Errorf("passkey store is not configured")
	}
	credential, err := r.ownedCredential(ctx, userID, credentialID)
	if err != nil {
		return err
	}

	remaining, err := r.store.ListPasskeyCredentials(ctx, credential.UserID)
	if err != nil {
		return fmt.Errorf("list passkey credentials: %w", err)
	}
	if len(remaining) <= 1 && !r.cfg.AllowLastDelete {
		hasPassword := false
		if r.passwords != nil {
			hasPassword, err = r.passwords.HasPassword(ctx, credential.UserID)
			if err != nil {
				return fmt.Errorf("check password: %w", err)
			}
		}
		if !hasPassword {
			return ErrLastCredential
		}
	}
	if err := r.store.DeletePasskeyCredential(ctx, credential.CredentialID); err != nil {
		return fmt.Errorf("delete passkey credential: %w", err)
	}
	return nil
}

// DeleteExpiredSessions sweeps challenge sessions past their TTL.
func (r *Registry) DeleteExpiredSessions(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r == nil || r.store == nil {
		return fmt.Errorf("passkey store is not configured")
	}
	return r.store.DeleteExpiredPasskeySessions(ctx, r.clock().UTC())
}

func (r *Registry) ownedCredential(ctx context.Context, userID string, credentialID string) (storage.PasskeyCredential, error) {
	userID = strings.TrimSpace(userID)
	credentialID = strings.TrimSpace(credentialID)
	if userID == "" || credentialID == "" {
		return storage.PasskeyCredential{}, fmt.Errorf("user id and credential id are required")
	}
	credential, err := r.store.GetPasskeyCredential(ctx, credentialID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return storage.PasskeyCredential{}, errors.New(errors.CodeNotFound, "passkey credential not found")
		}
		return storage.PasskeyCredential{}, fmt.Errorf("get passkey credential: %w", err)
	}
	if credential.UserID != userID {
		return storage.PasskeyCredential{}, ErrForbidden
	}
	return credential, nil
}

type passkeyUser struct {
	user        user.User
	credentials []webauthn.Credential
}

func (u *passkeyUser) WebAuthnID() []byte                         { return []byte(u.user.ID) }
func (u *passkeyUser) WebAuthnName() string                       { return u.user.Email }
func (u *passkeyUser) WebAuthnDisplayName() string                { return u.user.Name }
func (u *passkeyUser) WebAuthnIcon() string                       { return "" }
func (u *passkeyUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

func (r *Registry) loadWebUser(ctx context.Context, base user.User) (*passkeyUser, error) {
	records, err := r.store.ListPasskeyCredentials(ctx, base.ID)
	if err != nil {
		return nil, fmt.Errorf("list passkey credentials: %w", err)
	}
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		var credential webauthn.Credential
		if err := json.Unmarshal([]byte(record.CredentialJSON), &credential); err != nil {
			return nil, fmt.Errorf("decode credential %s: %w", record.CredentialID, err)
		}
		credentials = append(credentials, credential)
	}
	return &passkeyUser{user: base, credentials: credentials}, nil
}

func (r *Registry) userHandler(ctx context.Context) webauthn.DiscoverableUserHandler {
	return func(_, userHandle []byte) (webauthn.User, error) {
		userID := strings.TrimSpace(string(userHandle))
		if userID == "" {
			return nil, fmt.Errorf("user handle is required")
		}
		baseUser, err := r.users.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		return r.loadWebUser(ctx, baseUser)
	}
}

func (r *Registry) storeChallenge(ctx context.Context, kind SessionKind, userID string, session *webauthn.SessionData, options any) (Challenge, error) {
	if session == nil {
		return Challenge{}, fmt.Errorf("session data is required")
	}
	sessionID, err := r.idGenerator()
	if err != nil {
		return Challenge{}, fmt.Errorf("generate session id: %w", err)
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return Challenge{}, fmt.Errorf("encode session data: %w", err)
	}
	if err := r.store.PutPasskeySession(ctx, storage.PasskeySession{
		ID:          sessionID,
		Kind:        string(kind),
		UserID:      userID,
		SessionJSON: string(payload),
		ExpiresAt:   r.clock().UTC().Add(r.cfg.SessionTTL),
	}); err != nil {
		return Challenge{}, fmt.Errorf("put passkey session: %w", err)
	}
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return Challenge{}, fmt.Errorf("encode ceremony options: %w", err)
	}
	return Challenge{SessionID: sessionID, OptionsJSON: optionsJSON}, nil
}

type loadedChallenge struct {
	Data   webauthn.SessionData
	UserID string
}

func (r *Registry) loadChallenge(ctx context.Context, sessionID string, expectedKind SessionKind) (loadedChallenge, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return loadedChallenge{}, ErrChallengeExpired
	}
	stored, err := r.store.GetPasskeySession(ctx, sessionID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return loadedChallenge{}, ErrChallengeExpired
		}
		return loadedChallenge{}, fmt.Errorf("get passkey session: %w", err)
	}
	if stored.Kind != string(expectedKind) {
		return loadedChallenge{}, ErrChallengeExpired
	}
	if stored.ExpiresAt.Before(r.clock().UTC()) {
		_ = r.store.DeletePasskeySession(ctx, sessionID)
		return loadedChallenge{}, ErrChallengeExpired
	}
	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(stored.SessionJSON), &session); err != nil {
		return loadedChallenge{}, fmt.Errorf("decode passkey session: %w", err)
	}
	return loadedChallenge{Data: session, UserID: stored.UserID}, nil
}

func (r *Registry) storeCredential(ctx context.Context, userID string, credential webauthn.Credential, name string, used bool) (storage.PasskeyCredential, error) {
	credentialID := encodeCredentialID(credential.ID)
	now := r.clock().UTC()
	stored, err := r.store.GetPasskeyCredential(ctx, credentialID)
	if err != nil && !stderrors.Is(err, storage.ErrNotFound) {
		return storage.PasskeyCredential{}, fmt.Errorf("get passkey credential: %w", err)
	}
	if stderrors.Is(err, storage.ErrNotFound) && used {
		return storage.PasskeyCredential{}, ErrLoginFailed
	}

	createdAt := now
	lastUsedAt := stored.LastUsedAt
	if err == nil {
		createdAt = stored.CreatedAt
	}
	if used {
		value := now
		lastUsedAt = &value
	}
	credentialJSON, err := json.Marshal(credential)
	if err != nil {
		return storage.PasskeyCredential{}, fmt.Errorf("encode credential: %w", err)
	}
	deviceType := DeviceTypeSingle
	if credential.Flags.BackupEligible {
		deviceType = DeviceTypeMulti
	}
	record := storage.PasskeyCredential{
		CredentialID:   credentialID,
		UserID:         userID,
		Name:           name,
		DeviceType:     deviceType,
		SignCount:      credential.Authenticator.SignCount,
		CredentialJSON: string(credentialJSON),
		CreatedAt:      createdAt,
		UpdatedAt:      now,
		LastUsedAt:     lastUsedAt,
	}
	if err := r.store.PutPasskeyCredential(ctx, record); err != nil {
		return storage.PasskeyCredential{}, fmt.Errorf("put passkey credential: %w", err)
	}
	return record, nil
}

func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

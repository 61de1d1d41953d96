package passkey

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/lockhaven/lockhaven/internal/auth/storage"
	"github.com/lockhaven/lockhaven/internal/auth/user"
	apperrors "github.com/lockhaven/lockhaven/internal/platform/errors"
)

type fakeUserStore struct {
	users map[string]user.User
}

func (f *fakeUserStore) PutUser(_ context.Context, u user.User) error {
	f.users[u.ID] = u
	return nil
}

func (f *fakeUserStore) GetUser(_ context.Context, userID string) (user.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (user.User, error) {
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return user.User{}, storage.ErrNotFound
}

type fakePasskeyStore struct {
	credentials map[string]storage.PasskeyCredential
	sessions    map[string]storage.PasskeySession
}

func newFakePasskeyStore() *fakePasskeyStore {
	return &fakePasskeyStore{
		credentials: make(map[string]storage.PasskeyCredential),
		sessions:    make(map[string]storage.PasskeySession),
	}
}

func (f *fakePasskeyStore) PutPasskeyCredential(_ context.Context, credential storage.PasskeyCredential) error {
	f.credentials[credential.CredentialID] = credential
	return nil
}

func (f *fakePasskeyStore) GetPasskeyCredential(_ context.Context, credentialID string) (storage.PasskeyCredential, error) {
	credential, ok := f.credentials[credentialID]
	if !ok {
		return storage.PasskeyCredential{}, storage.ErrNotFound
	}
	return credential, nil
}

func (f *fakePasskeyStore) ListPasskeyCredentials(_ context.Context, userID string) ([]storage.PasskeyCredential, error) {
	out := make([]storage.PasskeyCredential, 0)
	for _, credential := range f.credentials {
		if credential.UserID == userID {
			out = append(out, credential)
		}
	}
	return out, nil
}

func (f *fakePasskeyStore) RenamePasskeyCredential(_ context.Context, credentialID string, name string, updatedAt time.Time) error {
	credential, ok := f.credentials[credentialID]
	if !ok {
		return storage.ErrNotFound
	}
	credential.Name = name
	credential.UpdatedAt = updatedAt
	f.credentials[credentialID] = credential
	return nil
}

func (f *fakePasskeyStore) DeletePasskeyCredential(_ context.Context, credentialID string) error {
	if _, ok := f.credentials[credentialID]; !ok {
		return storage.ErrNotFound
	}
	delete(f.credentials, credentialID)
	return nil
}

func (f *fakePasskeyStore) PutPasskeySession(_ context.Context, session storage.PasskeySession) error {
	f.sessions[session.ID] = session
	return nil
}

func (f *fakePasskeyStore) GetPasskeySession(_ context.Context, id string) (storage.PasskeySession, error) {
	session, ok := f.sessions[id]
	if !ok {
		return storage.PasskeySession{}, storage.ErrNotFound
	}
	return session, nil
}

func (f *fakePasskeyStore) DeletePasskeySession(_ context.Context, id string) error {
	delete(f.sessions, id)
	return nil
}

func (f *fakePasskeyStore) DeleteExpiredPasskeySessions(_ context.Context, now time.Time) error {
	for id, session := range f.sessions {
		if session.ExpiresAt.Before(now) {
			delete(f.sessions, id)
		}
	}
	return nil
}

type fakeProvider struct {
	credential *webauthn.Credential
	loginUser  webauthn.User
	err        error
}

func (f *fakeProvider) BeginRegistration(user webauthn.User, _ ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	return &protocol.CredentialCreation{}, &webauthn.SessionData{UserID: user.WebAuthnID()}, f.err
}

func (f *fakeProvider) CreateCredential(webauthn.User, webauthn.SessionData, *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error) {
	return f.credential, f.err
}

func (f *fakeProvider) BeginLogin(user webauthn.User, _ ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	return &protocol.CredentialAssertion{}, &webauthn.SessionData{UserID: user.WebAuthnID()}, f.err
}

func (f *fakeProvider) BeginDiscoverableLogin(_ ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	return &protocol.CredentialAssertion{}, &webauthn.SessionData{}, f.err
}

func (f *fakeProvider) ValidatePasskeyLogin(webauthn.DiscoverableUserHandler, webauthn.SessionData, *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error) {
	return f.loginUser, f.credential, f.err
}

type fakeParser struct{}

func (fakeParser) ParseCredentialCreationResponseBytes([]byte) (*protocol.ParsedCredentialCreationData, error) {
	return &protocol.ParsedCredentialCreationData{}, nil
}

func (fakeParser) ParseCredentialRequestResponseBytes([]byte) (*protocol.ParsedCredentialAssertionData, error) {
	return &protocol.ParsedCredentialAssertionData{}, nil
}

type fakePasswordChecker struct {
	hasPassword bool
}

func (f *fakePasswordChecker) HasPassword(context.Context, string) (bool, error) {
	return f.hasPassword, nil
}

func newTestRegistry(t *testing.T, now time.Time) (*Registry, *fakeUserStore, *fakePasskeyStore, *fakeProvider, *fakePasswordChecker) {
	t.Helper()
	users := &fakeUserStore{users: map[string]user.User{
		"user-1": {ID: "user-1", Email: "ada@example.com", Name: "Ada"},
	}}
	store := newFakePasskeyStore()
	passwords := &fakePasswordChecker{}
	registry, err := NewRegistry(users, store, passwords, Config{
		RPDisplayName: "Lockhaven",
		RPID:          "localhost",
		RPOrigins:     []string{"http://localhost:5173"},
		SessionTTL:    5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	provider := &fakeProvider{}
	registry.webAuthn = provider
	registry.parser = fakeParser{}
	registry.clock = func() time.Time { return now }
	counter := 0
	registry.idGenerator = func() (string, error) {
		counter++
		return "session-" + string(rune('a'+counter-1)), nil
	}
	return registry, users, store, provider, passwords
}

func seedCredential(t *testing.T, store *fakePasskeyStore, credentialID string, userID string, signCount uint32, now time.Time) {
	t.Helper()
	raw := webauthn.Credential{ID: []byte(credentialID), Authenticator: webauthn.Authenticator{SignCount: signCount}}
	payload, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("encode credential: %v", err)
	}
	if err := store.PutPasskeyCredential(context.Background(), storage.PasskeyCredential{
		CredentialID:   encodeCredentialID([]byte(credentialID)),
		UserID:         userID,
		Name:           "Seeded",
		DeviceType:     DeviceTypeSingle,
		SignCount:      signCount,
		CredentialJSON: string(payload),
		CreatedAt:      now,
		UpdatedAt:      now,
	}); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
}

func TestBeginAndFinishRegistration(t *testing.T) {
	now := time.Date(2026, 4, 5, 8, 0, 0, 0, time.UTC)
	registry, _, store, provider, _ := newTestRegistry(t, now)

	challenge, err := registry.BeginRegistration(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	if challenge.SessionID == "" || len(challenge.OptionsJSON) == 0 {
		t.Fatalf("challenge = %+v, want session id and options", challenge)
	}
	if _, ok := store.sessions[challenge.SessionID]; !ok {
		t.Fatal("expected challenge session persisted")
	}

	provider.credential = &webauthn.Credential{
		ID:    []byte("new-cred"),
		Flags: webauthn.CredentialFlags{BackupEligible: true},
	}
	stored, err := registry.FinishRegistration(context.Background(), challenge.SessionID, []byte(`{}`), "My Phone")
	if err != nil {
		t.Fatalf("finish registration: %v", err)
	}
	if stored.Name != "My Phone" {
		t.Fatalf("name = %q, want %q", stored.Name, "My Phone")
	}
	if stored.DeviceType != DeviceTypeMulti {
		t.Fatalf("device type = %q, want %q", stored.DeviceType, DeviceTypeMulti)
	}
	if _, ok := store.sessions[challenge.SessionID]; ok {
		t.Fatal("expected challenge session consumed")
	}
}

func TestFinishRegistrationRejectsExpiredChallenge(t *testing.T) {
	now := time.Date(2026, 4, 5, 8, 0, 0, 0, time.UTC)
	registry, _, _, provider, _ := newTestRegistry(t, now)

	challenge, err := registry.BeginRegistration(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	provider.credential = &webauthn.Credential{ID: []byte("new-cred")}

	registry.clock = func() time.Time { return now.Add(10 * time.Minute) }
	if _, err := registry.FinishRegistration(context.Background(), challenge.SessionID, []byte(`{}`), ""); !apperrors.IsCode(err, apperrors.CodePasskeyChallengeExpired) {
		t.Fatalf("expected PASSKEY_CHALLENGE_EXPIRED, got %v", err)
	}
}

func TestFinishLoginAdvancesSignCount(t *testing.T) {
	now := time.Date(2026, 4, 5, 8, 0, 0, 0, time.UTC)
	registry, users, store, provider, _ := newTestRegistry(t, now)
	seedCredential(t, store, "cred-1", "user-1", 5, now)

	challenge, err := registry.BeginLogin(context.Background(), "")
	if err != nil {
		t.Fatalf("begin login: %v", err)
	}
	provider.loginUser = &passkeyUser{user: users.users["user-1"]}
	provider.credential = &webauthn.Credential{
		ID:            []byte("cred-1"),
		Authenticator: webauthn.Authenticator{SignCount: 6},
	}

	got, err := registry.FinishLogin(context.Background(), challenge.SessionID, []byte(`{}`))
	if err != nil {
		t.Fatalf("finish login: %v", err)
	}
	if got.ID != "user-1" {
		t.Fatalf("user id = %q, want %q", got.ID, "user-1")
	}

	stored, err := store.GetPasskeyCredential(context.Background(), encodeCredentialID([]byte("cred-1")))
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if stored.SignCount != 6 {
		t.Fatalf("sign count = %d, want 6", stored.SignCount)
	}
	if stored.LastUsedAt == nil {
		t.Fatal("expected last used at set")
	}
	if stored.Name != "Seeded" {
		t.Fatalf("name = %q, want preserved %q", stored.Name, "Seeded")
	}
}

func TestFinishLoginRejectsStalledSignCount(t *testing.T) {
	now := time.Date(2026, 4, 5, 8, 0, 0, 0, time.UTC)
	registry, users, store, provider, _ := newTestRegistry(t, now)
	seedCredential(t, store, "cred-1", "user-1", 5, now)

	challenge, err := registry.BeginLogin(context.Background(), "")
	if err != nil {
		t.Fatalf("begin login: %v", err)
	}
	provider.loginUser = &passkeyUser{user: users.users["user-1"]}
	provider.credential = &webauthn.Credential{
		ID:            []byte("cred-1"),
		Authenticator: webauthn.Authenticator{SignCount: 5},
	}

	if _, err := registry.FinishLogin(context.Background(), challenge.SessionID, []byte(`{}`)); !apperrors.IsCode(err, apperrors.CodePasskeyCloneSuspected) {
		t.Fatalf("expected PASSKEY_CLONE_SUSPECTED, got %v", err)
	}

	// The stored credential is untouched by the rejected assertion.
	stored, _ := store.GetPasskeyCredential(context.Background(), encodeCredentialID([]byte("cred-1")))
	if stored.SignCount != 5 {
		t.Fatalf("sign count = %d, want unchanged 5", stored.SignCount)
	}
	if stored.LastUsedAt != nil {
		t.Fatal("last used at should not move on a rejected login")
	}
}

func TestFinishLoginRejectsCloneWarning(t *testing.T) {
	now := time.Date(2026, 4, 5, 8, 0, 0, 0, time.UTC)
	registry, users, store, provider, _ := newTestRegistry(t, now)
	seedCredential(t, store, "cred-1", "user-1", 5, now)

	challenge, err := registry.BeginLogin(context.Background(), "")
	if err != nil {
		t.Fatalf("begin login: %v", err)
	}
	provider.loginUser = &passkeyUser{user: users.users["user-1"]}
	provider.credential = &webauthn.Credential{
		ID:            []byte("cred-1"),
		Authenticator: webauthn.Authenticator{SignCount: 9, CloneWarning: true},
	}

	if _, err := registry.FinishLogin(context.Background(), challenge.SessionID, []byte(`{}`)); !apperrors.IsCode(err, apperrors.CodePasskeyCloneSuspected) {
		t.Fatalf("expected PASSKEY_CLONE_SUSPECTED, got %v", err)
	}
}

func TestFinishLoginAllowsZeroCounters(t *testing.T) {
	now := time.Date(2026, 4, 5, 8, 0, 0, 0, time.UTC)
	registry, users, store, provider, _ := newTestRegistry(t, now)
	seedCredential(t, store, "cred-1", "user-1", 0, now)

	challenge, err := registry.BeginLogin(context.Background(), "")
	if err != nil {
		t.Fatalf("begin login: %v", err)
	}
	provider.loginUser = &passkeyUser{user: users.users["user-1"]}
	provider.credential = &webauthn.Credential{
		ID:            []byte("cred-1"),
		Authenticator: webauthn.Authenticator{SignCount: 0},
	}

	// Authenticators without a counter always report zero.
	if _, err := registry.FinishLogin(context.Background(), challenge.SessionID, []byte(`{}`)); err != nil {
		t.Fatalf("finish login: %v", err)
	}
}

func TestRenameRequiresOwnership(t *testing.T) {
	now := time.Date(2026, 4, 5, 8, 0, 0, 0, time.UTC)
	registry, _, store, _, _ := newTestRegistry(t, now)
	seedCredential(t, store, "cred-1", "user-1", 1, now)
	credentialID := encodeCredentialID([]byte("cred-1"))

	if err := registry.Rename(context.Background(), "user-2", credentialID, "Stolen"); !apperrors.IsCode(err, apperrors.CodeForbidden) {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
	if err := registry.Rename(context.Background(), "user-1", credentialID, "Work Laptop"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	stored, _ := store.GetPasskeyCredential(context.Background(), credentialID)
	if stored.Name != "Work Laptop" {
		t.Fatalf("name = %q, want %q", stored.Name, "Work Laptop")
	}
}

func TestDeleteLastPasskeyPolicy(t *testing.T) {
	now := time.Date(2026, 4, 5, 8, 0, 0, 0, time.UTC)
	registry, _, store, _, passwords := newTestRegistry(t, now)
	seedCredential(t, store, "cred-1", "user-1", 1, now)
	credentialID := encodeCredentialID([]byte("cred-1"))

	// No password, last passkey: refused.
	if err := registry.Delete(context.Background(), "user-1", credentialID); !apperrors.IsCode(err, apperrors.CodePasskeyLastCredential) {
		t.Fatalf("expected PASSKEY_LAST_CREDENTIAL, got %v", err)
	}

	// A password makes the delete safe.
	passwords.hasPassword = true
	if err := registry.Delete(context.Background(), "user-1", credentialID); err != nil {
		t.Fatalf("delete with password: %v", err)
	}
}

func TestDeleteLastPasskeyAllowedByPolicy(t *testing.T) {
	now := time.Date(2026, 4, 5, 8, 0, 0, 0, time.UTC)
	registry, _, store, _, _ := newTestRegistry(t, now)
	registry.cfg.AllowLastDelete = true
	seedCredential(t, store, "cred-1", "user-1", 1, now)

	if err := registry.Delete(context.Background(), "user-1", encodeCredentialID([]byte("cred-1"))); err != nil {
		t.Fatalf("delete with allow-last-delete: %v", err)
	}
}

func TestDeleteNotLastPasskey(t *testing.T) {
	now := time.Date(2026, 4, 5, 8, 0, 0, 0, time.UTC)
	registry, _, store, _, _ := newTestRegistry(t, now)
	seedCredential(t, store, "cred-1", "user-1", 1, now)
	seedCredential(t, store, "cred-2", "user-1", 1, now)

	if err := registry.Delete(context.Background(), "user-1", encodeCredentialID([]byte("cred-1"))); err != nil {
		t.Fatalf("delete one of two: %v", err)
	}
	if err := registry.Delete(context.Background(), "user-2", encodeCredentialID([]byte("cred-2"))); !apperrors.IsCode(err, apperrors.CodeForbidden) {
		t.Fatalf("expected FORBIDDEN for other user, got %v", err)
	}
}

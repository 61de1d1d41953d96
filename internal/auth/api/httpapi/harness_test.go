package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lockhaven/lockhaven/internal/auth/account"
	"github.com/lockhaven/lockhaven/internal/auth/credential"
	"github.com/lockhaven/lockhaven/internal/auth/mail"
	"github.com/lockhaven/lockhaven/internal/auth/passkey"
	"github.com/lockhaven/lockhaven/internal/auth/secondfactor"
	"github.com/lockhaven/lockhaven/internal/auth/session"
	"github.com/lockhaven/lockhaven/internal/auth/storage"
	"github.com/lockhaven/lockhaven/internal/auth/user"
	"github.com/lockhaven/lockhaven/internal/auth/verification"
)

// memStore is an in-memory implementation of every persistence contract the
// server touches. Single-goroutine test use only.
type memStore struct {
	users       map[string]user.User
	credentials map[string]storage.Credential
	sessions    map[string]storage.Session
	tokens      map[string]storage.VerificationToken
	twoFactor   map[string]storage.TwoFactor
	backupCodes map[string][]storage.BackupCode
	passkeys    map[string]storage.PasskeyCredential
	pkSessions  map[string]storage.PasskeySession
	links       []storage.LinkedAccount
	mail        map[string]storage.MailMessage
}

var (
	_ storage.UserStore              = (*memStore)(nil)
	_ storage.CredentialStore        = (*memStore)(nil)
	_ storage.SessionStore           = (*memStore)(nil)
	_ storage.VerificationTokenStore = (*memStore)(nil)
	_ storage.TwoFactorStore         = (*memStore)(nil)
	_ storage.PasskeyStore           = (*memStore)(nil)
	_ storage.LinkedAccountStore     = (*memStore)(nil)
	_ storage.MailOutboxStore        = (*memStore)(nil)
)

func newMemStore() *memStore {
	return &memStore{
		users:       make(map[string]user.User),
		credentials: make(map[string]storage.Credential),
		sessions:    make(map[string]storage.Session),
		tokens:      make(map[string]storage.VerificationToken),
		twoFactor:   make(map[string]storage.TwoFactor),
		backupCodes: make(map[string][]storage.BackupCode),
		passkeys:    make(map[string]storage.PasskeyCredential),
		pkSessions:  make(map[string]storage.PasskeySession),
		mail:        make(map[string]storage.MailMessage),
	}
}

func (s *memStore) PutUser(_ context.Context, u user.User) error {
	for _, existing := range s.users {
		if existing.Email == u.Email && existing.ID != u.ID {
			return storage.ErrConflict
		}
	}
	s.users[u.ID] = u
	return nil
}

func (s *memStore) GetUser(_ context.Context, userID string) (user.User, error) {
	u, ok := s.users[userID]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *memStore) GetUserByEmail(_ context.Context, email string) (user.User, error) {
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return user.User{}, storage.ErrNotFound
}

func (s *memStore) PutCredential(_ context.Context, c storage.Credential) error {
	s.credentials[c.UserID] = c
	return nil
}

func (s *memStore) GetCredential(_ context.Context, userID string) (storage.Credential, error) {
	c, ok := s.credentials[userID]
	if !ok {
		return storage.Credential{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *memStore) DeleteCredential(_ context.Context, userID string) error {
	delete(s.credentials, userID)
	return nil
}

func (s *memStore) PutSession(_ context.Context, sess storage.Session) error {
	s.sessions[sess.Token] = sess
	return nil
}

func (s *memStore) GetSession(_ context.Context, token string) (storage.Session, error) {
	sess, ok := s.sessions[token]
	if !ok {
		return storage.Session{}, storage.ErrNotFound
	}
	return sess, nil
}

func (s *memStore) RevokeSession(_ context.Context, token string, revokedAt time.Time) error {
	sess, ok := s.sessions[token]
	if !ok || sess.RevokedAt != nil {
		return storage.ErrNotFound
	}
	sess.RevokedAt = &revokedAt
	s.sessions[token] = sess
	return nil
}

func (s *memStore) RevokeSessionsForUser(_ context.Context, userID string, exceptToken string, revokedAt time.Time) error {
	for token, sess := range s.sessions {
		if sess.UserID == userID && token != exceptToken && sess.RevokedAt == nil {
			sess.RevokedAt = &revokedAt
			s.sessions[token] = sess
		}
	}
	return nil
}

func (s *memStore) DeleteExpiredSessions(_ context.Context, now time.Time) error {
	for token, sess := range s.sessions {
		if sess.ExpiresAt.Before(now) {
			delete(s.sessions, token)
		}
	}
	return nil
}

func (s *memStore) PutVerificationToken(_ context.Context, token storage.VerificationToken) error {
	s.tokens[token.Token] = token
	return nil
}

func (s *memStore) ConsumeVerificationToken(_ context.Context, token string, purpose string, now time.Time) (storage.VerificationToken, error) {
	record, ok := s.tokens[token]
	if !ok || record.Purpose != purpose || record.ConsumedAt != nil || !record.ExpiresAt.After(now) {
		return storage.VerificationToken{}, storage.ErrNotFound
	}
	record.ConsumedAt = &now
	s.tokens[token] = record
	return record, nil
}

func (s *memStore) DeleteExpiredVerificationTokens(_ context.Context, now time.Time) error {
	for token, record := range s.tokens {
		if record.ExpiresAt.Before(now) {
			delete(s.tokens, token)
		}
	}
	return nil
}

func (s *memStore) PutTwoFactor(_ context.Context, record storage.TwoFactor) error {
	s.twoFactor[record.UserID] = record
	return nil
}

func (s *memStore) GetTwoFactor(_ context.Context, userID string) (storage.TwoFactor, error) {
	record, ok := s.twoFactor[userID]
	if !ok {
		return storage.TwoFactor{}, storage.ErrNotFound
	}
	return record, nil
}

func (s *memStore) DeleteTwoFactor(_ context.Context, userID string) error {
	delete(s.twoFactor, userID)
	delete(s.backupCodes, userID)
	return nil
}

func (s *memStore) ReplaceBackupCodes(_ context.Context, userID string, codes []storage.BackupCode) error {
	s.backupCodes[userID] = append([]storage.BackupCode(nil), codes...)
	return nil
}

func (s *memStore) ListBackupCodes(_ context.Context, userID string) ([]storage.BackupCode, error) {
	return append([]storage.BackupCode(nil), s.backupCodes[userID]...), nil
}

func (s *memStore) ConsumeBackupCode(_ context.Context, userID string, codeID string, usedAt time.Time) error {
	codes := s.backupCodes[userID]
	for i, code := range codes {
		if code.ID == codeID && code.UsedAt == nil {
			codes[i].UsedAt = &usedAt
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *memStore) PutPasskeyCredential(_ context.Context, credential storage.PasskeyCredential) error {
	s.passkeys[credential.CredentialID] = credential
	return nil
}

func (s *memStore) GetPasskeyCredential(_ context.Context, credentialID string) (storage.PasskeyCredential, error) {
	credential, ok := s.passkeys[credentialID]
	if !ok {
		return storage.PasskeyCredential{}, storage.ErrNotFound
	}
	return credential, nil
}

func (s *memStore) ListPasskeyCredentials(_ context.Context, userID string) ([]storage.PasskeyCredential, error) {
	var out []storage.PasskeyCredential
	for _, credential := range s.passkeys {
		if credential.UserID == userID {
			out = append(out, credential)
		}
	}
	return out, nil
}

func (s *memStore) RenamePasskeyCredential(_ context.Context, credentialID string, name string, updatedAt time.Time) error {
	credential, ok := s.passkeys[credentialID]
	if !ok {
		return storage.ErrNotFound
	}
	credential.Name = name
	credential.UpdatedAt = updatedAt
	s.passkeys[credentialID] = credential
	return nil
}

func (s *memStore) DeletePasskeyCredential(_ context.Context, credentialID string) error {
	delete(s.passkeys, credentialID)
	return nil
}

func (s *memStore) PutPasskeySession(_ context.Context, record storage.PasskeySession) error {
	s.pkSessions[record.ID] = record
	return nil
}

func (s *memStore) GetPasskeySession(_ context.Context, id string) (storage.PasskeySession, error) {
	record, ok := s.pkSessions[id]
	if !ok {
		return storage.PasskeySession{}, storage.ErrNotFound
	}
	return record, nil
}

func (s *memStore) DeletePasskeySession(_ context.Context, id string) error {
	delete(s.pkSessions, id)
	return nil
}

func (s *memStore) DeleteExpiredPasskeySessions(_ context.Context, now time.Time) error {
	for id, record := range s.pkSessions {
		if record.ExpiresAt.Before(now) {
			delete(s.pkSessions, id)
		}
	}
	return nil
}

func (s *memStore) PutLinkedAccount(_ context.Context, link storage.LinkedAccount) error {
	s.links = append(s.links, link)
	return nil
}

func (s *memStore) GetLinkedAccount(_ context.Context, providerID string, providerAccountID string) (storage.LinkedAccount, error) {
	for _, link := range s.links {
		if link.ProviderID == providerID && link.ProviderAccountID == providerAccountID {
			return link, nil
		}
	}
	return storage.LinkedAccount{}, storage.ErrNotFound
}

func (s *memStore) ListLinkedAccountsByUser(_ context.Context, userID string) ([]storage.LinkedAccount, error) {
	var out []storage.LinkedAccount
	for _, link := range s.links {
		if link.UserID == userID {
			out = append(out, link)
		}
	}
	return out, nil
}

func (s *memStore) DeleteLinkedAccount(_ context.Context, userID string, providerID string) error {
	for i, link := range s.links {
		if link.UserID == userID && link.ProviderID == providerID {
			s.links = append(s.links[:i], s.links[i+1:]...)
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *memStore) EnqueueMail(_ context.Context, message storage.MailMessage) error {
	s.mail[message.ID] = message
	return nil
}

func (s *memStore) GetMailMessage(_ context.Context, id string) (storage.MailMessage, error) {
	message, ok := s.mail[id]
	if !ok {
		return storage.MailMessage{}, storage.ErrNotFound
	}
	return message, nil
}

func (s *memStore) LeaseMailMessages(_ context.Context, _ string, _ int, _ time.Time, _ time.Duration) ([]storage.MailMessage, error) {
	return nil, nil
}

func (s *memStore) MarkMailSucceeded(_ context.Context, _ string, _ string, _ time.Time) error {
	return nil
}

func (s *memStore) MarkMailRetry(_ context.Context, _ string, _ string, _ time.Time, _ string) error {
	return nil
}

func (s *memStore) MarkMailDead(_ context.Context, _ string, _ string, _ string, _ time.Time) error {
	return nil
}

func newTestServer(t *testing.T, cfg Config) (*Server, *memStore) {
	t.Helper()
	store := newMemStore()

	credentials := credential.NewManager(store, store, store)
	sessions := session.NewManager(store, 0, 0)
	pending, err := session.NewPendingIssuer([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("new pending issuer: %v", err)
	}
	tokens := verification.NewManager(store)
	secondFactor := secondfactor.NewEngine(store, credentials, "Lockhaven")
	registry, err := passkey.NewRegistry(store, store, credentials, passkey.Config{
		RPDisplayName: "Lockhaven",
		RPID:          "localhost",
		RPOrigins:     []string{"http://localhost:5173"},
		SessionTTL:    5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("new passkey registry: %v", err)
	}
	accounts := account.NewCoordinator(store, store, credentials, store, map[string]account.ProviderConfig{
		"acme": {
			ClientID:    "client-id",
			AuthURL:     "https://acme.example/authorize",
			TokenURL:    "https://acme.example/token",
			UserInfoURL: "https://acme.example/userinfo",
			RedirectURI: "http://localhost:8080/v1/accounts/link/acme/callback",
		},
	}, nil)
	outbox := mail.NewOutbox(store)

	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.AppURL == "" {
		cfg.AppURL = "http://localhost:5173"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:5173"}
	}

	server := NewServer(cfg, Deps{
		Users:        store,
		Credentials:  credentials,
		Sessions:     sessions,
		Pending:      pending,
		Tokens:       tokens,
		SecondFactor: secondFactor,
		Passkeys:     registry,
		Accounts:     accounts,
		Outbox:       outbox,
	})
	return server, store
}

// doJSON performs one request against the server and decodes the JSON body.
func doJSON(t *testing.T, server *Server, method, path string, body any, sessionToken string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if sessionToken != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: sessionToken})
	}

	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)

	decoded := map[string]any{}
	if recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response body %q: %v", recorder.Body.String(), err)
		}
	}
	return recorder, decoded
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	envelope, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error envelope, got %v", body)
	}
	code, _ := envelope["code"].(string)
	return code
}

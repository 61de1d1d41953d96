package httpapi

import (
	"net/http"
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

// Server wires the auth domain into HTTP handlers.
type Server struct {
	cfg Config

	users        storage.UserStore
	credentials  *credential.Manager
	sessions     *session.Manager
	pending      *session.PendingIssuer
	tokens       *verification.Manager
	secondFactor *secondfactor.Engine
	passkeys     *passkey.Registry
	accounts     *account.Coordinator
	outbox       *mail.Outbox

	limiter *rateLimiter
}

// Deps are the domain components the server exposes.
type Deps struct {
	Users        storage.UserStore
	Credentials  *credential.Manager
	Sessions     *session.Manager
	Pending      *session.PendingIssuer
	Tokens       *verification.Manager
	SecondFactor *secondfactor.Engine
	Passkeys     *passkey.Registry
	Accounts     *account.Coordinator
	Outbox       *mail.Outbox
}

// NewServer returns an HTTP server over the given domain components.
func NewServer(cfg Config, deps Deps) *Server {
	return &Server{
		cfg:          cfg,
		users:        deps.Users,
		credentials:  deps.Credentials,
		sessions:     deps.Sessions,
		pending:      deps.Pending,
		tokens:       deps.Tokens,
		secondFactor: deps.SecondFactor,
		passkeys:     deps.Passkeys,
		accounts:     deps.Accounts,
		outbox:       deps.Outbox,
		limiter:      newRateLimiter(cfg.RateLimit, cfg.RateWindow),
	}
}

// Handler mounts every route and returns the root handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/signup", withSpan("signup", s.handleSignup))
	mux.HandleFunc("POST /v1/login", withSpan("login", s.limitByClient(s.handleLogin)))
	mux.HandleFunc("POST /v1/logout", withSpan("logout", s.handleLogout))
	mux.HandleFunc("GET /v1/session", withSpan("session", s.requireSession(s.handleSession)))

	mux.HandleFunc("POST /v1/email/verify", withSpan("email_verify", s.handleEmailVerify))
	mux.HandleFunc("POST /v1/password/forgot", withSpan("password_forgot", s.limitByClient(s.handlePasswordForgot)))
	mux.HandleFunc("POST /v1/password/reset", withSpan("password_reset", s.limitByClient(s.handlePasswordReset)))
	mux.HandleFunc("POST /v1/password/change", withSpan("password_change", s.requireSession(s.handlePasswordChange)))

	mux.HandleFunc("POST /v1/2fa/enable", withSpan("twofactor_enable", s.requireSession(s.handleTwoFactorEnable)))
	mux.HandleFunc("POST /v1/2fa/verify", withSpan("twofactor_verify", s.limitByClient(s.handleTwoFactorVerify)))
	mux.HandleFunc("POST /v1/2fa/backup-codes", withSpan("twofactor_backup_codes", s.requireSession(s.handleTwoFactorBackupCodes)))
	mux.HandleFunc("POST /v1/2fa/disable", withSpan("twofactor_disable", s.requireSession(s.handleTwoFactorDisable)))

	mux.HandleFunc("POST /v1/passkey/register/begin", withSpan("passkey_register_begin", s.requireSession(s.handlePasskeyRegisterBegin)))
	mux.HandleFunc("POST /v1/passkey/register/complete", withSpan("passkey_register_complete", s.requireSession(s.handlePasskeyRegisterComplete)))
	mux.HandleFunc("POST /v1/passkey/login/begin", withSpan("passkey_login_begin", s.handlePasskeyLoginBegin))
	mux.HandleFunc("POST /v1/passkey/login/complete", withSpan("passkey_login_complete", s.limitByClient(s.handlePasskeyLoginComplete)))
	mux.HandleFunc("GET /v1/passkeys", withSpan("passkeys_list", s.requireSession(s.handlePasskeyList)))
	mux.HandleFunc("PATCH /v1/passkeys/{id}", withSpan("passkeys_rename", s.requireSession(s.handlePasskeyRename)))
	mux.HandleFunc("DELETE /v1/passkeys/{id}", withSpan("passkeys_delete", s.requireSession(s.handlePasskeyDelete)))

	mux.HandleFunc("GET /v1/accounts", withSpan("accounts_list", s.requireSession(s.handleAccountsList)))
	mux.HandleFunc("GET /v1/accounts/link/{provider}/start", withSpan("accounts_link_start", s.requireSession(s.handleAccountLinkStart)))
	mux.HandleFunc("GET /v1/accounts/link/{provider}/callback", withSpan("accounts_link_callback", s.handleAccountLinkCallback))
	mux.HandleFunc("DELETE /v1/accounts/link/{provider}", withSpan("accounts_unlink", s.requireSession(s.handleAccountUnlink)))

	mux.HandleFunc("GET /up", s.handleUp)

	return s.withCORS(mux)
}

func (s *Server) handleUp(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// userPayload is the public shape of a user record.
type userPayload struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"emailVerified"`
	Name          string    `json:"name"`
	CreatedAt     time.Time `json:"createdAt"`
}

func toUserPayload(u user.User) userPayload {
	return userPayload{
		ID:            u.ID,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		Name:          u.Name,
		CreatedAt:     u.CreatedAt,
	}
}

// issueSession creates a session, sets the cookie, and returns the token.
func (s *Server) issueSession(w http.ResponseWriter, r *http.Request, userID string, remember bool) (storage.Session, error) {
	sess, err := s.sessions.Create(r.Context(), userID, remember)
	if err != nil {
		return storage.Session{}, err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	return sess, nil
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

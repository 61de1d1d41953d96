package httpapi

import (
	"log"
	"net/http"
	"net/url"

	apperrors "github.com/lockhaven/lockhaven/internal/platform/errors"
	"github.com/lockhaven/lockhaven/internal/platform/requestctx"

	"github.com/lockhaven/lockhaven/internal/auth/credential"
	"github.com/lockhaven/lockhaven/internal/auth/secondfactor"
	"github.com/lockhaven/lockhaven/internal/auth/storage"
	"github.com/lockhaven/lockhaven/internal/auth/user"
)

func (s *Server) verifyEmailURL(token string) string {
	return s.cfg.AppURL + "/verify-email?token=" + url.QueryEscape(token)
}

func (s *Server) resetPasswordURL(token string) string {
	return s.cfg.AppURL + "/reset-password?token=" + url.QueryEscape(token)
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	created, err := s.credentials.CreateUser(r.Context(), credential.CreateUserInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Verification email delivery is best effort; signup already happened.
	token, err := s.tokens.IssueEmailVerification(r.Context(), created.ID)
	if err != nil {
		log.Printf("issue verification token for %s: %v", created.ID, err)
	} else if err := s.outbox.EnqueueVerification(r.Context(), created.Email, created.Name, s.verifyEmailURL(token.Token)); err != nil {
		log.Printf("enqueue verification email for %s: %v", created.ID, err)
	}

	writeJSON(w, http.StatusCreated, map[string]any{"user": toUserPayload(created)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Remember bool   `json:"remember"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if !s.limitByAccount(req.Email) {
		writeError(w, r, apperrors.New(apperrors.CodeRateLimited, "rate limit exceeded"))
		return
	}

	verified, err := s.credentials.VerifyPassword(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}

	state, err := s.secondFactor.Status(r.Context(), verified.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if state == secondfactor.StateEnabled {
		pendingToken, err := s.pending.Issue(verified.ID, req.Remember)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"twoFactorRequired": true,
			"pendingToken":      pendingToken,
		})
		return
	}

	sess, err := s.issueSession(w, r, verified.ID, req.Remember)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": sess.Token,
		"user":  toUserPayload(verified),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := sessionToken(r); token != "" {
		if err := s.sessions.Revoke(r.Context(), token); err != nil {
			writeError(w, r, err)
			return
		}
	}
	s.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	userID := requestctx.UserIDFromContext(r.Context())
	current, err := s.users.GetUser(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": toUserPayload(current)})
}

func (s *Server) handleEmailVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	consumed, err := s.tokens.Consume(r.Context(), req.Token, storage.TokenPurposeEmailVerify)
	if err != nil {
		writeError(w, r, err)
		return
	}
	verified, err := s.users.GetUser(r.Context(), consumed.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	verified.EmailVerified = true
	if err := s.users.PutUser(r.Context(), verified); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": toUserPayload(verified)})
}

func (s *Server) handlePasswordForgot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	// Always 200 so the endpoint does not reveal which emails exist.
	target, err := s.users.GetUserByEmail(r.Context(), user.NormalizeEmail(req.Email))
	if err == nil {
		token, err := s.tokens.IssuePasswordReset(r.Context(), target.ID)
		if err != nil {
			log.Printf("issue password reset token for %s: %v", target.ID, err)
		} else if err := s.outbox.EnqueuePasswordReset(r.Context(), target.Email, target.Name, s.resetPasswordURL(token.Token)); err != nil {
			log.Printf("enqueue password reset email for %s: %v", target.ID, err)
		}
	} else if !apperrors.IsCode(err, apperrors.CodeNotFound) {
		log.Printf("look up user for password reset: %v", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	// Reject a weak password before the token is spent, so the same link
	// still works on retry.
	if err := credential.ValidatePassword(req.Password); err != nil {
		writeError(w, r, err)
		return
	}
	consumed, err := s.tokens.Consume(r.Context(), req.Token, storage.TokenPurposePasswordReset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.credentials.ResetPassword(r.Context(), consumed.UserID, req.Password); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handlePasswordChange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	userID := requestctx.UserIDFromContext(r.Context())
	if err := s.credentials.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword, sessionToken(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

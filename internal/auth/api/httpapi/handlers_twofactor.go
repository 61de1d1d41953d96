package httpapi

import (
	"net/http"
	"strings"

	apperrors "github.com/lockhaven/lockhaven/internal/platform/errors"
	"github.com/lockhaven/lockhaven/internal/platform/requestctx"
)

func (s *Server) handleTwoFactorEnable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	userID := requestctx.UserIDFromContext(r.Context())
	current, err := s.users.GetUser(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	result, err := s.secondFactor.Enable(r.Context(), userID, current.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"secret":      result.Secret,
		"totpUri":     result.TOTPURI,
		"backupCodes": result.BackupCodes,
	})
}

// isTOTPShape reports whether a submitted code looks like a 6-digit TOTP
// code rather than a backup code.
func isTOTPShape(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// handleTwoFactorVerify serves two callers: a pending-token holder finishing
// a 2FA login, and an authenticated user confirming a fresh enrollment.
func (s *Server) handleTwoFactorVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PendingToken string `json:"pendingToken"`
		Code         string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	var userID string
	var remember, fromPending bool
	if req.PendingToken != "" {
		var err error
		userID, remember, err = s.pending.Verify(req.PendingToken)
		if err != nil {
			writeError(w, r, err)
			return
		}
		fromPending = true
	} else {
		token := sessionToken(r)
		if token == "" {
			writeError(w, r, apperrors.New(apperrors.CodeSessionInvalid, "session token or pending token is required"))
			return
		}
		sess, err := s.sessions.Validate(r.Context(), token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		userID = sess.UserID
	}
	if !s.limitByAccount(userID) {
		writeError(w, r, apperrors.New(apperrors.CodeRateLimited, "rate limit exceeded"))
		return
	}

	code := strings.TrimSpace(req.Code)
	var err error
	if isTOTPShape(code) {
		err = s.secondFactor.VerifyTOTP(r.Context(), userID, code)
	} else {
		err = s.secondFactor.VerifyBackupCode(r.Context(), userID, code)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	verified, err := s.users.GetUser(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !fromPending {
		writeJSON(w, http.StatusOK, map[string]any{"user": toUserPayload(verified)})
		return
	}

	sess, err := s.issueSession(w, r, userID, remember)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": sess.Token,
		"user":  toUserPayload(verified),
	})
}

func (s *Server) handleTwoFactorBackupCodes(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	userID := requestctx.UserIDFromContext(r.Context())
	codes, err := s.secondFactor.GenerateBackupCodes(r.Context(), userID, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backupCodes": codes})
}

func (s *Server) handleTwoFactorDisable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	userID := requestctx.UserIDFromContext(r.Context())
	if err := s.secondFactor.Disable(r.Context(), userID, req.Password); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	apperrors "github.com/lockhaven/lockhaven/internal/platform/errors"
	"github.com/lockhaven/lockhaven/internal/platform/requestctx"

	"github.com/lockhaven/lockhaven/internal/auth/storage"
)

// passkeyPayload is the public shape of a registered passkey.
type passkeyPayload struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	DeviceType string     `json:"deviceType"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

func toPasskeyPayload(credential storage.PasskeyCredential) passkeyPayload {
	return passkeyPayload{
		ID:         credential.CredentialID,
		Name:       credential.Name,
		DeviceType: credential.DeviceType,
		CreatedAt:  credential.CreatedAt,
		LastUsedAt: credential.LastUsedAt,
	}
}

func writeChallenge(w http.ResponseWriter, sessionID string, optionsJSON []byte) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"options":   json.RawMessage(optionsJSON),
	})
}

func (s *Server) handlePasskeyRegisterBegin(w http.ResponseWriter, r *http.Request) {
	userID := requestctx.UserIDFromContext(r.Context())
	challenge, err := s.passkeys.BeginRegistration(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeChallenge(w, challenge.SessionID, challenge.OptionsJSON)
}

func (s *Server) handlePasskeyRegisterComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string          `json:"sessionId"`
		Name      string          `json:"name"`
		Response  json.RawMessage `json:"response"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	userID := requestctx.UserIDFromContext(r.Context())
	credential, err := s.passkeys.FinishRegistration(r.Context(), req.SessionID, req.Response, req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if credential.UserID != userID {
		writeError(w, r, apperrors.New(apperrors.CodeForbidden, "registration session belongs to another user"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"passkey": toPasskeyPayload(credential)})
}

func (s *Server) handlePasskeyLoginBegin(w http.ResponseWriter, r *http.Request) {
	// An empty body or empty email starts a discoverable-credential login.
	var req struct {
		Email string `json:"email"`
	}
	if body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20)); err == nil && len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, r, apperrors.Wrap(apperrors.CodeInvalidArgument, "request body is not valid JSON", err))
			return
		}
	}

	userID := ""
	if req.Email != "" {
		known, err := s.users.GetUserByEmail(r.Context(), req.Email)
		if err == nil {
			userID = known.ID
		}
		// Unknown emails fall through to a discoverable login so the
		// endpoint does not reveal which emails exist.
	}

	challenge, err := s.passkeys.BeginLogin(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeChallenge(w, challenge.SessionID, challenge.OptionsJSON)
}

func (s *Server) handlePasskeyLoginComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string          `json:"sessionId"`
		Remember  bool            `json:"remember"`
		Response  json.RawMessage `json:"response"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	verified, err := s.passkeys.FinishLogin(r.Context(), req.SessionID, req.Response)
	if err != nil {
		writeError(w, r, err)
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

func (s *Server) handlePasskeyList(w http.ResponseWriter, r *http.Request) {
	userID := requestctx.UserIDFromContext(r.Context())
	credentials, err := s.passkeys.List(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	payload := make([]passkeyPayload, 0, len(credentials))
	for _, credential := range credentials {
		payload = append(payload, toPasskeyPayload(credential))
	}
	writeJSON(w, http.StatusOK, map[string]any{"passkeys": payload})
}

func (s *Server) handlePasskeyRename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	userID := requestctx.UserIDFromContext(r.Context())
	if err := s.passkeys.Rename(r.Context(), userID, r.PathValue("id"), req.Name); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handlePasskeyDelete(w http.ResponseWriter, r *http.Request) {
	userID := requestctx.UserIDFromContext(r.Context())
	if err := s.passkeys.Delete(r.Context(), userID, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

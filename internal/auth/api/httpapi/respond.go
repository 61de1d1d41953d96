package httpapi

import (
	"encoding/json"
	"log"
	"net/http"

	apperrors "github.com/lockhaven/lockhaven/internal/platform/errors"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// Client-facing messages per code. Internal error text stays in the logs.
var codeMessages = map[apperrors.Code]string{
	apperrors.CodeInvalidArgument:           "request input is invalid",
	apperrors.CodeUserInvalidEmail:          "a valid email address is required",
	apperrors.CodeUserEmptyName:             "name is required",
	apperrors.CodeEmailAlreadyRegistered:    "email is already registered",
	apperrors.CodePasswordTooWeak:           "password does not meet the minimum requirements",
	apperrors.CodeInvalidCredentials:        "invalid email or password",
	apperrors.CodePasswordAlreadySet:        "a password is already set for this account",
	apperrors.CodeSessionInvalid:            "session is invalid or expired",
	apperrors.CodeSessionPendingOnly:        "two-factor verification is required to complete sign-in",
	apperrors.CodeForbidden:                 "forbidden",
	apperrors.CodeTokenInvalidOrExpired:     "token is invalid or expired",
	apperrors.CodeTwoFactorInvalidCode:      "verification code is invalid",
	apperrors.CodeTwoFactorInvalidState:     "two-factor state does not allow this operation",
	apperrors.CodeBackupCodeInvalidOrUsed:   "backup code is invalid or already used",
	apperrors.CodePasskeyChallengeExpired:   "passkey challenge is invalid or expired",
	apperrors.CodePasskeyAttestationInvalid: "passkey could not be verified",
	apperrors.CodePasskeyCloneSuspected:     "passkey was rejected",
	apperrors.CodePasskeyLastCredential:     "cannot remove the last passkey without another sign-in method",
	apperrors.CodeAccountAlreadyLinked:      "provider account is already linked",
	apperrors.CodeLastAuthMethod:            "cannot remove the last sign-in method",
	apperrors.CodeProviderUnknown:           "unknown provider",
	apperrors.CodeNotFound:                  "not found",
	apperrors.CodeRateLimited:               "too many attempts, slow down",
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.GetCode(err)
	status := code.HTTPStatus()
	if status == http.StatusInternalServerError {
		log.Printf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	message, ok := codeMessages[code]
	if !ok {
		message = "internal error"
	}
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: string(code), Message: message}})
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := decoder.Decode(target); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "request body is not valid JSON", err)
	}
	return nil
}

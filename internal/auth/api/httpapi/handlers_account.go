package httpapi

import (
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/lockhaven/lockhaven/internal/platform/errors"
	"github.com/lockhaven/lockhaven/internal/platform/requestctx"

	"github.com/lockhaven/lockhaven/internal/auth/storage"
)

// linkedAccountPayload is the public shape of a provider link.
type linkedAccountPayload struct {
	ProviderID        string    `json:"providerId"`
	ProviderAccountID string    `json:"providerAccountId"`
	CreatedAt         time.Time `json:"createdAt"`
}

func toLinkedAccountPayload(link storage.LinkedAccount) linkedAccountPayload {
	return linkedAccountPayload{
		ProviderID:        link.ProviderID,
		ProviderAccountID: link.ProviderAccountID,
		CreatedAt:         link.CreatedAt,
	}
}

func (s *Server) handleAccountsList(w http.ResponseWriter, r *http.Request) {
	userID := requestctx.UserIDFromContext(r.Context())
	links, err := s.accounts.ListLinks(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	hasPassword, err := s.credentials.HasPassword(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	payload := make([]linkedAccountPayload, 0, len(links))
	for _, link := range links {
		payload = append(payload, toLinkedAccountPayload(link))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accounts":    payload,
		"hasPassword": hasPassword,
	})
}

func (s *Server) handleAccountLinkStart(w http.ResponseWriter, r *http.Request) {
	userID := requestctx.UserIDFromContext(r.Context())
	redirect, err := s.accounts.StartFlow(r.Context(), r.PathValue("provider"), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

func (s *Server) handleAccountLinkCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	result, err := s.accounts.CompleteFlow(r.Context(), query.Get("state"), query.Get("code"))
	if err != nil {
		target := s.cfg.AppURL + "/settings?link_error=" + url.QueryEscape(string(apperrors.GetCode(err)))
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	target := s.cfg.AppURL + "/settings?linked=1"
	if result.Created {
		target = s.cfg.AppURL + "/settings?created=1"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handleAccountUnlink(w http.ResponseWriter, r *http.Request) {
	userID := requestctx.UserIDFromContext(r.Context())
	if err := s.accounts.UnlinkProvider(r.Context(), userID, r.PathValue("provider")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

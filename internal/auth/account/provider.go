package account

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/lockhaven/lockhaven/internal/platform/config"
)

// ProviderConfig describes one external OAuth provider. Values come from
// LOCKHAVEN_PROVIDER_<NAME>_* environment variables.
type ProviderConfig struct {
	ClientID     string   `env:"CLIENT_ID"`
	ClientSecret string   `env:"CLIENT_SECRET"`
	AuthURL      string   `env:"AUTH_URL"`
	TokenURL     string   `env:"TOKEN_URL"`
	UserInfoURL  string   `env:"USERINFO_URL"`
	RedirectURI  string   `env:"REDIRECT_URI"`
	Scopes       []string `env:"SCOPES" envSeparator:","`
}

// LoadProvidersFromEnv reads configuration for each named provider. Names
// come from LOCKHAVEN_PROVIDERS; providers with no client id are skipped.
func LoadProvidersFromEnv(names []string) (map[string]ProviderConfig, error) {
	providers := make(map[string]ProviderConfig, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		var cfg ProviderConfig
		prefix := config.EnvPrefix + "PROVIDER_" + strings.ToUpper(name) + "_"
		if err := env.ParseWithOptions(&cfg, env.Options{Prefix: prefix}); err != nil {
			return nil, fmt.Errorf("parse provider %s config: %w", name, err)
		}
		if strings.TrimSpace(cfg.ClientID) == "" {
			continue
		}
		providers[name] = cfg
	}
	return providers, nil
}

// NewCodeVerifier returns a PKCE code verifier.
func NewCodeVerifier() (string, error) {
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ComputeS256Challenge derives the S256 code challenge for a verifier.
func ComputeS256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ProviderToken is the result of a code exchange.
type ProviderToken struct {
	AccessToken  string
	RefreshToken string
	Scope        string
	ExpiresAt    time.Time
	IDToken      string
}

// ProviderProfile is the identity a provider reports for its user.
type ProviderProfile struct {
	ProviderAccountID string
	Email             string
	EmailVerified     bool
	Name              string
}

// ProviderClient talks to external OAuth providers: authorization URL,
// code exchange, and userinfo.
type ProviderClient struct {
	httpClient *http.Client
	clock      func() time.Time
}

// NewProviderClient returns a provider client with a bounded HTTP timeout.
func NewProviderClient() *ProviderClient {
	return &ProviderClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		clock:      time.Now,
	}
}

// AuthorizationURL builds the provider redirect with state and an S256 PKCE
// challenge.
func (c *ProviderClient) AuthorizationURL(cfg ProviderConfig, state string, codeChallenge string) (string, error) {
	authURL, err := url.Parse(cfg.AuthURL)
	if err != nil {
		return "", fmt.Errorf("parse auth url: %w", err)
	}
	query := url.Values{}
	query.Set("response_type", "code")
	query.Set("client_id", cfg.ClientID)
	query.Set("redirect_uri", cfg.RedirectURI)
	query.Set("scope", strings.Join(cfg.Scopes, " "))
	query.Set("state", state)
	query.Set("code_challenge", codeChallenge)
	query.Set("code_challenge_method", "S256")
	authURL.RawQuery = query.Encode()
	return authURL.String(), nil
}

// ExchangeCode trades an authorization code for tokens.
func (c *ProviderClient) ExchangeCode(ctx context.Context, cfg ProviderConfig, code string, codeVerifier string) (ProviderToken, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", cfg.RedirectURI)
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)
	form.Set("code_verifier", codeVerifier)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return ProviderToken{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ProviderToken{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ProviderToken{}, fmt.Errorf("token exchange failed with status %d", resp.StatusCode)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		Scope        string `json:"scope"`
		ExpiresIn    int64  `json:"expires_in"`
		IDToken      string `json:"id_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ProviderToken{}, fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return ProviderToken{}, fmt.Errorf("token response missing access token")
	}

	expiresAt := time.Time{}
	if payload.ExpiresIn > 0 {
		expiresAt = c.clock().UTC().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	return ProviderToken{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		Scope:        payload.Scope,
		ExpiresAt:    expiresAt,
		IDToken:      payload.IDToken,
	}, nil
}

// FetchProfile loads the provider's identity claims for an access token.
func (c *ProviderClient) FetchProfile(ctx context.Context, cfg ProviderConfig, accessToken string) (ProviderProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.UserInfoURL, nil)
	if err != nil {
		return ProviderProfile{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ProviderProfile{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ProviderProfile{}, fmt.Errorf("profile request failed with status %d", resp.StatusCode)
	}

	// OIDC-style claims first; GitHub-style fields as fallback.
	var payload struct {
		Sub           string      `json:"sub"`
		ID            json.Number `json:"id"`
		Login         string      `json:"login"`
		Name          string      `json:"name"`
		Email         string      `json:"email"`
		EmailVerified bool        `json:"email_verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ProviderProfile{}, fmt.Errorf("decode profile response: %w", err)
	}

	accountID := strings.TrimSpace(payload.Sub)
	if accountID == "" {
		accountID = strings.TrimSpace(payload.ID.String())
	}
	if accountID == "" {
		return ProviderProfile{}, fmt.Errorf("profile response missing subject")
	}
	name := strings.TrimSpace(payload.Name)
	if name == "" {
		name = strings.TrimSpace(payload.Login)
	}
	if name == "" {
		name = strings.TrimSpace(payload.Email)
	}
	return ProviderProfile{
		ProviderAccountID: accountID,
		Email:             strings.TrimSpace(payload.Email),
		EmailVerified:     payload.EmailVerified,
		Name:              name,
	}, nil
}

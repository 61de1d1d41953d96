// Package mail enqueues outbound email to the outbox and dispatches it
// through a provider client in the background.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lockhaven/lockhaven/internal/platform/config"
)

// Mailer delivers one email. Implementations must be safe for concurrent
// use by the dispatcher.
type Mailer interface {
	Send(ctx context.Context, to string, subject string, html string) error
}

// ResendConfig configures the Resend HTTP client.
type ResendConfig struct {
	APIKey string `env:"RESEND_API_KEY"`
	From   string `env:"MAIL_FROM" envDefault:"Lockhaven <onboarding@resend.dev>"`
}

// LoadResendConfigFromEnv reads LOCKHAVEN_RESEND_API_KEY and
// LOCKHAVEN_MAIL_FROM.
func LoadResendConfigFromEnv() (ResendConfig, error) {
	var cfg ResendConfig
	if err := config.ParseEnvPrefixed(&cfg); err != nil {
		return ResendConfig{}, fmt.Errorf("parse mail config: %w", err)
	}
	return cfg, nil
}

// ResendMailer sends email through the Resend HTTP API.
type ResendMailer struct {
	apiKey  string
	from    string
	baseURL string
	client  *http.Client
}

// NewResendMailer returns a mailer for the given Resend credentials.
func NewResendMailer(cfg ResendConfig) (*ResendMailer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("resend api key is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("mail from address is required")
	}
	return &ResendMailer{
		apiKey:  cfg.APIKey,
		from:    cfg.From,
		baseURL: "https://api.resend.com",
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type resendSendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// Send posts one email to the Resend /emails endpoint.
func (m *ResendMailer) Send(ctx context.Context, to string, subject string, html string) error {
	if m == nil {
		return fmt.Errorf("resend mailer is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(resendSendRequest{
		From:    m.from,
		To:      []string{to},
		Subject: subject,
		HTML:    html,
	})
	if err != nil {
		return fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/emails", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("send email failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Package account links external provider identities to users and runs the
// OAuth authorization-code flow against configured providers.
package account

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/lockhaven/lockhaven/internal/platform/errors"
	"github.com/lockhaven/lockhaven/internal/platform/id"

	"github.com/lockhaven/lockhaven/internal/auth/storage"
	"github.com/lockhaven/lockhaven/internal/auth/user"
)

const flowTTL = 10 * time.Minute

var (
	// ErrAlreadyLinked indicates the provider identity belongs to another
	// user, or the user already has a link for this provider.
	ErrAlreadyLinked = apperrors.New(apperrors.CodeAccountAlreadyLinked, "provider account is already linked")
	// ErrUnknownProvider indicates the provider is not configured.
	ErrUnknownProvider = apperrors.New(apperrors.CodeProviderUnknown, "unknown provider")
	// ErrLastAuthMethod indicates unlinking would leave the user with no way
	// to sign in.
	ErrLastAuthMethod = apperrors.New(apperrors.CodeLastAuthMethod, "cannot remove the last sign-in method")
	// ErrFlowInvalid indicates the state parameter does not match a live flow.
	ErrFlowInvalid = apperrors.New(apperrors.CodeTokenInvalidOrExpired, "linking flow is invalid or expired")
)

// PasswordChecker reports whether a user has a password credential.
type PasswordChecker interface {
	HasPassword(ctx context.Context, userID string) (bool, error)
}

// PasskeyLister reports the passkey credentials registered for a user.
type PasskeyLister interface {
	ListPasskeyCredentials(ctx context.Context, userID string) ([]storage.PasskeyCredential, error)
}

// flow is one in-progress authorization-code exchange, keyed by state.
type flow struct {
	ProviderID   string
	UserID       string
	CodeVerifier string
	ExpiresAt    time.Time
}

type flowStore struct {
	mu    sync.Mutex
	flows map[string]flow
}

func newFlowStore() *flowStore {
	return &flowStore{flows: make(map[string]flow)}
}

func (s *flowStore) put(state string, f flow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[state] = f
}

// take consumes a flow. A state can be redeemed at most once.
func (s *flowStore) take(state string, now time.Time) (flow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[state]
	if !ok {
		return flow{}, false
	}
	delete(s.flows, state)
	if now.After(f.ExpiresAt) {
		return flow{}, false
	}
	return f, true
}

// Coordinator manages provider links for users.
type Coordinator struct {
	users     storage.UserStore
	accounts  storage.LinkedAccountStore
	passwords PasswordChecker
	passkeys  PasskeyLister

	providers map[string]ProviderConfig
	trusted   map[string]bool
	client    *ProviderClient
	flows     *flowStore

	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewCoordinator returns a coordinator over the given stores. Trusted
// providers may auto-link by verified email during provider sign-in.
func NewCoordinator(users storage.UserStore, accounts storage.LinkedAccountStore, passwords PasswordChecker, passkeys PasskeyLister, providers map[string]ProviderConfig, trusted []string) *Coordinator {
	trustedSet := make(map[string]bool, len(trusted))
	for _, name := range trusted {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			trustedSet[name] = true
		}
	}
	return &Coordinator{
		users:       users,
		accounts:    accounts,
		passwords:   passwords,
		passkeys:    passkeys,
		providers:   providers,
		trusted:     trustedSet,
		client:      NewProviderClient(),
		flows:       newFlowStore(),
		clock:       time.Now,
		idGenerator: id.NewID,
	}
}

// ProviderNames returns the configured provider ids in stable order.
func (c *Coordinator) ProviderNames() []string {
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Coordinator) providerConfig(providerID string) (ProviderConfig, error) {
	cfg, ok := c.providers[strings.ToLower(strings.TrimSpace(providerID))]
	if !ok {
		return ProviderConfig{}, ErrUnknownProvider
	}
	return cfg, nil
}

// StartFlow begins an authorization-code flow. userID is empty for a
// sign-in flow and set for a link flow bound to an authenticated user.
func (c *Coordinator) StartFlow(ctx context.Context, providerID string, userID string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("account coordinator is not configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	cfg, err := c.providerConfig(providerID)
	if err != nil {
		return "", err
	}
	state, err := c.idGenerator()
	if err != nil {
		return "", fmt.Errorf("generate flow state: %w", err)
	}
	verifier, err := NewCodeVerifier()
	if err != nil {
		return "", fmt.Errorf("generate code verifier: %w", err)
	}

	c.flows.put(state, flow{
		ProviderID:   strings.ToLower(strings.TrimSpace(providerID)),
		UserID:       userID,
		CodeVerifier: verifier,
		ExpiresAt:    c.clock().UTC().Add(flowTTL),
	})
	return c.client.AuthorizationURL(cfg, state, ComputeS256Challenge(verifier))
}

// FlowResult is the outcome of a completed authorization-code flow.
type FlowResult struct {
	User    user.User
	Created bool
	Linked  bool
}

// CompleteFlow redeems the callback code for the flow identified by state.
// A link flow attaches the identity to the flow's user; a sign-in flow
// resolves or creates the user the identity belongs to.
func (c *Coordinator) CompleteFlow(ctx context.Context, state string, code string) (FlowResult, error) {
	if c == nil {
		return FlowResult{}, fmt.Errorf("account coordinator is not configured")
	}
	if err := ctx.Err(); err != nil {
		return FlowResult{}, err
	}
	if strings.TrimSpace(state) == "" || strings.TrimSpace(code) == "" {
		return FlowResult{}, ErrFlowInvalid
	}

	f, ok := c.flows.take(state, c.clock().UTC())
	if !ok {
		return FlowResult{}, ErrFlowInvalid
	}
	cfg, err := c.providerConfig(f.ProviderID)
	if err != nil {
		return FlowResult{}, err
	}

	token, err := c.client.ExchangeCode(ctx, cfg, code, f.CodeVerifier)
	if err != nil {
		return FlowResult{}, fmt.Errorf("exchange authorization code: %w", err)
	}
	profile, err := c.client.FetchProfile(ctx, cfg, token.AccessToken)
	if err != nil {
		return FlowResult{}, fmt.Errorf("fetch provider profile: %w", err)
	}

	if f.UserID != "" {
		if err := c.LinkProvider(ctx, f.UserID, f.ProviderID, profile.ProviderAccountID); err != nil {
			return FlowResult{}, err
		}
		linkedUser, err := c.users.GetUser(ctx, f.UserID)
		if err != nil {
			return FlowResult{}, err
		}
		return FlowResult{User: linkedUser, Linked: true}, nil
	}
	return c.ResolveProfile(ctx, f.ProviderID, profile)
}

// LinkProvider attaches a provider identity to a user. An identity already
// owned by another user, or a second identity from the same provider,
// is rejected.
func (c *Coordinator) LinkProvider(ctx context.Context, userID string, providerID string, providerAccountID string) error {
	if c == nil {
		return fmt.Errorf("account coordinator is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	providerID = strings.ToLower(strings.TrimSpace(providerID))
	providerAccountID = strings.TrimSpace(providerAccountID)
	if userID == "" || providerID == "" || providerAccountID == "" {
		return fmt.Errorf("user id, provider id, and provider account id are required")
	}
	if _, err := c.providerConfig(providerID); err != nil {
		return err
	}

	existing, err := c.accounts.GetLinkedAccount(ctx, providerID, providerAccountID)
	switch {
	case err == nil && existing.UserID == userID:
		return nil
	case err == nil:
		return ErrAlreadyLinked
	case !apperrors.IsCode(err, apperrors.CodeNotFound):
		return err
	}

	links, err := c.accounts.ListLinkedAccountsByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, link := range links {
		if link.ProviderID == providerID {
			return ErrAlreadyLinked
		}
	}

	return c.accounts.PutLinkedAccount(ctx, storage.LinkedAccount{
		UserID:            userID,
		ProviderID:        providerID,
		ProviderAccountID: providerAccountID,
		CreatedAt:         c.clock().UTC(),
	})
}

// ResolveProfile maps a provider identity to a user for sign-in. Unknown
// identities create a new user unless the email already belongs to someone;
// trusted providers may auto-link by verified email instead.
func (c *Coordinator) ResolveProfile(ctx context.Context, providerID string, profile ProviderProfile) (FlowResult, error) {
	if c == nil {
		return FlowResult{}, fmt.Errorf("account coordinator is not configured")
	}
	if err := ctx.Err(); err != nil {
		return FlowResult{}, err
	}
	providerID = strings.ToLower(strings.TrimSpace(providerID))
	if _, err := c.providerConfig(providerID); err != nil {
		return FlowResult{}, err
	}
	if strings.TrimSpace(profile.ProviderAccountID) == "" {
		return FlowResult{}, fmt.Errorf("provider account id is required")
	}

	link, err := c.accounts.GetLinkedAccount(ctx, providerID, profile.ProviderAccountID)
	if err == nil {
		linkedUser, err := c.users.GetUser(ctx, link.UserID)
		if err != nil {
			return FlowResult{}, err
		}
		return FlowResult{User: linkedUser}, nil
	}
	if !apperrors.IsCode(err, apperrors.CodeNotFound) {
		return FlowResult{}, err
	}

	email := user.NormalizeEmail(profile.Email)
	if email != "" {
		existing, err := c.users.GetUserByEmail(ctx, email)
		switch {
		case err == nil && c.trusted[providerID] && profile.EmailVerified:
			log.Printf("account: auto-linking %s identity %s to user %s by verified email", providerID, profile.ProviderAccountID, existing.ID)
			if err := c.LinkProvider(ctx, existing.ID, providerID, profile.ProviderAccountID); err != nil {
				return FlowResult{}, err
			}
			return FlowResult{User: existing, Linked: true}, nil
		case err == nil:
			return FlowResult{}, apperrors.New(apperrors.CodeEmailAlreadyRegistered, "email already belongs to another account")
		case !apperrors.IsCode(err, apperrors.CodeNotFound):
			return FlowResult{}, err
		}
	}

	created, err := c.createUserForProfile(ctx, profile)
	if err != nil {
		return FlowResult{}, err
	}
	if err := c.LinkProvider(ctx, created.ID, providerID, profile.ProviderAccountID); err != nil {
		return FlowResult{}, err
	}
	return FlowResult{User: created, Created: true, Linked: true}, nil
}

func (c *Coordinator) createUserForProfile(ctx context.Context, profile ProviderProfile) (user.User, error) {
	name := strings.TrimSpace(profile.Name)
	if name == "" {
		name = "New user"
	}
	created, err := user.CreateUser(user.CreateUserInput{Email: profile.Email, Name: name}, c.clock, c.idGenerator)
	if err != nil {
		return user.User{}, err
	}
	created.EmailVerified = profile.EmailVerified
	if err := c.users.PutUser(ctx, created); err != nil {
		return user.User{}, err
	}
	return created, nil
}

// ListLinks returns the provider links for a user.
func (c *Coordinator) ListLinks(ctx context.Context, userID string) ([]storage.LinkedAccount, error) {
	if c == nil {
		return nil, fmt.Errorf("account coordinator is not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	return c.accounts.ListLinkedAccountsByUser(ctx, userID)
}

// UnlinkProvider removes a provider link. The removal is refused when it
// would leave the user with no password, no passkey, and no other provider.
func (c *Coordinator) UnlinkProvider(ctx context.Context, userID string, providerID string) error {
	if c == nil {
		return fmt.Errorf("account coordinator is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	providerID = strings.ToLower(strings.TrimSpace(providerID))
	if userID == "" || providerID == "" {
		return fmt.Errorf("user id and provider id are required")
	}

	links, err := c.accounts.ListLinkedAccountsByUser(ctx, userID)
	if err != nil {
		return err
	}
	found := false
	for _, link := range links {
		if link.ProviderID == providerID {
			found = true
			break
		}
	}
	if !found {
		return storage.ErrNotFound
	}

	remaining, err := c.remainingMethods(ctx, userID, providerID, links)
	if err != nil {
		return err
	}
	if remaining == 0 {
		return ErrLastAuthMethod
	}

	return c.accounts.DeleteLinkedAccount(ctx, userID, providerID)
}

// remainingMethods counts the sign-in methods the user would keep after
// removing the given provider link.
func (c *Coordinator) remainingMethods(ctx context.Context, userID string, removedProviderID string, links []storage.LinkedAccount) (int, error) {
	count := 0
	for _, link := range links {
		if link.ProviderID != removedProviderID {
			count++
		}
	}

	if c.passwords != nil {
		hasPassword, err := c.passwords.HasPassword(ctx, userID)
		if err != nil {
			return 0, err
		}
		if hasPassword {
			count++
		}
	}

	if c.passkeys != nil {
		creds, err := c.passkeys.ListPasskeyCredentials(ctx, userID)
		if err != nil {
			return 0, err
		}
		count += len(creds)
	}

	return count, nil
}

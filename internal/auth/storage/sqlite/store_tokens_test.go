package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lockhaven/lockhaven/internal/auth/storage"
)

func TestStoreConsumeVerificationToken(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
	seedUser(t, store, "user-1", "ada@example.com", now)

	if err := store.PutVerificationToken(context.Background(), storage.VerificationToken{
		Token:     "verify-1",
		UserID:    "user-1",
		Purpose:   storage.TokenPurposeEmailVerify,
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("put token: %v", err)
	}

	consumed, err := store.ConsumeVerificationToken(context.Background(), "verify-1", storage.TokenPurposeEmailVerify, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("consume token: %v", err)
	}
	if consumed.UserID != "user-1" {
		t.Fatalf("user id = %q, want %q", consumed.UserID, "user-1")
	}
	if consumed.ConsumedAt == nil {
		t.Fatal("expected consumed_at set")
	}

	if _, err := store.ConsumeVerificationToken(context.Background(), "verify-1", storage.TokenPurposeEmailVerify, now.Add(2*time.Hour)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second consume, got %v", err)
	}
}

func TestStoreConsumeVerificationTokenRejectsWrongPurpose(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
	seedUser(t, store, "user-1", "ada@example.com", now)

	if err := store.PutVerificationToken(context.Background(), storage.VerificationToken{
		Token:     "reset-1",
		UserID:    "user-1",
		Purpose:   storage.TokenPurposePasswordReset,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("put token: %v", err)
	}

	if _, err := store.ConsumeVerificationToken(context.Background(), "reset-1", storage.TokenPurposeEmailVerify, now); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for wrong purpose, got %v", err)
	}

	// The token survives the failed attempt and still works for its purpose.
	if _, err := store.ConsumeVerificationToken(context.Background(), "reset-1", storage.TokenPurposePasswordReset, now); err != nil {
		t.Fatalf("consume with correct purpose: %v", err)
	}
}

func TestStoreConsumeVerificationTokenRejectsExpired(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
	seedUser(t, store, "user-1", "ada@example.com", now)

	if err := store.PutVerificationToken(context.Background(), storage.VerificationToken{
		Token:     "verify-1",
		UserID:    "user-1",
		Purpose:   storage.TokenPurposeEmailVerify,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("put token: %v", err)
	}

	if _, err := store.ConsumeVerificationToken(context.Background(), "verify-1", storage.TokenPurposeEmailVerify, now.Add(2*time.Hour)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired token, got %v", err)
	}
}

func TestStoreConsumeVerificationTokenSingleWinner(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
	seedUser(t, store, "user-1", "ada@example.com", now)

	if err := store.PutVerificationToken(context.Background(), storage.VerificationToken{
		Token:     "verify-race",
		UserID:    "user-1",
		Purpose:   storage.TokenPurposeEmailVerify,
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("put token: %v", err)
	}

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConsumeVerificationToken(context.Background(), "verify-race", storage.TokenPurposeEmailVerify, now.Add(time.Minute))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, storage.ErrNotFound):
		default:
			t.Fatalf("unexpected consume error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("successes = %d, want exactly 1", successes)
	}
}

func TestStoreDeleteExpiredVerificationTokens(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
	seedUser(t, store, "user-1", "ada@example.com", now)

	if err := store.PutVerificationToken(context.Background(), storage.VerificationToken{
		Token:     "stale",
		UserID:    "user-1",
		Purpose:   storage.TokenPurposeEmailVerify,
		CreatedAt: now.Add(-48 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("put stale token: %v", err)
	}
	if err := store.PutVerificationToken(context.Background(), storage.VerificationToken{
		Token:     "fresh",
		UserID:    "user-1",
		Purpose:   storage.TokenPurposeEmailVerify,
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("put fresh token: %v", err)
	}

	if err := store.DeleteExpiredVerificationTokens(context.Background(), now); err != nil {
		t.Fatalf("delete expired tokens: %v", err)
	}

	if _, err := store.ConsumeVerificationToken(context.Background(), "stale", storage.TokenPurposeEmailVerify, now.Add(-2*time.Hour)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected stale token gone, got %v", err)
	}
	if _, err := store.ConsumeVerificationToken(context.Background(), "fresh", storage.TokenPurposeEmailVerify, now); err != nil {
		t.Fatalf("expected fresh token kept, got %v", err)
	}
}

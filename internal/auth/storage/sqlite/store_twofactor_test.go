package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lockhaven/lockhaven/internal/auth/storage"
)

func TestStoreTwoFactorLifecycle(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 4, 7, 0, 0, 0, time.UTC)
	seedUser(t, store, "user-1", "ada@example.com", now)

	record := storage.TwoFactor{
		UserID:    "user-1",
		Secret:    "JBSWY3DPEHPK3PXP",
		Enabled:   false,
		CreatedAt: now,
	}
	if err := store.PutTwoFactor(context.Background(), record); err != nil {
		t.Fatalf("put two factor: %v", err)
	}

	got, err := store.GetTwoFactor(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get two factor: %v", err)
	}
	if got.Enabled {
		t.Fatal("expected pending enrollment")
	}

	confirmedAt := now.Add(time.Minute)
	record.Enabled = true
	record.ConfirmedAt = &confirmedAt
	if err := store.PutTwoFactor(context.Background(), record); err != nil {
		t.Fatalf("confirm two factor: %v", err)
	}
	got, err = store.GetTwoFactor(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get confirmed two factor: %v", err)
	}
	if !got.Enabled {
		t.Fatal("expected enabled enrollment")
	}
	if got.ConfirmedAt == nil || !got.ConfirmedAt.Equal(confirmedAt) {
		t.Fatalf("confirmed at = %v, want %v", got.ConfirmedAt, confirmedAt)
	}

	if err := store.DeleteTwoFactor(context.Background(), "user-1"); err != nil {
		t.Fatalf("delete two factor: %v", err)
	}
	if _, err := store.GetTwoFactor(context.Background(), "user-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestStoreDeleteTwoFactorRemovesBackupCodes(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 4, 7, 0, 0, 0, time.UTC)
	seedUser(t, store, "user-1", "ada@example.com", now)

	if err := store.PutTwoFactor(context.Background(), storage.TwoFactor{
		UserID:    "user-1",
		Secret:    "JBSWY3DPEHPK3PXP",
		CreatedAt: now,
	}); err != nil {
		t.Fatalf("put two factor: %v", err)
	}
	if err := store.ReplaceBackupCodes(context.Background(), "user-1", []storage.BackupCode{
		{ID: "code-1", UserID: "user-1", CodeHash: "hash-1", CreatedAt: now},
		{ID: "code-2", UserID: "user-1", CodeHash: "hash-2", CreatedAt: now},
	}); err != nil {
		t.Fatalf("replace backup codes: %v", err)
	}

	if err := store.DeleteTwoFactor(context.Background(), "user-1"); err != nil {
		t.Fatalf("delete two factor: %v", err)
	}

	codes, err := store.ListBackupCodes(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list backup codes: %v", err)
	}
	if len(codes) != 0 {
		t.Fatalf("backup codes len = %d, want 0", len(codes))
	}
}

func TestStoreReplaceBackupCodesDiscardsOldSet(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 4, 7, 0, 0, 0, time.UTC)
	seedUser(t, store, "user-1", "ada@example.com", now)

	if err := store.ReplaceBackupCodes(context.Background(), "user-1", []storage.BackupCode{
		{ID: "old-1", UserID: "user-1", CodeHash: "hash-old", CreatedAt: now},
	}); err != nil {
		t.Fatalf("seed backup codes: %v", err)
	}
	if err := store.ReplaceBackupCodes(context.Background(), "user-1", []storage.BackupCode{
		{ID: "new-1", UserID: "user-1", CodeHash: "hash-new-1", CreatedAt: now},
		{ID: "new-2", UserID: "user-1", CodeHash: "hash-new-2", CreatedAt: now},
	}); err != nil {
		t.Fatalf("replace backup codes: %v", err)
	}

	codes, err := store.ListBackupCodes(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list backup codes: %v", err)
	}
	if len(codes) != 2 {
		t.Fatalf("backup codes len = %d, want 2", len(codes))
	}
	for _, code := range codes {
		if code.ID == "old-1" {
			t.Fatal("expected old code discarded")
		}
	}
}

func TestStoreConsumeBackupCodeSingleWinner(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 4, 7, 0, 0, 0, time.UTC)
	seedUser(t, store, "user-1", "ada@example.com", now)

	codes := make([]storage.BackupCode, 0, 3)
	for i := 1; i <= 3; i++ {
		codes = append(codes, storage.BackupCode{
			ID:        fmt.Sprintf("code-%d", i),
			UserID:    "user-1",
			CodeHash:  fmt.Sprintf("hash-%d", i),
			CreatedAt: now,
		})
	}
	if err := store.ReplaceBackupCodes(context.Background(), "user-1", codes); err != nil {
		t.Fatalf("replace backup codes: %v", err)
	}

	const attempts = 6
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- store.ConsumeBackupCode(context.Background(), "user-1", "code-2", now.Add(time.Minute))
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

	remaining, err := store.ListBackupCodes(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list backup codes: %v", err)
	}
	for _, code := range remaining {
		if code.ID == "code-2" && code.UsedAt == nil {
			t.Fatal("expected code-2 marked used")
		}
		if code.ID != "code-2" && code.UsedAt != nil {
			t.Fatalf("expected %s unused", code.ID)
		}
	}
}

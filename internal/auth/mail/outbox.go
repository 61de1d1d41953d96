package mail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lockhaven/lockhaven/internal/platform/id"

	"github.com/lockhaven/lockhaven/internal/auth/storage"
)

// Outbox enqueues rendered email for asynchronous dispatch.
type Outbox struct {
	store       storage.MailOutboxStore
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewOutbox returns an outbox over the given store.
func NewOutbox(store storage.MailOutboxStore) *Outbox {
	return &Outbox{
		store:       store,
		clock:       time.Now,
		idGenerator: id.NewID,
	}
}

// Enqueue stores one message for the dispatcher to pick up.
func (o *Outbox) Enqueue(ctx context.Context, recipient string, message Message) error {
	if o == nil || o.store == nil {
		return fmt.Errorf("mail outbox is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return fmt.Errorf("recipient is required")
	}

	messageID, err := o.idGenerator()
	if err != nil {
		return fmt.Errorf("generate mail message id: %w", err)
	}
	now := o.clock().UTC()
	return o.store.EnqueueMail(ctx, storage.MailMessage{
		ID:            messageID,
		Recipient:     recipient,
		Subject:       message.Subject,
		BodyHTML:      message.BodyHTML,
		Status:        storage.MailStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}

// EnqueueVerification renders and enqueues the signup verification email.
func (o *Outbox) EnqueueVerification(ctx context.Context, recipient string, name string, verifyURL string) error {
	return o.Enqueue(ctx, recipient, VerificationEmail(name, verifyURL))
}

// EnqueuePasswordReset renders and enqueues the password reset email.
func (o *Outbox) EnqueuePasswordReset(ctx context.Context, recipient string, name string, resetURL string) error {
	return o.Enqueue(ctx, recipient, PasswordResetEmail(name, resetURL))
}

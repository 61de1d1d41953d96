package mail

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lockhaven/lockhaven/internal/auth/storage"
)

const (
	defaultDispatchOwner = "mail-dispatcher"
	defaultPollInterval  = 5 * time.Second
	defaultLeaseTTL      = 30 * time.Second
	defaultLeaseLimit    = 50
	defaultMaxAttempts   = 8
	defaultRetryBackoff  = 30 * time.Second
	defaultRetryMaxDelay = 15 * time.Minute
)

// DispatcherConfig controls the background dispatch loop.
type DispatcherConfig struct {
	Owner         string
	PollInterval  time.Duration
	LeaseTTL      time.Duration
	LeaseLimit    int
	MaxAttempts   int
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
}

func (c DispatcherConfig) normalized() DispatcherConfig {
	if strings.TrimSpace(c.Owner) == "" {
		c.Owner = defaultDispatchOwner
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.LeaseLimit <= 0 {
		c.LeaseLimit = defaultLeaseLimit
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
	return c
}

// Dispatcher drains the mail outbox: lease, send, ack. Messages that keep
// failing are retried with growing delays and eventually marked dead.
type Dispatcher struct {
	store  storage.MailOutboxStore
	mailer Mailer
	cfg    DispatcherConfig
	clock  func() time.Time
}

// NewDispatcher returns a dispatcher over the given store and mailer.
func NewDispatcher(store storage.MailOutboxStore, mailer Mailer, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		store:  store,
		mailer: mailer,
		cfg:    cfg.normalized(),
		clock:  time.Now,
	}
}

// Run polls the outbox until the context is canceled. Batch failures are
// logged and the loop keeps going.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d == nil || d.store == nil || d.mailer == nil {
		return fmt.Errorf("mail dispatcher is not configured")
	}

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := d.ProcessBatch(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("mail dispatch batch: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessBatch leases due messages once and acks each send outcome.
func (d *Dispatcher) ProcessBatch(ctx context.Context) error {
	if d == nil || d.store == nil || d.mailer == nil {
		return fmt.Errorf("mail dispatcher is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := d.clock().UTC()
	leased, err := d.store.LeaseMailMessages(ctx, d.cfg.Owner, d.cfg.LeaseLimit, now, d.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("lease mail messages: %w", err)
	}

	for _, message := range leased {
		if err := d.dispatch(ctx, message); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("mail dispatch %s: %v", message.ID, err)
		}
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, message storage.MailMessage) error {
	sendErr := d.mailer.Send(ctx, message.Recipient, message.Subject, message.BodyHTML)
	now := d.clock().UTC()
	if sendErr == nil {
		return d.store.MarkMailSucceeded(ctx, message.ID, d.cfg.Owner, now)
	}

	// AttemptCount already includes the attempt that just failed.
	if message.AttemptCount >= d.cfg.MaxAttempts {
		if err := d.store.MarkMailDead(ctx, message.ID, d.cfg.Owner, sendErr.Error(), now); err != nil {
			return err
		}
		return fmt.Errorf("message is dead after %d attempts: %w", message.AttemptCount, sendErr)
	}

	nextAttemptAt := now.Add(d.retryDelay(message.AttemptCount))
	if err := d.store.MarkMailRetry(ctx, message.ID, d.cfg.Owner, nextAttemptAt, sendErr.Error()); err != nil {
		return err
	}
	return fmt.Errorf("send failed, retrying at %s: %w", nextAttemptAt.Format(time.RFC3339), sendErr)
}

// retryDelay doubles the base backoff per completed attempt, capped at the
// configured maximum.
func (d *Dispatcher) retryDelay(attemptCount int) time.Duration {
	delay := d.cfg.RetryBackoff
	for i := 1; i < attemptCount; i++ {
		delay *= 2
		if delay >= d.cfg.RetryMaxDelay {
			return d.cfg.RetryMaxDelay
		}
	}
	if delay > d.cfg.RetryMaxDelay {
		return d.cfg.RetryMaxDelay
	}
	return delay
}

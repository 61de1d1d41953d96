package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lockhaven/lockhaven/internal/auth/storage"
)

func normalizeMailMessage(message storage.MailMessage) (storage.MailMessage, error) {
	message.ID = strings.TrimSpace(message.ID)
	message.Recipient = strings.TrimSpace(message.Recipient)
	message.Subject = strings.TrimSpace(message.Subject)
	message.Status = strings.TrimSpace(message.Status)
	message.LeaseOwner = strings.TrimSpace(message.LeaseOwner)
	message.LastError = strings.TrimSpace(message.LastError)
	if message.ID == "" {
		return storage.MailMessage{}, fmt.Errorf("mail message id is required")
	}
	if message.Recipient == "" {
		return storage.MailMessage{}, fmt.Errorf("mail recipient is required")
	}
	if message.Subject == "" {
		return storage.MailMessage{}, fmt.Errorf("mail subject is required")
	}
	if message.Status == "" {
		message.Status = storage.MailStatusPending
	}
	if message.AttemptCount < 0 {
		return storage.MailMessage{}, fmt.Errorf("attempt count must be greater than or equal to zero")
	}
	now := time.Now().UTC()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = now
	}
	if message.UpdatedAt.IsZero() {
		message.UpdatedAt = message.CreatedAt
	}
	if message.NextAttemptAt.IsZero() {
		message.NextAttemptAt = message.CreatedAt
	}
	return message, nil
}

// EnqueueMail stores an outbound email for asynchronous dispatch.
func (s *Store) EnqueueMail(ctx context.Context, message storage.MailMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	normalized, err := normalizeMailMessage(message)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO mail_outbox (
	id,
	recipient,
	subject,
	body_html,
	status,
	attempt_count,
	next_attempt_at,
	lease_owner,
	lease_expires_at,
	last_error,
	processed_at,
	created_at,
	updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		normalized.ID,
		normalized.Recipient,
		normalized.Subject,
		normalized.BodyHTML,
		normalized.Status,
		normalized.AttemptCount,
		toMillis(normalized.NextAttemptAt),
		normalized.LeaseOwner,
		nullMillis(normalized.LeaseExpiresAt),
		normalized.LastError,
		nullMillis(normalized.ProcessedAt),
		toMillis(normalized.CreatedAt),
		toMillis(normalized.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("enqueue mail: %w", err)
	}
	return nil
}

func scanMailMessage(scan func(dest ...any) error) (storage.MailMessage, error) {
	var message storage.MailMessage
	var nextAttemptAt, createdAt, updatedAt int64
	var leaseExpiresAt, processedAt sql.NullInt64
	if err := scan(
		&message.ID,
		&message.Recipient,
		&message.Subject,
		&message.BodyHTML,
		&message.Status,
		&message.AttemptCount,
		&nextAttemptAt,
		&message.LeaseOwner,
		&leaseExpiresAt,
		&message.LastError,
		&processedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.MailMessage{}, err
	}
	message.NextAttemptAt = fromMillis(nextAttemptAt)
	message.CreatedAt = fromMillis(createdAt)
	message.UpdatedAt = fromMillis(updatedAt)
	message.LeaseExpiresAt = millisPtr(leaseExpiresAt)
	message.ProcessedAt = millisPtr(processedAt)
	return message, nil
}

const mailColumns = `
	id,
	recipient,
	subject,
	body_html,
	status,
	attempt_count,
	next_attempt_at,
	lease_owner,
	lease_expires_at,
	last_error,
	processed_at,
	created_at,
	updated_at
`

// GetMailMessage returns one queued email by ID.
func (s *Store) GetMailMessage(ctx context.Context, id string) (storage.MailMessage, error) {
	if err := ctx.Err(); err != nil {
		return storage.MailMessage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.MailMessage{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.MailMessage{}, fmt.Errorf("mail message id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+mailColumns+` FROM mail_outbox WHERE id = ?`, id)
	message, err := scanMailMessage(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MailMessage{}, storage.ErrNotFound
		}
		return storage.MailMessage{}, fmt.Errorf("get mail message: %w", err)
	}
	return message, nil
}

// LeaseMailMessages claims due pending messages for one dispatcher.
//
// Candidates are selected and re-stamped inside one transaction so two
// dispatcher instances never hold the same message at once. Expired leases
// are reclaimed the same way.
func (s *Store) LeaseMailMessages(ctx context.Context, owner string, limit int, now time.Time, leaseTTL time.Duration) ([]storage.MailMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, fmt.Errorf("lease owner is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if leaseTTL <= 0 {
		return nil, fmt.Errorf("lease ttl must be greater than zero")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.UTC()
	leaseExpiresAt := now.Add(leaseTTL)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("start lease transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `
SELECT id
FROM mail_outbox
WHERE (
	(status = ? AND next_attempt_at <= ?)
	OR
	(status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
)
ORDER BY next_attempt_at ASC, created_at ASC, id ASC
LIMIT ?
`,
		storage.MailStatusPending,
		toMillis(now),
		storage.MailStatusLeased,
		toMillis(now),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select lease candidates: %w", err)
	}
	candidateIDs := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan lease candidate: %w", err)
		}
		candidateIDs = append(candidateIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate lease candidates: %w", err)
	}
	rows.Close()

	leased := make([]storage.MailMessage, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		if _, err := tx.ExecContext(ctx, `
UPDATE mail_outbox
SET status = ?, lease_owner = ?, lease_expires_at = ?, attempt_count = attempt_count + 1, updated_at = ?
WHERE id = ?
`,
			storage.MailStatusLeased,
			owner,
			toMillis(leaseExpiresAt),
			toMillis(now),
			id,
		); err != nil {
			return nil, fmt.Errorf("lease mail message %s: %w", id, err)
		}

		row := tx.QueryRowContext(ctx, `SELECT `+mailColumns+` FROM mail_outbox WHERE id = ?`, id)
		message, err := scanMailMessage(row.Scan)
		if err != nil {
			return nil, fmt.Errorf("load leased mail message %s: %w", id, err)
		}
		leased = append(leased, message)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease transaction: %w", err)
	}
	return leased, nil
}

// MarkMailSucceeded finalizes a delivered message.
func (s *Store) MarkMailSucceeded(ctx context.Context, id string, owner string, processedAt time.Time) error {
	return s.finishMail(ctx, id, owner, storage.MailStatusSucceeded, "", processedAt)
}

// MarkMailDead finalizes a message that exhausted its attempts.
func (s *Store) MarkMailDead(ctx context.Context, id string, owner string, lastError string, processedAt time.Time) error {
	return s.finishMail(ctx, id, owner, storage.MailStatusDead, lastError, processedAt)
}

func (s *Store) finishMail(ctx context.Context, id string, owner string, status string, lastError string, processedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	owner = strings.TrimSpace(owner)
	if id == "" {
		return fmt.Errorf("mail message id is required")
	}
	if owner == "" {
		return fmt.Errorf("lease owner is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE mail_outbox
SET status = ?, last_error = ?, processed_at = ?, lease_owner = '', lease_expires_at = NULL, updated_at = ?
WHERE id = ? AND status = ? AND lease_owner = ?
`,
		status,
		strings.TrimSpace(lastError),
		toMillis(processedAt),
		toMillis(processedAt),
		id,
		storage.MailStatusLeased,
		owner,
	)
	if err != nil {
		return fmt.Errorf("finish mail message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish mail message rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkMailRetry releases a failed message back to pending with a new due time.
func (s *Store) MarkMailRetry(ctx context.Context, id string, owner string, nextAttemptAt time.Time, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	owner = strings.TrimSpace(owner)
	if id == "" {
		return fmt.Errorf("mail message id is required")
	}
	if owner == "" {
		return fmt.Errorf("lease owner is required")
	}

	now := time.Now().UTC()
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE mail_outbox
SET status = ?, next_attempt_at = ?, last_error = ?, lease_owner = '', lease_expires_at = NULL, updated_at = ?
WHERE id = ? AND status = ? AND lease_owner = ?
`,
		storage.MailStatusPending,
		toMillis(nextAttemptAt),
		strings.TrimSpace(lastError),
		toMillis(now),
		id,
		storage.MailStatusLeased,
		owner,
	)
	if err != nil {
		return fmt.Errorf("retry mail message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("retry mail message rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

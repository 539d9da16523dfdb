package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrNotFound is returned when a notification is not found.
var ErrNotFound = errors.New("notification not found")

// ErrConcurrentState is returned when a conditional state transition loses
// the race: the row's current state no longer matches the expected one.
var ErrConcurrentState = errors.New("concurrent state transition")

// Store handles PostgreSQL operations for the notification service.
type Store struct {
	db *sql.DB
}

// New creates a Store on an existing connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const notificationColumns = `id, user_id, type, priority, title, content, template_id,
	variables, locale, channels, metadata, state, attempts, max_retries,
	last_error, reason, is_read, created_at, updated_at, sent_at, read_at, deleted_at`

// InsertNotification inserts a notification record. The operation is
// idempotent by id: re-inserting an existing id returns the stored record
// with created=false, so callers can tell a fresh row from a duplicate.
func (s *Store) InsertNotification(ctx context.Context, n *Notification) (*Notification, bool, error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	if n.State == "" {
		n.State = StatePending
	}

	query := `
		INSERT INTO notifications (
			id, user_id, type, priority, title, content, template_id,
			variables, locale, channels, metadata, state, attempts, max_retries,
			is_read, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17
		)
		RETURNING ` + notificationColumns

	row := s.db.QueryRowContext(ctx, query,
		n.ID, n.UserID, n.Type, n.Priority, n.Title, n.Content, n.TemplateID,
		n.Variables, n.Locale, n.Channels, n.Metadata, n.State, n.Attempts, n.MaxRetries,
		n.IsRead, n.CreatedAt, n.UpdatedAt,
	)

	stored, err := scanNotification(row)
	if err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.GetByID(ctx, n.ID)
			return existing, false, getErr
		}
		return nil, false, fmt.Errorf("failed to insert notification: %w", err)
	}
	return stored, true, nil
}

// GetByID retrieves a notification by its ID, including soft-deleted rows.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`
	n, err := scanNotification(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return n, nil
}

// TransitionOpts carries the optional fields of a state transition.
type TransitionOpts struct {
	Attempts  *int
	LastError *string
	Reason    *string
	WorkerID  string
	Detail    string
}

// TransitionState performs a conditional compare-and-set state transition.
// The row must currently be in the `from` state; a mismatch yields
// ErrConcurrentState (or ErrNotFound when the row does not exist). Every
// successful transition is recorded in the audit log with its timestamp.
func (s *Store) TransitionState(ctx context.Context, id uuid.UUID, from, to State, opts TransitionOpts) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	query := `
		UPDATE notifications
		SET state = $3,
			attempts = COALESCE($4, attempts),
			last_error = COALESCE($5, last_error),
			reason = COALESCE($6, reason),
			sent_at = CASE WHEN $3 = 'SENT' THEN $7 ELSE sent_at END,
			updated_at = $7
		WHERE id = $1 AND state = $2
	`

	result, err := tx.ExecContext(ctx, query, id, from, to,
		opts.Attempts, opts.LastError, opts.Reason, now)
	if err != nil {
		return fmt.Errorf("failed to transition state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM notifications WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check notification existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConcurrentState
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (id, notification_id, from_state, to_state, detail, worker_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), id, from, to, opts.Detail, opts.WorkerID, now)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}
	return nil
}

// ListByUser returns a page of the user's notifications ordered by
// created_at desc. Soft-deleted rows are hidden.
func (s *Store) ListByUser(ctx context.Context, userID string, filter ListFilter, page Page) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE user_id = $1 AND deleted_at IS NULL`

	args := []interface{}{userID}
	argIdx := 2

	if filter.IsRead != nil {
		query += fmt.Sprintf(" AND is_read = $%d", argIdx)
		args = append(args, *filter.IsRead)
		argIdx++
	}
	if filter.Type != nil {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, *filter.Type)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, page.Limit(), page.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanNotifications(rows)
}

// MarkRead marks a notification read for its owner. Idempotent.
func (s *Store) MarkRead(ctx context.Context, id uuid.UUID, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET is_read = TRUE,
			read_at = COALESCE(read_at, $3),
			updated_at = $3
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
	`, id, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	return requireRow(result)
}

// BulkMarkRead marks a set of notifications read for the owner.
// Returns the number of rows updated.
func (s *Store) BulkMarkRead(ctx context.Context, ids []uuid.UUID, userID string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET is_read = TRUE,
			read_at = COALESCE(read_at, $3),
			updated_at = $3
		WHERE id = ANY($1) AND user_id = $2 AND deleted_at IS NULL
	`, pq.Array(strIDs), userID, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to bulk mark read: %w", err)
	}
	return result.RowsAffected()
}

// SoftDelete hides a notification from default listings.
func (s *Store) SoftDelete(ctx context.Context, id uuid.UUID, userID string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET deleted_at = $3, updated_at = $3
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
	`, id, userID, now)
	if err != nil {
		return fmt.Errorf("failed to soft delete notification: %w", err)
	}
	return requireRow(result)
}

// CountByUser returns the number of visible notifications for paging.
func (s *Store) CountByUser(ctx context.Context, userID string, filter ListFilter) (int64, error) {
	query := `SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND deleted_at IS NULL`
	args := []interface{}{userID}
	argIdx := 2
	if filter.IsRead != nil {
		query += fmt.Sprintf(" AND is_read = $%d", argIdx)
		args = append(args, *filter.IsRead)
		argIdx++
	}
	if filter.Type != nil {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, *filter.Type)
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count notifications: %w", err)
	}
	return count, nil
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID, &n.UserID, &n.Type, &n.Priority, &n.Title, &n.Content, &n.TemplateID,
		&n.Variables, &n.Locale, &n.Channels, &n.Metadata, &n.State, &n.Attempts, &n.MaxRetries,
		&n.LastError, &n.Reason, &n.IsRead, &n.CreatedAt, &n.UpdatedAt, &n.SentAt, &n.ReadAt, &n.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func scanNotifications(rows *sql.Rows) ([]*Notification, error) {
	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return notifications, nil
}

// isUniqueViolation checks for PostgreSQL error code 23505.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

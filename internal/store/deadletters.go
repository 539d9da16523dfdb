package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertDeadLetter records a message the system gave up on. The entry is
// immutable; on the first dead-lettering of a notification first_error and
// last_error coincide.
func (s *Store) InsertDeadLetter(ctx context.Context, dl *DeadLetter) error {
	if dl.ID == uuid.Nil {
		dl.ID = uuid.New()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	if dl.FirstError == "" {
		dl.FirstError = dl.LastError
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, notification_id, queue, body, first_error, last_error, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, dl.ID, dl.NotificationID, dl.Queue, dl.Body, dl.FirstError, dl.LastError, dl.Attempts, dl.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns dead letters for a queue, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, queue string, limit int) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, notification_id, queue, body, first_error, last_error, attempts, created_at
		FROM dead_letters
		WHERE queue = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var letters []*DeadLetter
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.ID, &dl.NotificationID, &dl.Queue, &dl.Body,
			&dl.FirstError, &dl.LastError, &dl.Attempts, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		letters = append(letters, &dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return letters, nil
}

// GetDeadLetterByNotification returns the most recent dead letter for a
// notification, used by the replay admin operation.
func (s *Store) GetDeadLetterByNotification(ctx context.Context, notificationID uuid.UUID) (*DeadLetter, error) {
	var dl DeadLetter
	err := s.db.QueryRowContext(ctx, `
		SELECT id, notification_id, queue, body, first_error, last_error, attempts, created_at
		FROM dead_letters
		WHERE notification_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, notificationID).Scan(&dl.ID, &dl.NotificationID, &dl.Queue, &dl.Body,
		&dl.FirstError, &dl.LastError, &dl.Attempts, &dl.CreatedAt)
	if err != nil {
		return nil, ErrNotFound
	}
	return &dl, nil
}

// PurgeDeadLetters removes all dead letters for a queue and returns the count.
func (s *Store) PurgeDeadLetters(ctx context.Context, queue string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE queue = $1`, queue)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead letters: %w", err)
	}
	return result.RowsAffected()
}

// DeadLetterCounts returns per-queue dead letter totals for the stats surface.
func (s *Store) DeadLetterCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT queue, COUNT(*) FROM dead_letters GROUP BY queue`)
	if err != nil {
		return nil, fmt.Errorf("failed to count dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int64)
	for rows.Next() {
		var queue string
		var count int64
		if err := rows.Scan(&queue, &count); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter count: %w", err)
		}
		counts[queue] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letter counts: %w", err)
	}
	return counts, nil
}

package store

import (
	"context"
	"fmt"
	"time"
)

// ArchiveOlderThan moves terminal notifications created before the cutoff
// into the archive table and flips their state to ARCHIVED. Returns the
// number of rows archived.
func (s *Store) ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin archive: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO archived_notifications (id, user_id, type, state, created_at, archived_at)
		SELECT id, user_id, type, state, created_at, $2
		FROM notifications
		WHERE created_at < $1 AND state IN ('SENT', 'DEAD')
		ON CONFLICT (id) DO NOTHING
	`, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("failed to copy rows to archive: %w", err)
	}

	archived, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get archived rows: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE notifications
		SET state = 'ARCHIVED', updated_at = $2
		WHERE created_at < $1 AND state IN ('SENT', 'DEAD')
	`, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("failed to mark rows archived: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit archive: %w", err)
	}
	return archived, nil
}

// DeleteArchivedOlderThan hard-deletes archive rows past the retention
// hard limit, along with their archived source rows.
func (s *Store) DeleteArchivedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin archive delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM notifications
		WHERE state = 'ARCHIVED' AND id IN (
			SELECT id FROM archived_notifications WHERE archived_at < $1
		)
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete archived notifications: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM archived_notifications WHERE archived_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete archive rows: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit archive delete: %w", err)
	}
	return deleted, nil
}

// PurgeUser hard-deletes every notification and archive row belonging to
// the user. Used by the admin per-user cleanup (account removal).
func (s *Store) PurgeUser(ctx context.Context, userID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin user purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete user notifications: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get purged rows: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM archived_notifications WHERE user_id = $1`, userID); err != nil {
		return 0, fmt.Errorf("failed to delete user archive rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM notification_preferences WHERE user_id = $1`, userID); err != nil {
		return 0, fmt.Errorf("failed to delete user preferences: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit user purge: %w", err)
	}
	return deleted, nil
}

// ExportArchived iterates archive rows in stable order, invoking fn per row.
// The iteration is restartable: a failed export can rerun from the start
// without side effects.
func (s *Store) ExportArchived(ctx context.Context, fn func(row ArchivedRow) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, state, created_at, archived_at
		FROM archived_notifications
		ORDER BY archived_at, id
	`)
	if err != nil {
		return fmt.Errorf("failed to export archive: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var row ArchivedRow
		if err := rows.Scan(&row.ID, &row.UserID, &row.Type, &row.State, &row.CreatedAt, &row.ArchivedAt); err != nil {
			return fmt.Errorf("failed to scan archive row: %w", err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CountOlderThan returns how many rows a cleanup pass would touch.
func (s *Store) CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE created_at < $1 AND state IN ('SENT', 'DEAD')
	`, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count cleanup candidates: %w", err)
	}
	return count, nil
}

// StateCounts returns the number of notifications per state for the stats
// surface.
func (s *Store) StateCounts(ctx context.Context) (map[State]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM notifications GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[State]int64)
	for rows.Next() {
		var state State
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan state count: %w", err)
		}
		counts[state] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating state counts: %w", err)
	}
	return counts, nil
}

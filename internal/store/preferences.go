package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DefaultPreferences are applied when a user has no stored record.
// All channels enabled, immediate delivery, no quiet hours.
func DefaultPreferences(userID, category string) *Preferences {
	return &Preferences{
		UserID:          userID,
		Category:        category,
		ChannelsEnabled: ChannelList{ChannelEmail, ChannelInApp, ChannelPush, ChannelSMS},
		Frequency:       FrequencyImmediate,
		DeferInQuiet:    true,
	}
}

// GetPreferences resolves the effective preferences for (user, category).
// The most specific record wins: (user, category) over (user, "*") over
// the built-in defaults.
func (s *Store) GetPreferences(ctx context.Context, userID, category string) (*Preferences, error) {
	query := `
		SELECT user_id, category, channels_enabled, frequency,
			quiet_start, quiet_end, timezone, defer_in_quiet, updated_at
		FROM notification_preferences
		WHERE user_id = $1 AND category IN ($2, '*')
		ORDER BY (category = '*') ASC
		LIMIT 1
	`

	var p Preferences
	var quietStart, quietEnd, timezone sql.NullString
	err := s.db.QueryRowContext(ctx, query, userID, category).Scan(
		&p.UserID, &p.Category, &p.ChannelsEnabled, &p.Frequency,
		&quietStart, &quietEnd, &timezone, &p.DeferInQuiet, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DefaultPreferences(userID, category), nil
		}
		return nil, fmt.Errorf("failed to get preferences: %w", err)
	}

	p.QuietStart = quietStart.String
	p.QuietEnd = quietEnd.String
	p.Timezone = timezone.String
	return &p, nil
}

// ListPreferences returns all stored preference records for a user.
func (s *Store) ListPreferences(ctx context.Context, userID string) ([]*Preferences, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, category, channels_enabled, frequency,
			quiet_start, quiet_end, timezone, defer_in_quiet, updated_at
		FROM notification_preferences
		WHERE user_id = $1
		ORDER BY category
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list preferences: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var prefs []*Preferences
	for rows.Next() {
		var p Preferences
		var quietStart, quietEnd, timezone sql.NullString
		if err := rows.Scan(
			&p.UserID, &p.Category, &p.ChannelsEnabled, &p.Frequency,
			&quietStart, &quietEnd, &timezone, &p.DeferInQuiet, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan preferences: %w", err)
		}
		p.QuietStart = quietStart.String
		p.QuietEnd = quietEnd.String
		p.Timezone = timezone.String
		prefs = append(prefs, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating preferences: %w", err)
	}
	return prefs, nil
}

// UpsertPreferences stores a preference record for (user, category).
func (s *Store) UpsertPreferences(ctx context.Context, p *Preferences) error {
	if p.Category == "" {
		p.Category = "*"
	}
	p.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_preferences (
			user_id, category, channels_enabled, frequency,
			quiet_start, quiet_end, timezone, defer_in_quiet, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, category) DO UPDATE SET
			channels_enabled = EXCLUDED.channels_enabled,
			frequency = EXCLUDED.frequency,
			quiet_start = EXCLUDED.quiet_start,
			quiet_end = EXCLUDED.quiet_end,
			timezone = EXCLUDED.timezone,
			defer_in_quiet = EXCLUDED.defer_in_quiet,
			updated_at = EXCLUDED.updated_at
	`, p.UserID, p.Category, p.ChannelsEnabled, p.Frequency,
		nullable(p.QuietStart), nullable(p.QuietEnd), nullable(p.Timezone),
		p.DeferInQuiet, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert preferences: %w", err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

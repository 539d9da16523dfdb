package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrTemplateNotFound is returned when no template row matches.
var ErrTemplateNotFound = errors.New("template not found")

// GetTemplate fetches a template for (id, channel, locale), falling back to
// the default locale when the requested one is absent.
func (s *Store) GetTemplate(ctx context.Context, id string, channel Channel, locale, defaultLocale string) (*Template, error) {
	query := `
		SELECT id, channel, locale, subject, body, html, version, updated_at
		FROM notification_templates
		WHERE id = $1 AND channel = $2 AND locale IN ($3, $4)
		ORDER BY (locale = $4) ASC
		LIMIT 1
	`

	var t Template
	var subject sql.NullString
	err := s.db.QueryRowContext(ctx, query, id, channel, locale, defaultLocale).Scan(
		&t.ID, &t.Channel, &t.Locale, &subject, &t.Body, &t.HTML, &t.Version, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	t.Subject = subject.String
	return &t, nil
}

// UpsertTemplate stores a template, bumping the version monotonically so
// cache entries keyed by the old version age out instead of serving stale
// bodies.
func (s *Store) UpsertTemplate(ctx context.Context, t *Template) (*Template, error) {
	t.UpdatedAt = time.Now().UTC()

	query := `
		INSERT INTO notification_templates (id, channel, locale, subject, body, html, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
		ON CONFLICT (id, channel, locale) DO UPDATE SET
			subject = EXCLUDED.subject,
			body = EXCLUDED.body,
			html = EXCLUDED.html,
			version = notification_templates.version + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING id, channel, locale, subject, body, html, version, updated_at
	`

	var stored Template
	var subject sql.NullString
	err := s.db.QueryRowContext(ctx, query,
		t.ID, t.Channel, t.Locale, nullable(t.Subject), t.Body, t.HTML, t.UpdatedAt,
	).Scan(
		&stored.ID, &stored.Channel, &stored.Locale, &subject,
		&stored.Body, &stored.HTML, &stored.Version, &stored.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert template: %w", err)
	}
	stored.Subject = subject.String
	return &stored, nil
}

// DeleteTemplate removes all locale variants of a template channel pair.
func (s *Store) DeleteTemplate(ctx context.Context, id string, channel Channel) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM notification_templates WHERE id = $1 AND channel = $2`, id, channel)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

// ListTemplates returns every stored template.
func (s *Store) ListTemplates(ctx context.Context) ([]*Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, locale, subject, body, html, version, updated_at
		FROM notification_templates
		ORDER BY id, channel, locale
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var templates []*Template
	for rows.Next() {
		var t Template
		var subject sql.NullString
		if err := rows.Scan(&t.ID, &t.Channel, &t.Locale, &subject, &t.Body, &t.HTML, &t.Version, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		t.Subject = subject.String
		templates = append(templates, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating templates: %w", err)
	}
	return templates, nil
}

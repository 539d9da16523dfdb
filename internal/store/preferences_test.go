package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func preferenceRows(p *Preferences) *sqlmock.Rows {
	channels, _ := p.ChannelsEnabled.Value()
	return sqlmock.NewRows([]string{
		"user_id", "category", "channels_enabled", "frequency",
		"quiet_start", "quiet_end", "timezone", "defer_in_quiet", "updated_at",
	}).AddRow(
		p.UserID, p.Category, channels, p.Frequency,
		p.QuietStart, p.QuietEnd, p.Timezone, p.DeferInQuiet, p.UpdatedAt,
	)
}

func TestGetPreferences(t *testing.T) {
	st, mock := newMockStore(t)

	stored := &Preferences{
		UserID:          "user-1",
		Category:        "SYSTEM_ALERT",
		ChannelsEnabled: ChannelList{ChannelInApp},
		Frequency:       FrequencyDigestDaily,
		QuietStart:      "22:00",
		QuietEnd:        "08:00",
		Timezone:        "Europe/Berlin",
		DeferInQuiet:    true,
		UpdatedAt:       time.Now(),
	}
	mock.ExpectQuery(`SELECT .* FROM notification_preferences`).
		WithArgs("user-1", "SYSTEM_ALERT").
		WillReturnRows(preferenceRows(stored))

	p, err := st.GetPreferences(context.Background(), "user-1", "SYSTEM_ALERT")
	require.NoError(t, err)
	assert.Equal(t, "SYSTEM_ALERT", p.Category)
	assert.Equal(t, FrequencyDigestDaily, p.Frequency)
	assert.Equal(t, "22:00", p.QuietStart)
	assert.Equal(t, "Europe/Berlin", p.Timezone)
}

func TestGetPreferencesDefaults(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM notification_preferences`).
		WithArgs("user-1", "SYSTEM_ALERT").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	p, err := st.GetPreferences(context.Background(), "user-1", "SYSTEM_ALERT")
	require.NoError(t, err)
	assert.Equal(t, FrequencyImmediate, p.Frequency)
	assert.True(t, p.DeferInQuiet)
	assert.Len(t, p.ChannelsEnabled, 4)
	assert.Empty(t, p.QuietStart)
}

func TestUpsertPreferencesDefaultsCategory(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO notification_preferences`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	p := &Preferences{
		UserID:          "user-1",
		ChannelsEnabled: ChannelList{ChannelEmail},
		Frequency:       FrequencyImmediate,
	}
	require.NoError(t, st.UpsertPreferences(context.Background(), p))
	assert.Equal(t, "*", p.Category)
	assert.NoError(t, mock.ExpectationsWereMet())
}

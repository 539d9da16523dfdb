package policy

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivehub/notify/internal/store"
)

type fakePrefs struct {
	prefs *store.Preferences
	err   error
}

func (f *fakePrefs) GetPreferences(context.Context, string, string) (*store.Preferences, error) {
	return f.prefs, f.err
}

type fakeRevocations struct {
	revoked bool
}

func (f *fakeRevocations) IsUserRevoked(context.Context, string) bool {
	return f.revoked
}

func defaultPrefs() *store.Preferences {
	return &store.Preferences{
		UserID:          "user-1",
		Category:        "*",
		ChannelsEnabled: store.ChannelList{store.ChannelEmail, store.ChannelInApp},
		Frequency:       store.FrequencyImmediate,
		DeferInQuiet:    true,
	}
}

func newTestGate(prefs *store.Preferences, revoked bool) *Gate {
	return NewGate(&fakePrefs{prefs: prefs}, &fakeRevocations{revoked: revoked}, nil)
}

func notification(channels ...store.Channel) *store.Notification {
	return &store.Notification{
		ID:       uuid.New(),
		UserID:   "user-1",
		Type:     store.TypeSystemAlert,
		Priority: store.PriorityNormal,
		Channels: channels,
	}
}

func TestEvaluatePassThrough(t *testing.T) {
	gate := newTestGate(defaultPrefs(), false)

	d, err := gate.Evaluate(context.Background(), notification(store.ChannelEmail, store.ChannelInApp), time.Now())
	require.NoError(t, err)
	assert.False(t, d.Suppressed)
	assert.Equal(t, store.ChannelList{store.ChannelEmail, store.ChannelInApp}, d.Channels)
	assert.Empty(t, d.Deferred)
	assert.Empty(t, d.Digested)
}

func TestEvaluateRevoked(t *testing.T) {
	gate := newTestGate(defaultPrefs(), true)

	d, err := gate.Evaluate(context.Background(), notification(store.ChannelEmail), time.Now())
	require.NoError(t, err)
	assert.True(t, d.Suppressed)
	assert.Equal(t, "revoked", d.Reason)
}

func TestEvaluateFrequencyOff(t *testing.T) {
	prefs := defaultPrefs()
	prefs.Frequency = store.FrequencyOff
	gate := newTestGate(prefs, false)

	d, err := gate.Evaluate(context.Background(), notification(store.ChannelEmail), time.Now())
	require.NoError(t, err)
	assert.True(t, d.Suppressed)
	assert.Equal(t, "frequency_off", d.Reason)
}

func TestEvaluateChannelOptOut(t *testing.T) {
	prefs := defaultPrefs()
	prefs.ChannelsEnabled = store.ChannelList{store.ChannelInApp}
	gate := newTestGate(prefs, false)

	d, err := gate.Evaluate(context.Background(), notification(store.ChannelEmail, store.ChannelInApp), time.Now())
	require.NoError(t, err)
	assert.Equal(t, store.ChannelList{store.ChannelInApp}, d.Channels)
}

func TestEvaluateAllChannelsOptedOut(t *testing.T) {
	prefs := defaultPrefs()
	prefs.ChannelsEnabled = store.ChannelList{}
	gate := newTestGate(prefs, false)

	d, err := gate.Evaluate(context.Background(), notification(store.ChannelEmail), time.Now())
	require.NoError(t, err)
	assert.True(t, d.Suppressed)
	assert.Equal(t, "suppressed", d.Reason)
}

func TestEvaluateDefaultsToEnabledChannels(t *testing.T) {
	gate := newTestGate(defaultPrefs(), false)

	d, err := gate.Evaluate(context.Background(), notification(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, store.ChannelList{store.ChannelEmail, store.ChannelInApp}, d.Channels)
}

func TestEvaluateQuietHoursDefers(t *testing.T) {
	prefs := defaultPrefs()
	prefs.QuietStart = "22:00"
	prefs.QuietEnd = "08:00"
	gate := newTestGate(prefs, false)

	// 23:30 UTC, inside the wrapped window; due at 08:00 the next day.
	now := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	d, err := gate.Evaluate(context.Background(), notification(store.ChannelEmail), now)
	require.NoError(t, err)
	assert.False(t, d.Suppressed)
	assert.Empty(t, d.Channels)
	assert.Equal(t, store.ChannelList{store.ChannelEmail}, d.Deferred)
	assert.Equal(t, time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC), d.DeferUntil)
}

func TestEvaluateQuietHoursEarlyMorning(t *testing.T) {
	prefs := defaultPrefs()
	prefs.QuietStart = "22:00"
	prefs.QuietEnd = "08:00"
	gate := newTestGate(prefs, false)

	// 06:00 is still inside the wrapped window; due at 08:00 today.
	now := time.Date(2026, 3, 11, 6, 0, 0, 0, time.UTC)
	d, err := gate.Evaluate(context.Background(), notification(store.ChannelInApp), now)
	require.NoError(t, err)
	assert.Equal(t, store.ChannelList{store.ChannelInApp}, d.Deferred)
	assert.Equal(t, time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC), d.DeferUntil)
}

func TestEvaluateQuietHoursOutsideWindow(t *testing.T) {
	prefs := defaultPrefs()
	prefs.QuietStart = "22:00"
	prefs.QuietEnd = "08:00"
	gate := newTestGate(prefs, false)

	now := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
	d, err := gate.Evaluate(context.Background(), notification(store.ChannelEmail), now)
	require.NoError(t, err)
	assert.Equal(t, store.ChannelList{store.ChannelEmail}, d.Channels)
	assert.Empty(t, d.Deferred)
}

func TestEvaluateCriticalBypassesQuietHours(t *testing.T) {
	prefs := defaultPrefs()
	prefs.QuietStart = "22:00"
	prefs.QuietEnd = "08:00"
	gate := newTestGate(prefs, false)

	n := notification(store.ChannelEmail)
	n.Priority = store.PriorityCritical

	now := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	d, err := gate.Evaluate(context.Background(), n, now)
	require.NoError(t, err)
	assert.Equal(t, store.ChannelList{store.ChannelEmail}, d.Channels)
	assert.Empty(t, d.Deferred)
}

func TestEvaluateCriticalStillRespectsOptOut(t *testing.T) {
	prefs := defaultPrefs()
	prefs.ChannelsEnabled = store.ChannelList{store.ChannelInApp}
	gate := newTestGate(prefs, false)

	n := notification(store.ChannelEmail)
	n.Priority = store.PriorityCritical

	d, err := gate.Evaluate(context.Background(), n, time.Now())
	require.NoError(t, err)
	assert.True(t, d.Suppressed)
}

func TestEvaluateQuietDropWhenDeferDisabled(t *testing.T) {
	prefs := defaultPrefs()
	prefs.QuietStart = "22:00"
	prefs.QuietEnd = "08:00"
	prefs.DeferInQuiet = false
	gate := newTestGate(prefs, false)

	now := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	d, err := gate.Evaluate(context.Background(), notification(store.ChannelEmail), now)
	require.NoError(t, err)
	assert.True(t, d.Suppressed)
	assert.Equal(t, "quiet_hours", d.Reason)
	assert.Empty(t, d.Deferred)
}

func TestEvaluateQuietHoursTimezone(t *testing.T) {
	prefs := defaultPrefs()
	prefs.QuietStart = "22:00"
	prefs.QuietEnd = "08:00"
	prefs.Timezone = "America/New_York"
	gate := newTestGate(prefs, false)

	// 03:30 UTC in March is 23:30 or 22:30 in New York, inside quiet hours
	// either way.
	now := time.Date(2026, 3, 11, 3, 30, 0, 0, time.UTC)
	d, err := gate.Evaluate(context.Background(), notification(store.ChannelEmail), now)
	require.NoError(t, err)
	assert.Equal(t, store.ChannelList{store.ChannelEmail}, d.Deferred)
}

func TestEvaluateDigest(t *testing.T) {
	prefs := defaultPrefs()
	prefs.Frequency = store.FrequencyDigestDaily
	gate := newTestGate(prefs, false)

	d, err := gate.Evaluate(context.Background(), notification(store.ChannelEmail), time.Now())
	require.NoError(t, err)
	assert.True(t, d.Suppressed)
	assert.Equal(t, "digested", d.Reason)
	assert.Equal(t, store.ChannelList{store.ChannelEmail}, d.Digested)
}

func TestDigestBucket(t *testing.T) {
	at := time.Date(2026, 8, 24, 13, 45, 0, 0, time.UTC)

	assert.Equal(t, "2026082413", digestBucket(store.FrequencyDigestHourly, at))
	assert.Equal(t, "20260824", digestBucket(store.FrequencyDigestDaily, at))
	assert.Equal(t, "2026W35", digestBucket(store.FrequencyDigestWeekly, at))
}

func TestInQuietHoursSameDayWindow(t *testing.T) {
	prefs := defaultPrefs()
	prefs.QuietStart = "13:00"
	prefs.QuietEnd = "15:00"

	in, end := inQuietHours(prefs, time.Date(2026, 3, 11, 14, 0, 0, 0, time.UTC))
	assert.True(t, in)
	assert.Equal(t, time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC), end)

	in, _ = inQuietHours(prefs, time.Date(2026, 3, 11, 16, 0, 0, 0, time.UTC))
	assert.False(t, in)
}

func TestInQuietHoursUnsetWindow(t *testing.T) {
	in, _ := inQuietHours(defaultPrefs(), time.Now())
	assert.False(t, in)
}

func TestInQuietHoursMalformedClock(t *testing.T) {
	prefs := defaultPrefs()
	prefs.QuietStart = "not-a-clock"
	prefs.QuietEnd = "08:00"

	in, _ := inQuietHours(prefs, time.Now())
	assert.False(t, in)
}

// Package policy decides whether, when, and on which channels a
// notification may be delivered.
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/hivehub/notify/internal/cache"
	"github.com/hivehub/notify/internal/store"
	"github.com/hivehub/notify/internal/telemetry"
)

// PreferenceSource resolves effective preferences; satisfied by *store.Store.
type PreferenceSource interface {
	GetPreferences(ctx context.Context, userID, category string) (*store.Preferences, error)
}

// RevocationSource answers whether a recipient is globally revoked;
// satisfied by *blacklist.Store.
type RevocationSource interface {
	IsUserRevoked(ctx context.Context, userID string) bool
}

// Decision is the outcome of evaluating a notification against the
// recipient's preferences.
type Decision struct {
	// Channels that survive gating and should be delivered now.
	Channels store.ChannelList
	// Deferred channels held back by quiet hours, due at DeferUntil.
	Deferred   store.ChannelList
	DeferUntil time.Time
	// Digested channels appended to the digest buffer; not delivered now.
	Digested store.ChannelList
	// Suppressed is set when nothing survives; Reason explains why.
	Suppressed bool
	Reason     string
}

// Gate enforces revocation, channel opt-in, quiet hours, and digest
// frequency.
type Gate struct {
	prefs       PreferenceSource
	revocations RevocationSource
	shared      *cache.Service
	digestTTL   time.Duration
}

// NewGate creates a policy gate. The shared cache backs the digest buffer.
func NewGate(prefs PreferenceSource, revocations RevocationSource, shared *cache.Service) *Gate {
	return &Gate{
		prefs:       prefs,
		revocations: revocations,
		shared:      shared,
		digestTTL:   8 * 24 * time.Hour,
	}
}

// Evaluate applies the policy chain to a notification at the given instant.
// CRITICAL priority bypasses quiet hours but still respects channel opt-out.
func (g *Gate) Evaluate(ctx context.Context, n *store.Notification, now time.Time) (*Decision, error) {
	if g.revocations != nil && g.revocations.IsUserRevoked(ctx, n.UserID) {
		return &Decision{Suppressed: true, Reason: "revoked"}, nil
	}

	prefs, err := g.prefs.GetPreferences(ctx, n.UserID, string(n.Type))
	if err != nil {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}

	if prefs.Frequency == store.FrequencyOff {
		return &Decision{Suppressed: true, Reason: "frequency_off"}, nil
	}

	requested := n.Channels
	if len(requested) == 0 {
		// No channels requested: derive from preferences.
		requested = prefs.ChannelsEnabled
	}

	decision := &Decision{}

	inQuiet, quietEnd := inQuietHours(prefs, now)
	digest := prefs.Frequency != store.FrequencyImmediate

	for _, ch := range requested {
		if !prefs.ChannelsEnabled.Contains(ch) {
			continue
		}

		if digest {
			decision.Digested = append(decision.Digested, ch)
			continue
		}

		if inQuiet && n.Priority.Rank() < store.PriorityCritical.Rank() {
			if prefs.DeferInQuiet {
				decision.Deferred = append(decision.Deferred, ch)
				decision.DeferUntil = quietEnd
			}
			// defer_in_quiet=false drops the channel outright
			continue
		}

		decision.Channels = append(decision.Channels, ch)
	}

	if len(decision.Digested) > 0 {
		if err := g.appendToDigest(ctx, n, prefs); err != nil {
			telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
				"operation":       "digest_append",
				"notification_id": n.ID.String(),
			}).Warnf("failed to buffer digest entry: %v", err)
		}
	}

	if len(decision.Channels) == 0 && len(decision.Deferred) == 0 {
		decision.Suppressed = true
		switch {
		case len(decision.Digested) > 0:
			decision.Reason = "digested"
		case inQuiet:
			decision.Reason = "quiet_hours"
		default:
			decision.Reason = "suppressed"
		}
	}

	return decision, nil
}

// appendToDigest buffers the notification reference under
// digest:{user}:{category}:{bucket}. Emitting the digest itself is handled
// by a separate cadence outside this gate.
func (g *Gate) appendToDigest(ctx context.Context, n *store.Notification, prefs *store.Preferences) error {
	if g.shared == nil {
		return nil
	}
	bucket := digestBucket(prefs.Frequency, time.Now().UTC())
	key := fmt.Sprintf("digest:%s:%s:%s", n.UserID, n.Type, bucket)
	return g.shared.RPush(ctx, key, g.digestTTL, n.ID.String())
}

func digestBucket(freq store.Frequency, now time.Time) string {
	switch freq {
	case store.FrequencyDigestHourly:
		return now.Format("2006010215")
	case store.FrequencyDigestWeekly:
		year, week := now.ISOWeek()
		return fmt.Sprintf("%04dW%02d", year, week)
	default:
		return now.Format("20060102")
	}
}

// inQuietHours reports whether now falls in the preference's quiet window,
// and the instant the window ends. The window may wrap midnight
// (22:00-08:00).
func inQuietHours(prefs *store.Preferences, now time.Time) (bool, time.Time) {
	if prefs.QuietStart == "" || prefs.QuietEnd == "" {
		return false, time.Time{}
	}

	loc := time.UTC
	if prefs.Timezone != "" {
		if l, err := time.LoadLocation(prefs.Timezone); err == nil {
			loc = l
		}
	}

	local := now.In(loc)
	start, ok1 := atClock(local, prefs.QuietStart)
	end, ok2 := atClock(local, prefs.QuietEnd)
	if !ok1 || !ok2 {
		return false, time.Time{}
	}

	if !start.After(end) {
		// Same-day window, e.g. 13:00-15:00.
		if !local.Before(start) && local.Before(end) {
			return true, end
		}
		return false, time.Time{}
	}

	// Window wraps midnight, e.g. 22:00-08:00.
	if !local.Before(start) {
		return true, end.AddDate(0, 0, 1)
	}
	if local.Before(end) {
		return true, end
	}
	return false, time.Time{}
}

// atClock returns today's instant for an "HH:MM" clock string in the same
// location as ref.
func atClock(ref time.Time, clock string) (time.Time, bool) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour(), t.Minute(), 0, 0, ref.Location()), true
}

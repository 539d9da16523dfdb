// Package blacklist tracks revoked JWTs and revoked users in Redis.
//
// Individual tokens are keyed by JTI with a TTL matching the token's
// remaining lifetime. Whole-user revocation uses an epoch: tokens issued
// before the user's epoch are rejected without enumerating them.
package blacklist

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/hivehub/notify/internal/cache"
	"github.com/hivehub/notify/internal/telemetry"
)

// Store answers revocation queries. Lookups fail closed: if Redis is
// unreachable the token is treated as revoked, since accepting a
// possibly-revoked credential is the worse failure mode.
type Store struct {
	shared *cache.Service
}

// NewStore creates a blacklist store backed by the shared cache.
func NewStore(shared *cache.Service) *Store {
	return &Store{shared: shared}
}

func tokenKey(jti string) string {
	return "blacklist:token:" + jti
}

func epochKey(userID string) string {
	return "blacklist:user-epoch:" + userID
}

// BlacklistToken revokes a single token until its natural expiry.
func (s *Store) BlacklistToken(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil // already expired
	}
	if err := s.shared.SetString(ctx, tokenKey(jti), "1", ttl); err != nil {
		return fmt.Errorf("failed to blacklist token: %w", err)
	}
	return nil
}

// BlacklistAllForUser revokes every token issued to the user before now.
// The epoch persists for maxTokenLifetime, after which all pre-epoch
// tokens have expired on their own.
func (s *Store) BlacklistAllForUser(ctx context.Context, userID string, maxTokenLifetime time.Duration) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	if err := s.shared.SetString(ctx, epochKey(userID), now, maxTokenLifetime); err != nil {
		return fmt.Errorf("failed to set user revocation epoch: %w", err)
	}
	return nil
}

// IsBlacklisted reports whether a token is revoked, either individually or
// by a user epoch newer than the token's issue time.
func (s *Store) IsBlacklisted(ctx context.Context, jti, userID string, issuedAt time.Time) bool {
	exists, err := s.shared.Exists(ctx, tokenKey(jti))
	if err != nil {
		telemetry.LogFromContext(ctx).WithField("operation", "blacklist_check").
			Warnf("blacklist lookup failed, rejecting token: %v", err)
		return true
	}
	if exists {
		return true
	}

	raw, err := s.shared.GetString(ctx, epochKey(userID))
	if err != nil {
		if err == cache.ErrCacheMiss {
			return false
		}
		telemetry.LogFromContext(ctx).WithField("operation", "blacklist_check").
			Warnf("epoch lookup failed, rejecting token: %v", err)
		return true
	}
	epoch, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return true
	}
	return issuedAt.Unix() < epoch
}

// IsUserRevoked reports whether the user currently has a revocation epoch.
// Used by the delivery policy gate; like token checks it fails closed.
func (s *Store) IsUserRevoked(ctx context.Context, userID string) bool {
	exists, err := s.shared.Exists(ctx, epochKey(userID))
	if err != nil {
		telemetry.LogFromContext(ctx).WithField("operation", "revocation_check").
			Warnf("revocation lookup failed, suppressing delivery: %v", err)
		return true
	}
	return exists
}

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"custodian.org/internal/ids"
	"custodian.org/internal/obs"
)

const (
	DefaultRefreshTTL = 14 * 24 * time.Hour
	refreshTokenBytes = 48
)

// RefreshLedger is the only component that mints, rotates or revokes refresh records.
type RefreshLedger struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

func NewRefreshLedger(store Store, ttl time.Duration, now func() time.Time) *RefreshLedger {
	if ttl <= 0 {
		ttl = DefaultRefreshTTL
	}
	if now == nil {
		now = time.Now
	}
	return &RefreshLedger{store: store, ttl: ttl, now: now}
}

// HashRefreshToken returns the hex SHA-256 under which a raw token is stored.
func HashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (l *RefreshLedger) newRecord(accountID string) (string, *RefreshToken, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("refresh token entropy: %w", err)
	}
	raw := base64.RawURLEncoding.EncodeToString(buf)
	now := l.now().UTC()
	return raw, &RefreshToken{
		ID:        ids.NewAt(now),
		AccountID: accountID,
		TokenHash: HashRefreshToken(raw),
		ExpiresAt: now.Add(l.ttl),
		CreatedAt: now,
	}, nil
}

// Mint creates a fresh refresh record and returns its raw value.
func (l *RefreshLedger) Mint(ctx context.Context, accountID string) (string, RefreshToken, error) {
	raw, rec, err := l.newRecord(accountID)
	if err != nil {
		return "", RefreshToken{}, err
	}
	if err := l.store.RefreshTokens(ctx).Create(ctx, rec); err != nil {
		return "", RefreshToken{}, fmt.Errorf("store refresh token: %w", err)
	}
	return raw, *rec, nil
}

// Rotate exchanges raw for a successor. Exactly one of several concurrent callers presenting
// the same raw value succeeds. A rotated value presented again revokes every live record of
// its account and returns ErrTokenReuse together with the old record.
func (l *RefreshLedger) Rotate(ctx context.Context, raw string) (string, RefreshToken, RefreshToken, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", RefreshToken{}, RefreshToken{}, ErrTokenNotFound
	}
	prev, err := l.Lookup(ctx, raw)
	if err != nil {
		return "", RefreshToken{}, RefreshToken{}, err
	}
	nextRaw, next, err := l.newRecord(prev.AccountID)
	if err != nil {
		return "", RefreshToken{}, RefreshToken{}, err
	}

	old, err := l.store.RefreshTokens(ctx).Rotate(ctx, prev.TokenHash, next, l.now().UTC())
	if old != nil {
		prev = *old
	}
	switch {
	case errors.Is(err, ErrTokenReuse):
		revoked, rerr := l.RevokeAll(ctx, prev.AccountID)
		if rerr != nil {
			return "", RefreshToken{}, prev, rerr
		}
		obs.ObserveSessionEvent("reuse_rejected")
		obs.Logger().Warn("refresh_token_reuse",
			zap.String("account_id", prev.AccountID),
			zap.String("token_id", prev.ID),
			zap.Int64("revoked", revoked),
		)
		return "", RefreshToken{}, prev, ErrTokenReuse
	case err != nil:
		return "", RefreshToken{}, prev, err
	}
	return nextRaw, *next, prev, nil
}

// Revoke ends one session. Unknown or already revoked values are accepted silently.
func (l *RefreshLedger) Revoke(ctx context.Context, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	return l.store.RefreshTokens(ctx).Revoke(ctx, HashRefreshToken(raw))
}

// RevokeAll revokes every live refresh record of accountID.
func (l *RefreshLedger) RevokeAll(ctx context.Context, accountID string) (int64, error) {
	n, err := l.store.RefreshTokens(ctx).RevokeByAccount(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens: %w", err)
	}
	return n, nil
}

// Lookup resolves raw to its stored record without changing it.
func (l *RefreshLedger) Lookup(ctx context.Context, raw string) (RefreshToken, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return RefreshToken{}, ErrTokenNotFound
	}
	rec, err := l.store.RefreshTokens(ctx).FindByHash(ctx, HashRefreshToken(raw))
	if err != nil {
		return RefreshToken{}, err
	}
	return *rec, nil
}

// TTL is the refresh record lifetime.
func (l *RefreshLedger) TTL() time.Duration { return l.ttl }

package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Accounts(ctx context.Context) AccountStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
}

// AccountStore manages accounts. Lookups by email expect a normalized address.
type AccountStore interface {
	Create(ctx context.Context, a *Account) error
	Find(ctx context.Context, id string) (*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)
	List(ctx context.Context) ([]*Account, error)
	Stats(ctx context.Context) (Stats, error)
	// MarkChallengeIssued records a fresh challenge and marks it pending.
	MarkChallengeIssued(ctx context.Context, id string, at time.Time) error
	// MarkChallengeResent does the same only if no challenge was issued after cutoff.
	// It reports false when the cooldown is still running.
	MarkChallengeResent(ctx context.Context, id string, at, cutoff time.Time) (bool, error)
	// ConsumeChallenge clears the pending flag and reports whether this call cleared it.
	ConsumeChallenge(ctx context.Context, id string) (bool, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	UpdateEmail(ctx context.Context, id, email string) error
	UpdateRole(ctx context.Context, id string, role Role) error
}

// RefreshTokenStore manages refresh token lifecycle.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	FindByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// Rotate exchanges the record identified by oldHash for next in one atomic step,
	// serialized against RevokeByAccount for the same account. It returns the old record
	// alongside ErrTokenNotFound, ErrTokenExpired, ErrTokenRevoked, or ErrTokenReuse when
	// the old record was already rotated.
	Rotate(ctx context.Context, oldHash string, next *RefreshToken, now time.Time) (*RefreshToken, error)
	// Revoke marks one record revoked without a successor. Unknown hashes are not an error.
	Revoke(ctx context.Context, tokenHash string) error
	// RevokeByAccount revokes every live record of the account and returns how many changed.
	RevokeByAccount(ctx context.Context, accountID string) (int64, error)
}

package auth

import (
	"context"
	"errors"
)

// Authenticate resolves a bearer access token to its live account.
// A token whose account no longer exists is ErrTokenInvalid.
func (s *Service) Authenticate(ctx context.Context, token string) (Account, error) {
	claims, err := s.tokens.Decode(token)
	if err != nil {
		return Account{}, err
	}
	acct, err := s.store.Accounts(ctx).Find(ctx, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		return Account{}, ErrTokenInvalid
	}
	if err != nil {
		return Account{}, err
	}
	return *acct, nil
}

// RequireRole reports ErrForbidden unless acct holds role.
func RequireRole(acct Account, role Role) error {
	if acct.ID == "" {
		return ErrAuthentication
	}
	if acct.Role != role {
		return ErrForbidden
	}
	return nil
}

package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps accounts and refresh records in process. One mutex guards both maps,
// which gives Rotate and RevokeByAccount the same atomicity the SQL store gets from row locks.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
	byEmail  map[string]string
	tokens   map[string]*RefreshToken
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		byEmail:  make(map[string]string),
		tokens:   make(map[string]*RefreshToken),
	}
}

func (m *MemoryStore) Accounts(context.Context) AccountStore           { return memAccounts{m} }
func (m *MemoryStore) RefreshTokens(context.Context) RefreshTokenStore { return memTokens{m} }

type memAccounts struct{ m *MemoryStore }

func cloneAccount(a *Account) *Account {
	c := *a
	if a.LastOTPAt != nil {
		t := *a.LastOTPAt
		c.LastOTPAt = &t
	}
	return &c
}

func (s memAccounts) Create(_ context.Context, a *Account) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.byEmail[a.Email]; ok {
		return ErrConflict
	}
	if _, ok := s.m.accounts[a.ID]; ok {
		return ErrConflict
	}
	s.m.accounts[a.ID] = cloneAccount(a)
	s.m.byEmail[a.Email] = a.ID
	return nil
}

func (s memAccounts) Find(_ context.Context, id string) (*Account, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	a, ok := s.m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAccount(a), nil
}

func (s memAccounts) FindByEmail(_ context.Context, email string) (*Account, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	id, ok := s.m.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAccount(s.m.accounts[id]), nil
}

func (s memAccounts) List(context.Context) ([]*Account, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make([]*Account, 0, len(s.m.accounts))
	for _, a := range s.m.accounts {
		out = append(out, cloneAccount(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memAccounts) Stats(context.Context) (Stats, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var st Stats
	for _, a := range s.m.accounts {
		if a.Role == RoleAdmin {
			st.Admins++
		} else {
			st.Users++
		}
	}
	return st, nil
}

func (s memAccounts) update(id string, fn func(a *Account) error) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	a, ok := s.m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	return fn(a)
}

func (s memAccounts) MarkChallengeIssued(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(a *Account) error {
		t := at
		a.LastOTPAt = &t
		a.OTPPending = true
		a.UpdatedAt = at
		return nil
	})
}

func (s memAccounts) MarkChallengeResent(_ context.Context, id string, at, cutoff time.Time) (bool, error) {
	var ok bool
	err := s.update(id, func(a *Account) error {
		if a.LastOTPAt != nil && a.LastOTPAt.After(cutoff) {
			return nil
		}
		t := at
		a.LastOTPAt = &t
		a.OTPPending = true
		a.UpdatedAt = at
		ok = true
		return nil
	})
	return ok, err
}

func (s memAccounts) ConsumeChallenge(_ context.Context, id string) (bool, error) {
	var ok bool
	err := s.update(id, func(a *Account) error {
		ok = a.OTPPending
		a.OTPPending = false
		return nil
	})
	return ok, err
}

func (s memAccounts) UpdatePassword(_ context.Context, id, passwordHash string) error {
	return s.update(id, func(a *Account) error {
		a.PasswordHash = passwordHash
		return nil
	})
}

func (s memAccounts) UpdateEmail(_ context.Context, id, email string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	a, ok := s.m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	if owner, taken := s.m.byEmail[email]; taken && owner != id {
		return ErrConflict
	}
	delete(s.m.byEmail, a.Email)
	a.Email = email
	s.m.byEmail[email] = id
	return nil
}

func (s memAccounts) UpdateRole(_ context.Context, id string, role Role) error {
	return s.update(id, func(a *Account) error {
		a.Role = role
		return nil
	})
}

type memTokens struct{ m *MemoryStore }

func (s memTokens) Create(_ context.Context, tok *RefreshToken) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.tokens[tok.TokenHash]; ok {
		return ErrConflict
	}
	c := *tok
	s.m.tokens[tok.TokenHash] = &c
	return nil
}

func (s memTokens) FindByHash(_ context.Context, tokenHash string) (*RefreshToken, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	tok, ok := s.m.tokens[tokenHash]
	if !ok {
		return nil, ErrTokenNotFound
	}
	c := *tok
	return &c, nil
}

func (s memTokens) Rotate(_ context.Context, oldHash string, next *RefreshToken, now time.Time) (*RefreshToken, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	old, ok := s.m.tokens[oldHash]
	if !ok {
		return nil, ErrTokenNotFound
	}
	prev := *old
	if err := prev.RotationError(now); err != nil {
		return &prev, err
	}
	if _, dup := s.m.tokens[next.TokenHash]; dup {
		return &prev, ErrConflict
	}
	c := *next
	s.m.tokens[next.TokenHash] = &c
	old.Revoked = true
	old.ReplacedBy = next.TokenHash
	return &prev, nil
}

func (s memTokens) Revoke(_ context.Context, tokenHash string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if tok, ok := s.m.tokens[tokenHash]; ok {
		tok.Revoked = true
	}
	return nil
}

func (s memTokens) RevokeByAccount(_ context.Context, accountID string) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var n int64
	for _, tok := range s.m.tokens {
		if tok.AccountID == accountID && !tok.Revoked {
			tok.Revoked = true
			n++
		}
	}
	return n, nil
}

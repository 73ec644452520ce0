package auth

import (
	"fmt"
	"strings"
	"time"
)

// Role is the closed set of account roles.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// ParseRole accepts "user" or "admin" in any case; empty means RoleUser.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case "", RoleUser:
		return RoleUser, nil
	case RoleAdmin:
		return RoleAdmin, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
}

// Account is a registered identity. Accounts are never hard-deleted.
type Account struct {
	ID           string
	Email        string
	PasswordHash string
	TOTPSecret   string
	Role         Role
	LastOTPAt    *time.Time
	OTPPending   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Summary is the externally visible view of an account.
type Summary struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

func (a Account) Summary() Summary {
	return Summary{ID: a.ID, Email: a.Email, Role: a.Role, CreatedAt: a.CreatedAt}
}

// RefreshToken is a persisted refresh record. The raw token is never stored, only its hash.
// ReplacedBy holds the successor's token hash and is set only when the record was revoked by rotation.
type RefreshToken struct {
	ID         string
	AccountID  string
	TokenHash  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	Revoked    bool
	ReplacedBy string
}

// RotationError classifies why the record cannot be rotated at now, or returns nil.
func (t RefreshToken) RotationError(now time.Time) error {
	switch {
	case t.Revoked && t.ReplacedBy != "":
		return ErrTokenReuse
	case t.Revoked:
		return ErrTokenRevoked
	case !now.Before(t.ExpiresAt):
		return ErrTokenExpired
	}
	return nil
}

// Session is what a successful challenge verification or refresh hands back.
type Session struct {
	AccountID        string
	Role             Role
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Challenge describes an issued second-factor challenge. The code itself travels only
// through a ChallengeNotifier.
type Challenge struct {
	AccountID string
	Email     string
	Scope     Scope
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Scope distinguishes the ordinary login flow from the admin-gated one.
type Scope string

const (
	ScopeUser  Scope = "user"
	ScopeAdmin Scope = "admin"
)

// NormalizeEmail trims and lower-cases an address; uniqueness is case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail performs a minimal structural check.
func ValidateEmail(email string) error {
	at := strings.LastIndexByte(email, '@')
	if at < 1 || at == len(email)-1 || strings.ContainsAny(email, " \t\r\n") || !strings.Contains(email[at+1:], ".") {
		return fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	return nil
}

// Stats counts accounts per role.
type Stats struct {
	Users  int `json:"users"`
	Admins int `json:"admins"`
}

package auth

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrNotFound       = errors.New("auth: not found")
	ErrConflict       = errors.New("auth: conflict")
	ErrInvalidInput   = errors.New("auth: invalid input")
	ErrAuthentication = errors.New("auth: invalid credentials")
	ErrForbidden      = errors.New("auth: forbidden")

	ErrChallengeInvalid = errors.New("auth: invalid or expired OTP")
	ErrChallengeExpired = errors.New("auth: OTP expired")

	ErrTokenExpired  = errors.New("auth: token expired")
	ErrTokenInvalid  = errors.New("auth: invalid token")
	ErrTokenRevoked  = errors.New("auth: token revoked")
	ErrTokenNotFound = errors.New("auth: token not found")
	// ErrTokenReuse marks presentation of an already rotated refresh token.
	ErrTokenReuse = fmt.Errorf("%w: reuse detected", ErrTokenRevoked)

	ErrTooManyRequests = errors.New("auth: too many requests")
)

// TooManyRequestsError carries the remaining cooldown.
type TooManyRequestsError struct {
	RetryAfter time.Duration
}

func (e *TooManyRequestsError) Error() string {
	return fmt.Sprintf("auth: wait %d seconds before requesting a new OTP", e.Seconds())
}

func (e *TooManyRequestsError) Unwrap() error { return ErrTooManyRequests }

// Seconds is the wait rounded up to whole seconds, never below 1.
func (e *TooManyRequestsError) Seconds() int {
	s := int(math.Ceil(e.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

package auth

import (
	"context"

	"go.uber.org/zap"

	"custodian.org/internal/obs"
)

// ChallengeNotifier delivers a one-time code to the account holder out of band.
type ChallengeNotifier interface {
	DeliverChallenge(ctx context.Context, ch Challenge, code string) error
}

// LogNotifier writes codes to the service log. Local development only.
type LogNotifier struct{}

func (LogNotifier) DeliverChallenge(_ context.Context, ch Challenge, code string) error {
	obs.Logger().Warn("otp_issued_dev_only",
		zap.String("email", ch.Email),
		zap.String("scope", string(ch.Scope)),
		zap.String("code", code),
		zap.Time("expires_at", ch.ExpiresAt),
	)
	return nil
}

// NotifierFunc adapts a function to ChallengeNotifier.
type NotifierFunc func(ctx context.Context, ch Challenge, code string) error

func (f NotifierFunc) DeliverChallenge(ctx context.Context, ch Challenge, code string) error {
	return f(ctx, ch, code)
}

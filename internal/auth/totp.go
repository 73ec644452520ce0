package auth

import (
	"errors"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	DefaultOTPPeriod = 300 * time.Second
	// otpSkew accepts the adjacent step on either side of the current one.
	otpSkew = 1
	// otpExpiredLookback bounds how far back a matching code is reported as expired rather than invalid.
	otpExpiredLookback = 12
)

// OTP generates and checks time-based codes for one configuration.
type OTP struct {
	Issuer string
	Period time.Duration
}

func (o OTP) period() uint {
	if o.Period <= 0 {
		return uint(DefaultOTPPeriod / time.Second)
	}
	return uint(o.Period / time.Second)
}

func (o OTP) opts(skew uint) totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    o.period(),
		Skew:      skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// NewSecret returns a fresh base32 secret bound to accountName.
func (o OTP) NewSecret(accountName string) (string, error) {
	issuer := o.Issuer
	if issuer == "" {
		issuer = "custodian"
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Period:      o.period(),
		SecretSize:  20,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", err
	}
	return key.Secret(), nil
}

// Code returns the code for the step containing t.
func (o OTP) Code(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t, o.opts(0))
}

// StepEnd is when the step containing t stops being current.
func (o OTP) StepEnd(t time.Time) time.Time {
	p := int64(o.period())
	return time.Unix((t.Unix()/p+1)*p, 0).UTC()
}

// Check accepts code for the current step or either neighbour. A code matching an older
// step within the lookback yields ErrChallengeExpired; anything else ErrChallengeInvalid.
func (o OTP) Check(secret, code string, t time.Time) error {
	if code == "" || secret == "" {
		return ErrChallengeInvalid
	}
	ok, err := totp.ValidateCustom(code, secret, t, o.opts(otpSkew))
	if err != nil && !errors.Is(err, otp.ErrValidateInputInvalidLength) {
		return ErrChallengeInvalid
	}
	if ok {
		return nil
	}
	step := time.Duration(o.period()) * time.Second
	for back := otpSkew + 1; back <= otpExpiredLookback; back++ {
		old, err := o.Code(secret, t.Add(-time.Duration(back)*step))
		if err == nil && old == code {
			return ErrChallengeExpired
		}
	}
	return ErrChallengeInvalid
}

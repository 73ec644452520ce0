package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOTPCheck(t *testing.T) {
	o := OTP{Issuer: "custodian-test", Period: DefaultOTPPeriod}
	secret, err := o.NewSecret("user@example.com")
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	code, err := o.Code(secret, base)
	require.NoError(t, err)
	require.Len(t, code, 6)

	cases := []struct {
		name string
		at   time.Time
		code string
		want error
	}{
		{"current step", base.Add(299 * time.Second), code, nil},
		{"next step", base.Add(5 * time.Minute), code, nil},
		{"two steps late", base.Add(10 * time.Minute), code, ErrChallengeExpired},
		{"an hour late", base.Add(time.Hour), code, ErrChallengeExpired},
		{"far too late", base.Add(24 * time.Hour), code, ErrChallengeInvalid},
		{"wrong length", base, "12345", ErrChallengeInvalid},
		{"empty", base, "", ErrChallengeInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := o.Check(secret, tc.code, tc.at)
			if tc.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestOTPStepEnd(t *testing.T) {
	o := OTP{Period: 5 * time.Minute}
	at := time.Date(2024, 1, 1, 12, 2, 17, 0, time.UTC)
	require.Equal(t, time.Date(2024, 1, 1, 12, 5, 0, 0, time.UTC), o.StepEnd(at))
}

func TestOTPSecretsAreDistinct(t *testing.T) {
	o := OTP{}
	a, err := o.NewSecret("a@example.com")
	require.NoError(t, err)
	b, err := o.NewSecret("a@example.com")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

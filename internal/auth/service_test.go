package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodian.org/internal/audit"
)

func TestRegisterValidatesInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Register(ctx, RegisterRequest{Email: "not-an-email", Password: "longenough"})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.svc.Register(ctx, RegisterRequest{Email: "a@example.com", Password: "short"})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.svc.Register(ctx, RegisterRequest{Email: "a@example.com", Password: "longenough", Role: "root"})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.svc.Register(ctx, RegisterRequest{Email: "a@example.com", Password: "longenough", Role: "admin", InviteCode: "wrong"})
	require.ErrorIs(t, err, ErrForbidden)

	acct, err := h.svc.Register(ctx, RegisterRequest{Email: "  A@Example.com ", Password: "longenough"})
	require.NoError(t, err)
	require.Equal(t, "a@example.com", acct.Email)
	require.Equal(t, RoleUser, acct.Role)
	require.NotEmpty(t, acct.TOTPSecret)
	require.NotEqual(t, "longenough", acct.PasswordHash)

	_, err = h.svc.Register(ctx, RegisterRequest{Email: "a@EXAMPLE.com", Password: "longenough"})
	require.ErrorIs(t, err, ErrConflict)

	report, err := h.userChain.Verify(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, 1, report.Count)
}

func TestAdminRegistrationDisabledWithoutInviteCode(t *testing.T) {
	h := newHarness(t, WithAdminInviteCode(""))
	_, err := h.svc.Register(context.Background(), RegisterRequest{Email: "a@example.com", Password: "longenough", Role: "admin", InviteCode: ""})
	require.ErrorIs(t, err, ErrForbidden)
	require.False(t, h.svc.AdminRegistrationEnabled())
}

func TestRequestChallengeIsUniformOnFailure(t *testing.T) {
	h := newHarness(t)
	h.register(t, "user@example.com", "password1", RoleUser)
	ctx := context.Background()

	_, errUnknown := h.svc.RequestChallenge(ctx, "nobody@example.com", "password1")
	_, errWrong := h.svc.RequestChallenge(ctx, "user@example.com", "password2")
	require.ErrorIs(t, errUnknown, ErrAuthentication)
	require.ErrorIs(t, errWrong, ErrAuthentication)
	require.Equal(t, errUnknown.Error(), errWrong.Error())
	require.Zero(t, h.notifier.count())
}

func TestScenarioRegisterLoginRefreshReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acct := h.register(t, "user@example.com", "password1", RoleUser)

	ch, err := h.svc.RequestChallenge(ctx, "user@example.com", "password1")
	require.NoError(t, err)
	require.Equal(t, acct.ID, ch.AccountID)
	require.Equal(t, h.clock.Now().Add(300*time.Second), ch.ExpiresAt)

	sess, err := h.svc.VerifyChallenge(ctx, "user@example.com", h.notifier.last(t).code)
	require.NoError(t, err)
	require.Equal(t, acct.ID, sess.AccountID)
	require.Equal(t, h.clock.Now().Add(15*time.Minute), sess.AccessExpiresAt)
	require.Equal(t, h.clock.Now().Add(14*24*time.Hour), sess.RefreshExpiresAt)

	authed, err := h.svc.Authenticate(ctx, sess.AccessToken)
	require.NoError(t, err)
	require.Equal(t, acct.ID, authed.ID)

	rotated, err := h.svc.RefreshSession(ctx, sess.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, sess.RefreshToken, rotated.RefreshToken)

	_, err = h.svc.RefreshSession(ctx, sess.RefreshToken)
	require.ErrorIs(t, err, ErrTokenRevoked)
	require.ErrorIs(t, err, ErrTokenReuse)

	// Reuse is treated as theft: the successor is revoked too.
	_, err = h.svc.RefreshSession(ctx, rotated.RefreshToken)
	require.ErrorIs(t, err, ErrTokenRevoked)

	page, err := h.userChain.Query(ctx, audit.Filter{SubjectID: acct.ID, Action: "REUSE"})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)

	report, err := h.userChain.Verify(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, 3, report.Count)
}

func TestVerifyChallengeIsOneShot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "user@example.com", "password1", RoleUser)

	_, err := h.svc.RequestChallenge(ctx, "user@example.com", "password1")
	require.NoError(t, err)
	code := h.notifier.last(t).code

	_, err = h.svc.VerifyChallenge(ctx, "user@example.com", code)
	require.NoError(t, err)
	_, err = h.svc.VerifyChallenge(ctx, "user@example.com", code)
	require.ErrorIs(t, err, ErrChallengeInvalid)
}

func TestVerifyChallengeConcurrentHasOneWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "user@example.com", "password1", RoleUser)
	_, err := h.svc.RequestChallenge(ctx, "user@example.com", "password1")
	require.NoError(t, err)
	code := h.notifier.last(t).code

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.VerifyChallenge(ctx, "user@example.com", code); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

func TestVerifyChallengeWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "user@example.com", "password1", RoleUser)

	_, err := h.svc.RequestChallenge(ctx, "user@example.com", "password1")
	require.NoError(t, err)
	code := h.notifier.last(t).code

	// One step later the code is still within the tolerance.
	h.clock.Advance(300 * time.Second)
	_, err = h.svc.VerifyChallenge(ctx, "user@example.com", code)
	require.NoError(t, err)

	_, err = h.svc.RequestChallenge(ctx, "user@example.com", "password1")
	require.NoError(t, err)
	code = h.notifier.last(t).code
	h.clock.Advance(3 * 300 * time.Second)
	_, err = h.svc.VerifyChallenge(ctx, "user@example.com", code)
	require.ErrorIs(t, err, ErrChallengeExpired)

	_, err = h.svc.VerifyChallenge(ctx, "user@example.com", "000000x")
	require.ErrorIs(t, err, ErrChallengeInvalid)

	_, err = h.svc.VerifyChallenge(ctx, "ghost@example.com", code)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestVerifyWithoutPendingChallengeFails(t *testing.T) {
	h := newHarness(t)
	acct := h.register(t, "user@example.com", "password1", RoleUser)
	code, err := h.svc.otp.Code(acct.TOTPSecret, h.clock.Now())
	require.NoError(t, err)

	_, err = h.svc.VerifyChallenge(context.Background(), "user@example.com", code)
	require.ErrorIs(t, err, ErrChallengeInvalid)
}

func TestResendCooldown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "user@example.com", "password1", RoleUser)

	_, err := h.svc.RequestChallenge(ctx, "user@example.com", "password1")
	require.NoError(t, err)

	h.clock.Advance(10 * time.Second)
	_, err = h.svc.ResendChallenge(ctx, "user@example.com")
	var tooMany *TooManyRequestsError
	require.ErrorAs(t, err, &tooMany)
	require.ErrorIs(t, err, ErrTooManyRequests)
	require.Equal(t, 20, tooMany.Seconds())

	h.clock.Advance(20 * time.Second)
	_, err = h.svc.ResendChallenge(ctx, "user@example.com")
	require.NoError(t, err)
	require.Equal(t, 2, h.notifier.count())

	_, err = h.svc.ResendChallenge(ctx, "ghost@example.com")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResendWithoutPriorChallengeIsAllowed(t *testing.T) {
	h := newHarness(t)
	h.register(t, "user@example.com", "password1", RoleUser)
	_, err := h.svc.ResendChallenge(context.Background(), "user@example.com")
	require.NoError(t, err)
}

func TestAdminFlowRequiresAdminRole(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "user@example.com", "password1", RoleUser)
	admin := h.register(t, "admin@example.com", "password1", RoleAdmin)

	_, err := h.svc.RequestAdminChallenge(ctx, "user@example.com", "password1")
	require.ErrorIs(t, err, ErrForbidden)
	_, err = h.svc.RequestAdminChallenge(ctx, "user@example.com", "wrong-password")
	require.ErrorIs(t, err, ErrAuthentication)
	_, err = h.svc.ResendAdminChallenge(ctx, "user@example.com")
	require.ErrorIs(t, err, ErrForbidden)

	_, err = h.svc.RequestAdminChallenge(ctx, "admin@example.com", "password1")
	require.NoError(t, err)
	require.Equal(t, ScopeAdmin, h.notifier.last(t).challenge.Scope)
	sess, err := h.svc.VerifyAdminChallenge(ctx, "admin@example.com", h.notifier.last(t).code)
	require.NoError(t, err)
	require.Equal(t, RoleAdmin, sess.Role)

	page, err := h.adminChain.Query(ctx, audit.Filter{SubjectID: admin.ID})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	require.Equal(t, "ADMIN_LOGIN_OK", page.Entries[0].Action)
	require.Equal(t, "self", page.Entries[0].TargetType)
}

func TestChangePasswordRevokesAllSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acct := h.register(t, "user@example.com", "password1", RoleUser)

	first := h.login(t, "user@example.com", "password1")
	second := h.login(t, "user@example.com", "password1")

	err := h.svc.ChangePassword(ctx, acct.ID, "wrong-one", "password2")
	require.ErrorIs(t, err, ErrAuthentication)
	_, err = h.svc.Refresh().Lookup(ctx, first.RefreshToken)
	require.NoError(t, err)
	rec, _ := h.svc.Refresh().Lookup(ctx, first.RefreshToken)
	require.False(t, rec.Revoked)

	require.ErrorIs(t, h.svc.ChangePassword(ctx, acct.ID, "", "password2"), ErrInvalidInput)
	require.ErrorIs(t, h.svc.ChangePassword(ctx, acct.ID, "password1", "short"), ErrInvalidInput)
	require.ErrorIs(t, h.svc.ChangePassword(ctx, acct.ID, "password1", "password1"), ErrInvalidInput)

	require.NoError(t, h.svc.ChangePassword(ctx, acct.ID, "password1", "password2"))
	for _, raw := range []string{first.RefreshToken, second.RefreshToken} {
		rec, err := h.svc.Refresh().Lookup(ctx, raw)
		require.NoError(t, err)
		require.True(t, rec.Revoked)
		require.Empty(t, rec.ReplacedBy)
		_, err = h.svc.RefreshSession(ctx, raw)
		require.ErrorIs(t, err, ErrTokenRevoked)
		require.False(t, errors.Is(err, ErrTokenReuse))
	}

	_, err = h.svc.RequestChallenge(ctx, "user@example.com", "password1")
	require.ErrorIs(t, err, ErrAuthentication)
	h.login(t, "user@example.com", "password2")
}

func TestChangeEmail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acct := h.register(t, "user@example.com", "password1", RoleUser)
	h.register(t, "taken@example.com", "password1", RoleUser)

	_, err := h.svc.ChangeEmail(ctx, acct.ID, "new@example.com", "bad-password")
	require.ErrorIs(t, err, ErrAuthentication)
	_, err = h.svc.ChangeEmail(ctx, acct.ID, "Taken@example.com", "password1")
	require.ErrorIs(t, err, ErrConflict)
	_, err = h.svc.ChangeEmail(ctx, acct.ID, "", "password1")
	require.ErrorIs(t, err, ErrInvalidInput)

	updated, err := h.svc.ChangeEmail(ctx, acct.ID, "New@Example.com", "password1")
	require.NoError(t, err)
	require.Equal(t, "new@example.com", updated.Email)

	h.login(t, "new@example.com", "password1")

	page, err := h.userChain.Query(ctx, audit.Filter{SubjectID: acct.ID, Action: "EMAIL_CHANGED"})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	meta, err := h.userChain.DecryptMetadata(page.Entries[0])
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", meta["old"])
	assert.Equal(t, "new@example.com", meta["new"])
}

func TestEndSessionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "user@example.com", "password1", RoleUser)
	sess := h.login(t, "user@example.com", "password1")

	require.NoError(t, h.svc.EndSession(ctx, sess.RefreshToken))
	require.NoError(t, h.svc.EndSession(ctx, sess.RefreshToken))
	require.NoError(t, h.svc.EndSession(ctx, "never-issued"))
	require.NoError(t, h.svc.EndSession(ctx, ""))

	_, err := h.svc.RefreshSession(ctx, sess.RefreshToken)
	require.ErrorIs(t, err, ErrTokenRevoked)
	require.False(t, errors.Is(err, ErrTokenReuse))
}

func TestRefreshSessionErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "user@example.com", "password1", RoleUser)
	sess := h.login(t, "user@example.com", "password1")

	_, err := h.svc.RefreshSession(ctx, "")
	require.ErrorIs(t, err, ErrTokenNotFound)
	_, err = h.svc.RefreshSession(ctx, "unknown")
	require.ErrorIs(t, err, ErrTokenNotFound)

	h.clock.Advance(14*24*time.Hour + time.Second)
	_, err = h.svc.RefreshSession(ctx, sess.RefreshToken)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestAuthenticateRejectsExpiredAndForeignTokens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "user@example.com", "password1", RoleUser)
	sess := h.login(t, "user@example.com", "password1")

	_, err := h.svc.Authenticate(ctx, "garbage")
	require.ErrorIs(t, err, ErrTokenInvalid)

	h.clock.Advance(15*time.Minute + time.Second)
	_, err = h.svc.Authenticate(ctx, sess.AccessToken)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestAdminOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := h.register(t, "user@example.com", "password1", RoleUser)
	admin := h.register(t, "admin@example.com", "password1", RoleAdmin)

	_, err := h.svc.ListAccounts(ctx, user)
	require.ErrorIs(t, err, ErrForbidden)

	list, err := h.svc.ListAccounts(ctx, admin)
	require.NoError(t, err)
	require.Len(t, list, 2)

	_, err = h.svc.ChangeRole(ctx, admin, user.ID, "admin", "no")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.svc.ChangeRole(ctx, admin, admin.ID, "user", "stepping down")
	require.ErrorIs(t, err, ErrConflict)
	_, err = h.svc.ChangeRole(ctx, admin, "missing", "admin", "promotion")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.ChangeRole(ctx, user, admin.ID, "user", "coup attempt")
	require.ErrorIs(t, err, ErrForbidden)

	promoted, err := h.svc.ChangeRole(ctx, admin, user.ID, "admin", "on-call rotation")
	require.NoError(t, err)
	require.Equal(t, RoleAdmin, promoted.Role)

	stats, err := h.svc.Stats(ctx, admin)
	require.NoError(t, err)
	require.Equal(t, Stats{Users: 0, Admins: 2}, stats)

	page, err := h.adminChain.Query(ctx, audit.Filter{SubjectID: admin.ID, Action: "ROLE"})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	revealed, err := h.adminChain.Reveal(page.Entries[0])
	require.NoError(t, err)
	require.Equal(t, "on-call rotation", revealed.Justification)
	require.Equal(t, "user", revealed.Metadata["old_role"])

	report, err := h.adminChain.Verify(ctx, admin.ID)
	require.NoError(t, err)
	require.Equal(t, 2, report.Count)
}

func TestNewServiceRequiresJournals(t *testing.T) {
	_, err := NewService(NewMemoryStore(), testSecret)
	require.Error(t, err)
	_, err = NewService(nil, testSecret)
	require.Error(t, err)
}

func TestServiceReportsConfiguredLifetimes(t *testing.T) {
	h := newHarness(t, WithAccessTTL(5*time.Minute), WithRefreshTTL(48*time.Hour))
	require.Equal(t, 5*time.Minute, h.svc.AccessTTL())
	require.Equal(t, 48*time.Hour, h.svc.RefreshTTL())

	h.register(t, "user@example.com", "password1", RoleUser)
	sess := h.login(t, "user@example.com", "password1")
	require.True(t, h.clock.Now().Add(48*time.Hour).Equal(sess.RefreshExpiresAt))
}

package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"custodian.org/internal/audit"
)

var errJournalDown = errors.New("journal down")

// switchJournal forwards to a real chain until failing is set.
type switchJournal struct {
	next    Journal
	failing atomic.Bool
}

func (j *switchJournal) Append(ctx context.Context, rec audit.Record) (audit.Entry, error) {
	if j.failing.Load() {
		return audit.Entry{}, errJournalDown
	}
	return j.next.Append(ctx, rec)
}

type failingHarness struct {
	*harness
	user  *switchJournal
	admin *switchJournal
}

func newFailingHarness(t *testing.T) *failingHarness {
	t.Helper()
	fh := &failingHarness{user: &switchJournal{}, admin: &switchJournal{}}
	fh.harness = newHarness(t, WithJournals(fh.user, fh.admin))
	fh.user.next, fh.admin.next = fh.userChain, fh.adminChain
	return fh
}

func (fh *failingHarness) fail(on bool) {
	fh.user.failing.Store(on)
	fh.admin.failing.Store(on)
}

func TestRegisterLeavesNoAccountWhenJournalFails(t *testing.T) {
	h := newFailingHarness(t)
	ctx := context.Background()
	h.fail(true)

	_, err := h.svc.Register(ctx, RegisterRequest{Email: "user@example.com", Password: "password1"})
	require.ErrorIs(t, err, errJournalDown)

	_, err = h.svc.AccountByEmail(ctx, "user@example.com")
	require.ErrorIs(t, err, ErrNotFound)

	h.fail(false)
	h.register(t, "user@example.com", "password1", RoleUser)
}

func TestVerifyLeavesNoSessionWhenJournalFails(t *testing.T) {
	h := newFailingHarness(t)
	ctx := context.Background()
	acct := h.register(t, "user@example.com", "password1", RoleUser)

	_, err := h.svc.RequestChallenge(ctx, "user@example.com", "password1")
	require.NoError(t, err)
	code := h.notifier.last(t).code

	h.fail(true)
	_, err = h.svc.VerifyChallenge(ctx, "user@example.com", code)
	require.ErrorIs(t, err, errJournalDown)

	revoked, err := h.svc.Refresh().RevokeAll(ctx, acct.ID)
	require.NoError(t, err)
	require.Zero(t, revoked, "no refresh record may be minted")

	h.fail(false)
	sess, err := h.svc.VerifyChallenge(ctx, "user@example.com", code)
	require.NoError(t, err, "challenge stays usable after the failed attempt")
	require.NotEmpty(t, sess.RefreshToken)
}

func TestChangePasswordUntouchedWhenJournalFails(t *testing.T) {
	h := newFailingHarness(t)
	ctx := context.Background()
	acct := h.register(t, "user@example.com", "password1", RoleUser)
	sess := h.login(t, "user@example.com", "password1")

	h.fail(true)
	err := h.svc.ChangePassword(ctx, acct.ID, "password1", "password2")
	require.ErrorIs(t, err, errJournalDown)
	h.fail(false)

	rec, err := h.svc.Refresh().Lookup(ctx, sess.RefreshToken)
	require.NoError(t, err)
	require.False(t, rec.Revoked)

	_, err = h.svc.RequestChallenge(ctx, "user@example.com", "password1")
	require.NoError(t, err, "old password must still work")
	_, err = h.svc.RequestChallenge(ctx, "user@example.com", "password2")
	require.ErrorIs(t, err, ErrAuthentication)
}

func TestChangeEmailAndRoleUntouchedWhenJournalFails(t *testing.T) {
	h := newFailingHarness(t)
	ctx := context.Background()
	user := h.register(t, "user@example.com", "password1", RoleUser)
	admin := h.register(t, "admin@example.com", "password1", RoleAdmin)

	h.fail(true)
	_, err := h.svc.ChangeEmail(ctx, user.ID, "moved@example.com", "password1")
	require.ErrorIs(t, err, errJournalDown)
	_, err = h.svc.ChangeRole(ctx, admin, user.ID, "admin", "quarterly access review")
	require.ErrorIs(t, err, errJournalDown)
	h.fail(false)

	got, err := h.svc.Account(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, "user@example.com", got.Email)
	require.Equal(t, RoleUser, got.Role)
}

func TestRefreshReuseReportedWhenJournalFails(t *testing.T) {
	h := newFailingHarness(t)
	ctx := context.Background()
	h.register(t, "user@example.com", "password1", RoleUser)
	sess := h.login(t, "user@example.com", "password1")

	_, err := h.svc.RefreshSession(ctx, sess.RefreshToken)
	require.NoError(t, err)

	h.fail(true)
	_, err = h.svc.RefreshSession(ctx, sess.RefreshToken)
	require.ErrorIs(t, err, ErrTokenReuse)
}

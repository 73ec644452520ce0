package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"custodian.org/internal/audit"
	"custodian.org/internal/crypt"
)

var testSecret = []byte(strings.Repeat("x", 32))

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type capturedCode struct {
	challenge Challenge
	code      string
}

type captureNotifier struct {
	mu    sync.Mutex
	codes []capturedCode
}

func (n *captureNotifier) DeliverChallenge(_ context.Context, ch Challenge, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.codes = append(n.codes, capturedCode{challenge: ch, code: code})
	return nil
}

func (n *captureNotifier) last(t *testing.T) capturedCode {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.codes, "no challenge delivered")
	return n.codes[len(n.codes)-1]
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.codes)
}

type harness struct {
	svc        *Service
	store      *MemoryStore
	auditStore *audit.MemoryStore
	userChain  *audit.Chain
	adminChain *audit.Chain
	clock      *testClock
	notifier   *captureNotifier
}

func newHarness(t *testing.T, opts ...ServiceOption) *harness {
	t.Helper()
	key, err := crypt.GenerateKey()
	require.NoError(t, err)
	provider, err := crypt.NewFromEncoded(key)
	require.NoError(t, err)

	h := &harness{
		store:      NewMemoryStore(),
		auditStore: audit.NewMemoryStore(),
		clock:      newTestClock(),
		notifier:   &captureNotifier{},
	}
	h.userChain, err = audit.NewChain(h.auditStore, provider, audit.ScopeUser, audit.WithClock(h.clock.Now))
	require.NoError(t, err)
	h.adminChain, err = audit.NewChain(h.auditStore, provider, audit.ScopeAdmin, audit.WithClock(h.clock.Now))
	require.NoError(t, err)

	base := []ServiceOption{
		WithClock(h.clock.Now),
		WithNotifier(h.notifier),
		WithJournals(h.userChain, h.adminChain),
		WithAdminInviteCode("letmein"),
	}
	h.svc, err = NewService(h.store, testSecret, append(base, opts...)...)
	require.NoError(t, err)
	return h
}

func (h *harness) register(t *testing.T, email, password string, role Role) Account {
	t.Helper()
	req := RegisterRequest{Email: email, Password: password, Role: string(role)}
	if role == RoleAdmin {
		req.InviteCode = "letmein"
	}
	acct, err := h.svc.Register(context.Background(), req)
	require.NoError(t, err)
	return acct
}

// login runs the full challenge flow and returns the opened session.
func (h *harness) login(t *testing.T, email, password string) Session {
	t.Helper()
	ctx := context.Background()
	_, err := h.svc.RequestChallenge(ctx, email, password)
	require.NoError(t, err)
	sess, err := h.svc.VerifyChallenge(ctx, email, h.notifier.last(t).code)
	require.NoError(t, err)
	return sess
}

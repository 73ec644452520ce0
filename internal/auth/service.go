package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"custodian.org/internal/audit"
	"custodian.org/internal/ids"
	"custodian.org/internal/obs"
)

const (
	DefaultResendCooldown    = 30 * time.Second
	DefaultMinPasswordLength = 8
	minJustificationLength   = 5
)

// Journal appends activity to a hash chain. *audit.Chain implements it.
type Journal interface {
	Append(ctx context.Context, rec audit.Record) (audit.Entry, error)
}

// Service is the session authority: credentials, second factor, token issuance and the
// account mutations that must be audited.
type Service struct {
	store    Store
	tokens   *TokenCodec
	refresh  *RefreshLedger
	otp      OTP
	notifier ChallengeNotifier
	activity Journal
	admin    Journal
	now      func() time.Time

	secret         []byte
	issuer         string
	accessTTL      time.Duration
	refreshTTL     time.Duration
	resendCooldown time.Duration
	minPassword    int
	inviteCode     string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithIssuer overrides the token issuer claim and the TOTP issuer label.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithOTPPeriod sets the TOTP step length.
func WithOTPPeriod(period time.Duration) ServiceOption {
	return func(s *Service) error {
		if period > 0 && period%time.Second != 0 {
			return errors.New("auth: otp period must be whole seconds")
		}
		if period > 0 {
			s.otp.Period = period
		}
		return nil
	}
}

// WithResendCooldown sets the minimum gap between challenge deliveries.
func WithResendCooldown(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d >= 0 {
			s.resendCooldown = d
		}
		return nil
	}
}

// WithMinPasswordLength sets the shortest accepted new password.
func WithMinPasswordLength(n int) ServiceOption {
	return func(s *Service) error {
		if n > 0 {
			s.minPassword = n
		}
		return nil
	}
}

// WithAdminInviteCode enables admin self-registration guarded by code.
func WithAdminInviteCode(code string) ServiceOption {
	return func(s *Service) error {
		s.inviteCode = strings.TrimSpace(code)
		return nil
	}
}

// WithNotifier sets how challenge codes reach the account holder.
func WithNotifier(n ChallengeNotifier) ServiceOption {
	return func(s *Service) error {
		if n != nil {
			s.notifier = n
		}
		return nil
	}
}

// WithJournals sets the user activity chain and the admin activity chain.
func WithJournals(activity, admin Journal) ServiceOption {
	return func(s *Service) error {
		s.activity = activity
		s.admin = admin
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service. secret signs access tokens.
func NewService(store Store, secret []byte, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	svc := &Service{
		store:          store,
		notifier:       LogNotifier{},
		now:            time.Now,
		secret:         secret,
		issuer:         "custodian",
		accessTTL:      DefaultAccessTTL,
		refreshTTL:     DefaultRefreshTTL,
		resendCooldown: DefaultResendCooldown,
		minPassword:    DefaultMinPasswordLength,
		otp:            OTP{Period: DefaultOTPPeriod},
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.activity == nil || svc.admin == nil {
		return nil, errors.New("auth: activity journals are required")
	}
	svc.otp.Issuer = svc.issuer
	codec, err := NewTokenCodec(svc.secret, svc.issuer, svc.accessTTL, svc.now)
	if err != nil {
		return nil, err
	}
	svc.tokens = codec
	svc.refresh = NewRefreshLedger(store, svc.refreshTTL, svc.now)
	return svc, nil
}

// AccessTTL is the access token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.tokens.TTL() }

// Refresh exposes the refresh token ledger.
func (s *Service) Refresh() *RefreshLedger { return s.refresh }

// AdminRegistrationEnabled reports whether an invite code is configured.
func (s *Service) AdminRegistrationEnabled() bool { return s.inviteCode != "" }

// RegisterRequest carries self-registration input.
type RegisterRequest struct {
	Email      string
	Password   string
	Role       string
	InviteCode string
}

// Register creates an account. Admin accounts require the configured invite code.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Account, error) {
	email := NormalizeEmail(req.Email)
	if err := ValidateEmail(email); err != nil {
		return Account{}, err
	}
	if len(req.Password) < s.minPassword {
		return Account{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, s.minPassword)
	}
	role, err := ParseRole(req.Role)
	if err != nil {
		return Account{}, err
	}
	if role == RoleAdmin {
		if s.inviteCode == "" {
			return Account{}, fmt.Errorf("%w: admin registration disabled", ErrForbidden)
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(req.InviteCode)), []byte(s.inviteCode)) != 1 {
			return Account{}, fmt.Errorf("%w: invalid admin invite code", ErrForbidden)
		}
	}

	secret, err := s.otp.NewSecret(email)
	if err != nil {
		return Account{}, fmt.Errorf("otp secret: %w", err)
	}
	hash, err := HashPassword(req.Password)
	if err != nil {
		return Account{}, err
	}
	accounts := s.store.Accounts(ctx)
	if _, err := accounts.FindByEmail(ctx, email); err == nil {
		return Account{}, fmt.Errorf("%w: email already registered", ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return Account{}, err
	}

	now := s.now().UTC()
	acct := Account{
		ID:           ids.NewAt(now),
		Email:        email,
		PasswordHash: hash,
		TOTPSecret:   secret,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.record(ctx, s.activity, audit.Record{
		SubjectID:  acct.ID,
		Action:     "REGISTERED",
		TargetType: "self",
		TargetID:   acct.ID,
		Metadata:   map[string]any{"role": string(role)},
	}); err != nil {
		return Account{}, err
	}
	if err := accounts.Create(ctx, &acct); err != nil {
		if errors.Is(err, ErrConflict) {
			return Account{}, fmt.Errorf("%w: email already registered", ErrConflict)
		}
		return Account{}, notApplied("REGISTERED", err)
	}
	return acct, nil
}

// Account loads an account by id.
func (s *Service) Account(ctx context.Context, id string) (Account, error) {
	acct, err := s.store.Accounts(ctx).Find(ctx, id)
	if err != nil {
		return Account{}, err
	}
	return *acct, nil
}

// AccountByEmail loads an account by address.
func (s *Service) AccountByEmail(ctx context.Context, email string) (Account, error) {
	acct, err := s.store.Accounts(ctx).FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return Account{}, err
	}
	return *acct, nil
}

// RefreshTTL is the refresh record lifetime.
func (s *Service) RefreshTTL() time.Duration { return s.refresh.TTL() }

// RequestChallenge verifies email and password and issues a second-factor challenge.
// Unknown email and wrong password are indistinguishable.
func (s *Service) RequestChallenge(ctx context.Context, email, password string) (Challenge, error) {
	return s.requestChallenge(ctx, ScopeUser, email, password)
}

// RequestAdminChallenge is RequestChallenge restricted to admin accounts.
func (s *Service) RequestAdminChallenge(ctx context.Context, email, password string) (Challenge, error) {
	return s.requestChallenge(ctx, ScopeAdmin, email, password)
}

func (s *Service) requestChallenge(ctx context.Context, scope Scope, email, password string) (Challenge, error) {
	email = NormalizeEmail(email)
	acct, err := s.store.Accounts(ctx).FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		_ = VerifyPassword("", password)
		s.loginFailed(ctx, scope, email, "unknown_account")
		return Challenge{}, ErrAuthentication
	}
	if err != nil {
		return Challenge{}, err
	}
	if err := VerifyPassword(acct.PasswordHash, password); err != nil {
		s.loginFailed(ctx, scope, email, "bad_password")
		return Challenge{}, ErrAuthentication
	}
	if err := s.scopeAllows(scope, *acct); err != nil {
		s.loginFailed(ctx, scope, email, "role_mismatch")
		return Challenge{}, err
	}

	now := s.now().UTC()
	if err := s.store.Accounts(ctx).MarkChallengeIssued(ctx, acct.ID, now); err != nil {
		return Challenge{}, err
	}
	return s.deliver(ctx, scope, *acct, now, "issued")
}

// ResendChallenge re-delivers a challenge once the cooldown since the previous one has passed.
func (s *Service) ResendChallenge(ctx context.Context, email string) (Challenge, error) {
	return s.resendChallenge(ctx, ScopeUser, email)
}

// ResendAdminChallenge is ResendChallenge restricted to admin accounts.
func (s *Service) ResendAdminChallenge(ctx context.Context, email string) (Challenge, error) {
	return s.resendChallenge(ctx, ScopeAdmin, email)
}

func (s *Service) resendChallenge(ctx context.Context, scope Scope, email string) (Challenge, error) {
	accounts := s.store.Accounts(ctx)
	acct, err := accounts.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return Challenge{}, err
	}
	if err := s.scopeAllows(scope, *acct); err != nil {
		return Challenge{}, err
	}

	now := s.now().UTC()
	ok, err := accounts.MarkChallengeResent(ctx, acct.ID, now, now.Add(-s.resendCooldown))
	if err != nil {
		return Challenge{}, err
	}
	if !ok {
		wait := s.resendCooldown
		if fresh, err := accounts.Find(ctx, acct.ID); err == nil && fresh.LastOTPAt != nil {
			wait = fresh.LastOTPAt.Add(s.resendCooldown).Sub(now)
		}
		obs.ObserveChallenge(string(scope), "throttled")
		return Challenge{}, &TooManyRequestsError{RetryAfter: wait}
	}
	return s.deliver(ctx, scope, *acct, now, "resent")
}

func (s *Service) deliver(ctx context.Context, scope Scope, acct Account, now time.Time, result string) (Challenge, error) {
	code, err := s.otp.Code(acct.TOTPSecret, now)
	if err != nil {
		return Challenge{}, fmt.Errorf("otp code: %w", err)
	}
	ch := Challenge{
		AccountID: acct.ID,
		Email:     acct.Email,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: s.otp.StepEnd(now),
	}
	if err := s.notifier.DeliverChallenge(ctx, ch, code); err != nil {
		return Challenge{}, fmt.Errorf("deliver challenge: %w", err)
	}
	obs.ObserveChallenge(string(scope), result)
	return ch, nil
}

// VerifyChallenge checks the OTP and opens a session. A challenge verifies at most once.
func (s *Service) VerifyChallenge(ctx context.Context, email, code string) (Session, error) {
	return s.verifyChallenge(ctx, ScopeUser, email, code)
}

// VerifyAdminChallenge is VerifyChallenge restricted to admin accounts.
func (s *Service) VerifyAdminChallenge(ctx context.Context, email, code string) (Session, error) {
	return s.verifyChallenge(ctx, ScopeAdmin, email, code)
}

func (s *Service) verifyChallenge(ctx context.Context, scope Scope, email, code string) (Session, error) {
	accounts := s.store.Accounts(ctx)
	acct, err := accounts.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return Session{}, err
	}
	if err := s.scopeAllows(scope, *acct); err != nil {
		return Session{}, err
	}
	if err := s.otp.Check(acct.TOTPSecret, strings.TrimSpace(code), s.now()); err != nil {
		obs.ObserveChallenge(string(scope), "rejected")
		return Session{}, err
	}
	consumed, err := accounts.ConsumeChallenge(ctx, acct.ID)
	if err != nil {
		return Session{}, err
	}
	if !consumed {
		obs.ObserveChallenge(string(scope), "rejected")
		return Session{}, ErrChallengeInvalid
	}
	obs.ObserveChallenge(string(scope), "verified")

	rec := audit.Record{
		SubjectID:  acct.ID,
		Action:     "LOGIN_VERIFIED",
		TargetType: "self",
		TargetID:   acct.ID,
		Metadata:   map[string]any{"email": acct.Email},
	}
	journal := s.activity
	if scope == ScopeAdmin {
		rec.Action = "ADMIN_LOGIN_OK"
		journal = s.admin
	}
	if err := s.record(ctx, journal, rec); err != nil {
		s.rearmChallenge(ctx, *acct)
		return Session{}, err
	}
	sess, err := s.openSession(ctx, *acct)
	if err != nil {
		return Session{}, notApplied(rec.Action, err)
	}
	obs.ObserveSessionEvent("login")
	return sess, nil
}

// rearmChallenge restores a challenge consumed by a verification that could not complete.
func (s *Service) rearmChallenge(ctx context.Context, acct Account) {
	if acct.LastOTPAt == nil {
		return
	}
	if err := s.store.Accounts(ctx).MarkChallengeIssued(ctx, acct.ID, *acct.LastOTPAt); err != nil {
		obs.Logger().Error("challenge not restored", zap.String("account_id", acct.ID), zap.Error(err))
	}
}

func (s *Service) openSession(ctx context.Context, acct Account) (Session, error) {
	access, accessExp, err := s.tokens.Encode(acct.ID, acct.Role)
	if err != nil {
		return Session{}, err
	}
	raw, rec, err := s.refresh.Mint(ctx, acct.ID)
	if err != nil {
		return Session{}, err
	}
	return Session{
		AccountID:        acct.ID,
		Role:             acct.Role,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     raw,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

// RefreshSession rotates a refresh token and issues a new access token.
func (s *Service) RefreshSession(ctx context.Context, raw string) (Session, error) {
	nextRaw, next, prev, err := s.refresh.Rotate(ctx, raw)
	if errors.Is(err, ErrTokenReuse) {
		if rerr := s.record(ctx, s.activity, audit.Record{
			SubjectID:  prev.AccountID,
			Action:     "REFRESH_REUSE_DETECTED",
			TargetType: "refresh_token",
			TargetID:   prev.ID,
			Metadata:   map[string]any{"sessions_revoked": true},
		}); rerr != nil {
			obs.Logger().Error("refresh reuse not recorded",
				zap.String("account_id", prev.AccountID),
				zap.String("token_id", prev.ID),
				zap.Error(rerr),
			)
		}
		return Session{}, err
	}
	if err != nil {
		return Session{}, err
	}

	acct, err := s.store.Accounts(ctx).Find(ctx, next.AccountID)
	if errors.Is(err, ErrNotFound) {
		return Session{}, ErrTokenInvalid
	}
	if err != nil {
		return Session{}, err
	}
	access, accessExp, err := s.tokens.Encode(acct.ID, acct.Role)
	if err != nil {
		return Session{}, err
	}
	obs.ObserveSessionEvent("refresh")
	return Session{
		AccountID:        acct.ID,
		Role:             acct.Role,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     nextRaw,
		RefreshExpiresAt: next.ExpiresAt,
	}, nil
}

// EndSession revokes the presented refresh token. It is idempotent.
func (s *Service) EndSession(ctx context.Context, raw string) error {
	if err := s.refresh.Revoke(ctx, raw); err != nil {
		return err
	}
	obs.ObserveSessionEvent("logout")
	return nil
}

// ChangePassword replaces the password after checking the current one and revokes every
// refresh token of the account.
func (s *Service) ChangePassword(ctx context.Context, accountID, current, next string) error {
	if current == "" || next == "" {
		return fmt.Errorf("%w: current and new password are required", ErrInvalidInput)
	}
	accounts := s.store.Accounts(ctx)
	acct, err := accounts.Find(ctx, accountID)
	if err != nil {
		return err
	}
	if err := VerifyPassword(acct.PasswordHash, current); err != nil {
		return ErrAuthentication
	}
	if len(next) < s.minPassword {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, s.minPassword)
	}
	if next == current {
		return fmt.Errorf("%w: new password must differ from the current one", ErrInvalidInput)
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	if err := s.record(ctx, s.activity, audit.Record{
		SubjectID:  acct.ID,
		Action:     "PASSWORD_CHANGED",
		TargetType: "self",
		TargetID:   acct.ID,
		Metadata:   map[string]any{"sessions_revoked": true},
	}); err != nil {
		return err
	}
	if err := accounts.UpdatePassword(ctx, acct.ID, hash); err != nil {
		return notApplied("PASSWORD_CHANGED", err)
	}
	if _, err := s.refresh.RevokeAll(ctx, acct.ID); err != nil {
		return notApplied("PASSWORD_CHANGED", err)
	}
	obs.ObserveSessionEvent("password_change")
	return nil
}

// ChangeEmail moves the account to a new address after checking the password.
func (s *Service) ChangeEmail(ctx context.Context, accountID, newEmail, current string) (Account, error) {
	newEmail = NormalizeEmail(newEmail)
	if newEmail == "" || current == "" {
		return Account{}, fmt.Errorf("%w: new email and current password are required", ErrInvalidInput)
	}
	if err := ValidateEmail(newEmail); err != nil {
		return Account{}, err
	}
	accounts := s.store.Accounts(ctx)
	acct, err := accounts.Find(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	if err := VerifyPassword(acct.PasswordHash, current); err != nil {
		return Account{}, ErrAuthentication
	}
	if newEmail == acct.Email {
		return *acct, nil
	}
	if other, err := accounts.FindByEmail(ctx, newEmail); err == nil && other.ID != acct.ID {
		return Account{}, fmt.Errorf("%w: email already in use", ErrConflict)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return Account{}, err
	}
	if err := s.record(ctx, s.activity, audit.Record{
		SubjectID:  acct.ID,
		Action:     "EMAIL_CHANGED",
		TargetType: "self",
		TargetID:   acct.ID,
		Metadata:   map[string]any{"old": acct.Email, "new": newEmail},
	}); err != nil {
		return Account{}, err
	}
	if err := accounts.UpdateEmail(ctx, acct.ID, newEmail); err != nil {
		if errors.Is(err, ErrConflict) {
			return Account{}, fmt.Errorf("%w: email already in use", ErrConflict)
		}
		return Account{}, notApplied("EMAIL_CHANGED", err)
	}
	acct.Email = newEmail
	return *acct, nil
}

// ListAccounts returns every account. The caller must be an admin; the read is audited.
func (s *Service) ListAccounts(ctx context.Context, caller Account) ([]Account, error) {
	if err := RequireRole(caller, RoleAdmin); err != nil {
		return nil, err
	}
	list, err := s.store.Accounts(ctx).List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(list))
	for _, a := range list {
		out = append(out, *a)
	}
	if err := s.record(ctx, s.admin, audit.Record{
		SubjectID:  caller.ID,
		Action:     "ADMIN_LIST_USERS",
		TargetType: "user",
		Metadata:   map[string]any{"count": len(out)},
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// ChangeRole sets targetID's role. Admins cannot change their own role and must justify the change.
func (s *Service) ChangeRole(ctx context.Context, caller Account, targetID, role, justification string) (Account, error) {
	if err := RequireRole(caller, RoleAdmin); err != nil {
		return Account{}, err
	}
	if strings.TrimSpace(role) == "" {
		return Account{}, fmt.Errorf("%w: role is required", ErrInvalidInput)
	}
	newRole, err := ParseRole(role)
	if err != nil {
		return Account{}, err
	}
	justification = strings.TrimSpace(justification)
	if len(justification) < minJustificationLength {
		return Account{}, fmt.Errorf("%w: justification must be at least %d characters", ErrInvalidInput, minJustificationLength)
	}
	if targetID == caller.ID {
		return Account{}, fmt.Errorf("%w: invalid role transition", ErrConflict)
	}
	accounts := s.store.Accounts(ctx)
	target, err := accounts.Find(ctx, targetID)
	if err != nil {
		return Account{}, err
	}
	if target.Role == newRole {
		return *target, nil
	}
	if err := s.record(ctx, s.admin, audit.Record{
		SubjectID:     caller.ID,
		Action:        "ADMIN_ROLE_CHANGED",
		TargetType:    "user",
		TargetID:      target.ID,
		Metadata:      map[string]any{"email": target.Email, "old_role": string(target.Role), "new_role": string(newRole)},
		Justification: justification,
	}); err != nil {
		return Account{}, err
	}
	if err := accounts.UpdateRole(ctx, target.ID, newRole); err != nil {
		return Account{}, notApplied("ADMIN_ROLE_CHANGED", err)
	}
	target.Role = newRole
	return *target, nil
}

// Stats counts accounts per role for an admin caller.
func (s *Service) Stats(ctx context.Context, caller Account) (Stats, error) {
	if err := RequireRole(caller, RoleAdmin); err != nil {
		return Stats{}, err
	}
	return s.store.Accounts(ctx).Stats(ctx)
}

func (s *Service) scopeAllows(scope Scope, acct Account) error {
	if scope == ScopeAdmin && acct.Role != RoleAdmin {
		return fmt.Errorf("%w: admin access required", ErrForbidden)
	}
	return nil
}

// record appends rec before the change it describes is applied, so a failed append
// leaves the account untouched.
func (s *Service) record(ctx context.Context, j Journal, rec audit.Record) error {
	if _, err := j.Append(ctx, rec); err != nil {
		return fmt.Errorf("record %s: %w", rec.Action, err)
	}
	return nil
}

// notApplied reports a store failure after the entry for action was already recorded.
func notApplied(action string, err error) error {
	return fmt.Errorf("%s recorded but not applied: %w", action, err)
}

func (s *Service) loginFailed(ctx context.Context, scope Scope, email, reason string) {
	obs.ObserveChallenge(string(scope), "denied")
	if err := audit.LogEvent(ctx, "auth.login.failed", map[string]any{
		"scope":  string(scope),
		"email":  email,
		"reason": reason,
	}); err != nil {
		obs.Logger().Error("audit log event failed", zap.Error(err))
	}
}

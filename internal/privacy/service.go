package privacy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"custodian.org/internal/audit"
	"custodian.org/internal/crypt"
	"custodian.org/internal/obs"
)

const (
	maxConsentItem    = 128
	maxConsentVersion = 32
	maxPhoneLength    = 32
	// ConsentListLimit caps how many consents Consents returns.
	ConsentListLimit = 200
)

// ActivityLog is the slice of the user activity chain the privacy service writes to and reads from.
type ActivityLog interface {
	Append(ctx context.Context, rec audit.Record) (audit.Entry, error)
	Query(ctx context.Context, f audit.Filter) (audit.Page, error)
}

// Service manages the privacy preferences and contact profile of an account.
// Every change is recorded in the account's activity chain before it is stored.
type Service struct {
	store    Store
	crypt    crypt.Provider
	activity ActivityLog
	now      func() time.Time
}

type Option func(*Service)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewService(store Store, provider crypt.Provider, activity ActivityLog, opts ...Option) (*Service, error) {
	if store == nil || provider == nil || activity == nil {
		return nil, errors.New("privacy: store, provider and activity log must be set")
	}
	s := &Service{store: store, crypt: provider, activity: activity, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Settings returns the account's toggles.
func (s *Service) Settings(ctx context.Context, accountID string) (Settings, error) {
	return s.store.Settings(ctx, accountID)
}

// UpdateSettings applies patch and returns what actually changed. Each changed toggle also
// lands in the consent log as an "updated" decision.
func (s *Service) UpdateSettings(ctx context.Context, accountID string, patch SettingsPatch) (map[string]Change, error) {
	cur, err := s.store.Settings(ctx, accountID)
	if err != nil {
		return nil, err
	}
	changed := make(map[string]Change)
	apply := func(key string, field *bool, val *bool) {
		if val == nil || *field == *val {
			return
		}
		changed[key] = Change{Old: *field, New: *val}
		*field = *val
	}
	apply("profile_public", &cur.ProfilePublic, patch.ProfilePublic)
	apply("share_usage", &cur.ShareUsage, patch.ShareUsage)
	apply("ad_personalization", &cur.AdPersonalization, patch.AdPersonalization)
	apply("show_last_seen", &cur.ShowLastSeen, patch.ShowLastSeen)
	if len(changed) == 0 {
		return changed, nil
	}

	now := s.now().UTC()
	cur.AccountID = accountID
	cur.UpdatedAt = &now
	consents := make([]Consent, 0, len(changed))
	meta := make(map[string]any, len(changed))
	keys := make([]string, 0, len(changed))
	for key := range changed {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		ch := changed[key]
		meta[key] = map[string]any{"old": ch.Old, "new": ch.New}
		consents = append(consents, Consent{AccountID: accountID, Item: key, Action: ConsentUpdated, Timestamp: now})
	}
	if err := s.record(ctx, audit.Record{
		SubjectID:  accountID,
		Action:     "PRIVACY_UPDATED",
		TargetType: "privacy_settings",
		TargetID:   accountID,
		Metadata:   map[string]any{"changed": meta},
	}); err != nil {
		return nil, err
	}
	if err := s.store.SaveSettings(ctx, cur, consents); err != nil {
		return nil, fmt.Errorf("PRIVACY_UPDATED recorded but not applied: %w", err)
	}
	return changed, nil
}

// RecordConsent appends a consent decision for item.
func (s *Service) RecordConsent(ctx context.Context, accountID, item, version, action string) (Consent, error) {
	item = strings.TrimSpace(item)
	version = strings.TrimSpace(version)
	act := ConsentAction(strings.ToLower(strings.TrimSpace(action)))
	switch {
	case item == "" || len(item) > maxConsentItem:
		return Consent{}, fmt.Errorf("%w: consent item must be 1 to %d characters", ErrInvalidInput, maxConsentItem)
	case len(version) > maxConsentVersion:
		return Consent{}, fmt.Errorf("%w: consent version must be at most %d characters", ErrInvalidInput, maxConsentVersion)
	}
	switch act {
	case ConsentAccepted, ConsentRevoked, ConsentUpdated:
	default:
		return Consent{}, fmt.Errorf("%w: consent action must be accepted, revoked or updated", ErrInvalidInput)
	}

	var ver any
	if version != "" {
		ver = version
	}
	rec := audit.Record{
		SubjectID:  accountID,
		Action:     "CONSENT_" + strings.ToUpper(string(act)),
		TargetType: "consent",
		TargetID:   item,
		Metadata:   map[string]any{"item": item, "version": ver},
	}
	if err := s.record(ctx, rec); err != nil {
		return Consent{}, err
	}
	c, err := s.store.AppendConsent(ctx, Consent{
		AccountID: accountID,
		Item:      item,
		Version:   version,
		Action:    act,
		Timestamp: s.now().UTC(),
	})
	if err != nil {
		return Consent{}, fmt.Errorf("%s recorded but not applied: %w", rec.Action, err)
	}
	return c, nil
}

// Consents lists the account's most recent consent decisions, newest first.
func (s *Service) Consents(ctx context.Context, accountID string) ([]Consent, error) {
	return s.store.Consents(ctx, accountID, ConsentListLimit)
}

// Summary is the privacy overview. It does not verify the chain.
func (s *Service) Summary(ctx context.Context, accountID string) (Summary, error) {
	settings, err := s.store.Settings(ctx, accountID)
	if err != nil {
		return Summary{}, err
	}
	count, err := s.store.CountConsents(ctx, accountID)
	if err != nil {
		return Summary{}, err
	}
	out := Summary{Settings: settings.View(), Consents: ConsentSummary{Count: count}}
	if count > 0 {
		last, err := s.store.Consents(ctx, accountID, 1)
		if err != nil {
			return Summary{}, err
		}
		if len(last) == 1 {
			c := last[0]
			out.Consents.LastItem = &c.Item
			out.Consents.LastAction = &c.Action
			out.Consents.LastAt = &c.Timestamp
		}
	}
	page, err := s.activity.Query(ctx, audit.Filter{SubjectID: accountID, SortBy: audit.SortByID, Descending: true, Limit: 1})
	if err != nil {
		return Summary{}, err
	}
	if len(page.Entries) == 1 {
		ts := page.Entries[0].Timestamp
		out.Activity.LastActivityAt = &ts
	}
	return out, nil
}

// Profile returns the decrypted profile. An undecryptable phone is an error, never an empty value.
func (s *Service) Profile(ctx context.Context, accountID string) (Profile, error) {
	stored, ok, err := s.store.Profile(ctx, accountID)
	if err != nil || !ok {
		return Profile{}, err
	}
	out := Profile{UpdatedAt: &stored.UpdatedAt}
	if len(stored.EncryptedPhone) > 0 {
		plain, err := s.crypt.Decrypt(stored.EncryptedPhone)
		if err != nil {
			obs.Logger().Error("profile_decrypt_failed", zap.String("account_id", accountID), zap.Error(err))
			return Profile{}, fmt.Errorf("%w: %v", ErrDecrypt, err)
		}
		out.Phone = string(plain)
	}
	return out, nil
}

// UpdateProfile stores the phone number encrypted. An empty phone clears it.
func (s *Service) UpdateProfile(ctx context.Context, accountID, phone string) (Profile, error) {
	phone = strings.TrimSpace(phone)
	if err := validatePhone(phone); err != nil {
		return Profile{}, err
	}
	var sealed []byte
	if phone != "" {
		var err error
		if sealed, err = s.crypt.Encrypt([]byte(phone)); err != nil {
			return Profile{}, fmt.Errorf("privacy: encrypt phone: %w", err)
		}
	}
	if err := s.record(ctx, audit.Record{
		SubjectID:  accountID,
		Action:     "PROFILE_UPDATED",
		TargetType: "profile",
		TargetID:   accountID,
		Metadata:   map[string]any{"fields": []any{"phone"}, "cleared": phone == ""},
	}); err != nil {
		return Profile{}, err
	}
	now := s.now().UTC()
	if err := s.store.SaveProfile(ctx, accountID, sealed, now); err != nil {
		return Profile{}, fmt.Errorf("PROFILE_UPDATED recorded but not applied: %w", err)
	}
	return Profile{Phone: phone, UpdatedAt: &now}, nil
}

func validatePhone(phone string) error {
	if len(phone) > maxPhoneLength {
		return fmt.Errorf("%w: phone must be at most %d characters", ErrInvalidInput, maxPhoneLength)
	}
	for i, r := range phone {
		switch {
		case r >= '0' && r <= '9', r == ' ', r == '-', r == '(', r == ')':
		case r == '+' && i == 0:
		default:
			return fmt.Errorf("%w: phone contains invalid characters", ErrInvalidInput)
		}
	}
	return nil
}

func (s *Service) record(ctx context.Context, rec audit.Record) error {
	if _, err := s.activity.Append(ctx, rec); err != nil {
		return fmt.Errorf("record %s: %w", rec.Action, err)
	}
	return nil
}

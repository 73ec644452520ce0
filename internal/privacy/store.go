package privacy

import (
	"context"
	"time"
)

// Store persists privacy state. Phone numbers arrive and leave encrypted.
type Store interface {
	// Settings returns the stored toggles, or defaults with a nil UpdatedAt when none were saved.
	Settings(ctx context.Context, accountID string) (Settings, error)
	// SaveSettings upserts s and appends consents in one step.
	SaveSettings(ctx context.Context, s Settings, consents []Consent) error
	// AppendConsent stores c and returns it with its id.
	AppendConsent(ctx context.Context, c Consent) (Consent, error)
	// Consents lists the newest limit consents of the account, newest first.
	Consents(ctx context.Context, accountID string, limit int) ([]Consent, error)
	// CountConsents returns how many consents the account has.
	CountConsents(ctx context.Context, accountID string) (int, error)
	// Profile returns the stored profile and false when none exists.
	Profile(ctx context.Context, accountID string) (StoredProfile, bool, error)
	SaveProfile(ctx context.Context, accountID string, encryptedPhone []byte, at time.Time) error
}

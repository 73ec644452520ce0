package privacy

import (
	"errors"
	"time"
)

var (
	ErrInvalidInput = errors.New("privacy: invalid input")
	ErrDecrypt      = errors.New("privacy: stored value could not be decrypted")
)

// Settings are the per-account privacy toggles. All default to false.
type Settings struct {
	AccountID         string
	ProfilePublic     bool
	ShareUsage        bool
	AdPersonalization bool
	ShowLastSeen      bool
	// UpdatedAt is nil until the settings were first changed.
	UpdatedAt *time.Time
}

// SettingsPatch carries the toggles a caller wants to set; nil leaves a toggle alone.
type SettingsPatch struct {
	ProfilePublic     *bool
	ShareUsage        *bool
	AdPersonalization *bool
	ShowLastSeen      *bool
}

// Change is one toggled setting.
type Change struct {
	Old bool `json:"old"`
	New bool `json:"new"`
}

// ConsentAction is the closed set of consent decisions.
type ConsentAction string

const (
	ConsentAccepted ConsentAction = "accepted"
	ConsentRevoked  ConsentAction = "revoked"
	ConsentUpdated  ConsentAction = "updated"
)

// Consent is one row of the append-only consent log.
type Consent struct {
	ID        int64         `json:"id"`
	AccountID string        `json:"-"`
	Item      string        `json:"item"`
	Version   string        `json:"version,omitempty"`
	Action    ConsentAction `json:"action"`
	Timestamp time.Time     `json:"ts"`
}

// StoredProfile is the profile as persisted: the phone number stays encrypted.
type StoredProfile struct {
	AccountID      string
	EncryptedPhone []byte
	UpdatedAt      time.Time
}

// Profile is the decrypted profile handed to the account holder.
type Profile struct {
	Phone     string     `json:"phone"`
	UpdatedAt *time.Time `json:"updated_at"`
}

// Summary is the privacy overview shown to the account holder.
type Summary struct {
	Settings SettingsView    `json:"settings"`
	Consents ConsentSummary  `json:"consents"`
	Activity ActivitySummary `json:"activity"`
}

type SettingsView struct {
	ProfilePublic     bool       `json:"profile_public"`
	ShareUsage        bool       `json:"share_usage"`
	AdPersonalization bool       `json:"ad_personalization"`
	ShowLastSeen      bool       `json:"show_last_seen"`
	UpdatedAt         *time.Time `json:"updated_at"`
}

func (s Settings) View() SettingsView {
	return SettingsView{
		ProfilePublic:     s.ProfilePublic,
		ShareUsage:        s.ShareUsage,
		AdPersonalization: s.AdPersonalization,
		ShowLastSeen:      s.ShowLastSeen,
		UpdatedAt:         s.UpdatedAt,
	}
}

type ConsentSummary struct {
	Count      int            `json:"count"`
	LastItem   *string        `json:"last_item"`
	LastAction *ConsentAction `json:"last_action"`
	LastAt     *time.Time     `json:"last_at"`
}

type ActivitySummary struct {
	LastActivityAt *time.Time `json:"last_activity_at"`
}

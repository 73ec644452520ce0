package privacy

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps privacy state in process.
type MemoryStore struct {
	mu       sync.Mutex
	settings map[string]Settings
	consents []Consent
	profiles map[string]StoredProfile
	nextID   int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		settings: make(map[string]Settings),
		profiles: make(map[string]StoredProfile),
	}
}

func (m *MemoryStore) Settings(_ context.Context, accountID string) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.settings[accountID]; ok {
		return s, nil
	}
	return Settings{AccountID: accountID}, nil
}

func (m *MemoryStore) SaveSettings(_ context.Context, s Settings, consents []Consent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[s.AccountID] = s
	for _, c := range consents {
		m.appendLocked(c)
	}
	return nil
}

func (m *MemoryStore) AppendConsent(_ context.Context, c Consent) (Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(c), nil
}

func (m *MemoryStore) appendLocked(c Consent) Consent {
	m.nextID++
	c.ID = m.nextID
	m.consents = append(m.consents, c)
	return c
}

func (m *MemoryStore) Consents(_ context.Context, accountID string, limit int) ([]Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Consent
	for i := len(m.consents) - 1; i >= 0 && len(out) < limit; i-- {
		if m.consents[i].AccountID == accountID {
			out = append(out, m.consents[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) CountConsents(_ context.Context, accountID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.consents {
		if c.AccountID == accountID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Profile(_ context.Context, accountID string) (StoredProfile, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[accountID]
	if ok {
		p.EncryptedPhone = append([]byte(nil), p.EncryptedPhone...)
	}
	return p, ok, nil
}

func (m *MemoryStore) SaveProfile(_ context.Context, accountID string, encryptedPhone []byte, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[accountID] = StoredProfile{
		AccountID:      accountID,
		EncryptedPhone: append([]byte(nil), encryptedPhone...),
		UpdatedAt:      at,
	}
	return nil
}

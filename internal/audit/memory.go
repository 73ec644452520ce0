package audit

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	entries []Entry
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) AppendEntry(ctx context.Context, scope Scope, subjectID string, build BuildFunc) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := ""
	for i := len(m.entries) - 1; i >= 0; i-- {
		if e := m.entries[i]; e.Scope == scope && e.SubjectID == subjectID {
			prev = e.RowHash
			break
		}
	}
	entry, err := build(prev)
	if err != nil {
		return Entry{}, err
	}
	m.nextID++
	entry.ID = m.nextID
	entry.Scope = scope
	entry.SubjectID = subjectID
	m.entries = append(m.entries, cloneEntry(entry))
	return entry, nil
}

func (m *MemoryStore) ChainEntries(ctx context.Context, scope Scope, subjectID string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	for _, e := range m.entries {
		if e.Scope == scope && e.SubjectID == subjectID {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

func (m *MemoryStore) QueryEntries(ctx context.Context, scope Scope, f Filter) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	m.mu.Lock()
	var matched []Entry
	action := strings.ToLower(f.Action)
	for _, e := range m.entries {
		if e.Scope != scope {
			continue
		}
		if f.SubjectID != "" && e.SubjectID != f.SubjectID {
			continue
		}
		if action != "" && !strings.Contains(strings.ToLower(e.Action), action) {
			continue
		}
		if f.TargetType != "" && e.TargetType != f.TargetType {
			continue
		}
		if f.TargetID != "" && e.TargetID != f.TargetID {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
			continue
		}
		matched = append(matched, cloneEntry(e))
	}
	m.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		less, equal := compareEntries(matched[i], matched[j], f.SortBy)
		if equal {
			less = matched[i].ID < matched[j].ID
		}
		if f.Descending {
			return !less
		}
		return less
	})

	total := len(matched)
	if f.Offset >= total {
		return Page{Total: total}, nil
	}
	end := f.Offset + f.Limit
	if f.Limit <= 0 || end > total {
		end = total
	}
	return Page{Entries: matched[f.Offset:end], Total: total}, nil
}

func compareEntries(a, b Entry, field SortField) (less, equal bool) {
	switch field {
	case SortByID:
		return a.ID < b.ID, a.ID == b.ID
	case SortByAction:
		return a.Action < b.Action, a.Action == b.Action
	case SortByTargetType:
		return a.TargetType < b.TargetType, a.TargetType == b.TargetType
	case SortByTargetID:
		return a.TargetID < b.TargetID, a.TargetID == b.TargetID
	default:
		return a.Timestamp.Before(b.Timestamp), a.Timestamp.Equal(b.Timestamp)
	}
}

func cloneEntry(e Entry) Entry {
	e.Metadata = append([]byte(nil), e.Metadata...)
	if e.Justification != nil {
		e.Justification = append([]byte(nil), e.Justification...)
	}
	return e
}

// Tamper rewrites a stored link in place. It exists so tests can simulate storage corruption.
func (m *MemoryStore) Tamper(id int64, fn func(*Entry)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].ID == id {
			fn(&m.entries[i])
			return true
		}
	}
	return false
}

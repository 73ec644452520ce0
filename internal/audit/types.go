package audit

import (
	"fmt"
	"strings"
	"time"
)

// Scope selects which chain family an entry belongs to.
type Scope string

const (
	ScopeUser  Scope = "user"
	ScopeAdmin Scope = "admin"
)

// ParseScope validates a scope name.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case ScopeUser:
		return ScopeUser, nil
	case ScopeAdmin:
		return ScopeAdmin, nil
	}
	return "", fmt.Errorf("%w: unknown scope %q", ErrInvalidRecord, s)
}

// Entry is a persisted chain link. Metadata and Justification hold ciphertext;
// Justification is nil when none was recorded. PrevHash is empty for the first link.
type Entry struct {
	ID            int64
	Scope         Scope
	SubjectID     string
	Timestamp     time.Time
	Action        string
	TargetType    string
	TargetID      string
	Metadata      []byte
	Justification []byte
	PrevHash      string
	RowHash       string
}

// Record is the plaintext input to Append.
type Record struct {
	SubjectID     string
	Action        string
	TargetType    string
	TargetID      string
	Metadata      map[string]any
	Justification string
}

// Revealed is an entry with its payloads decrypted, for presentation.
type Revealed struct {
	ID            int64          `json:"id"`
	Scope         Scope          `json:"scope"`
	SubjectID     string         `json:"subject_id"`
	Timestamp     time.Time      `json:"ts"`
	Action        string         `json:"action"`
	TargetType    string         `json:"target_type,omitempty"`
	TargetID      string         `json:"target_id,omitempty"`
	Metadata      map[string]any `json:"metadata"`
	Justification string         `json:"justification,omitempty"`
	PrevHash      string         `json:"prev_hash,omitempty"`
	RowHash       string         `json:"row_hash"`
}

// Report summarises a verification pass over one subject's chain.
type Report struct {
	Scope         Scope  `json:"scope"`
	SubjectID     string `json:"subject_id"`
	Valid         bool   `json:"valid"`
	Count         int    `json:"count"`
	FailedEntryID int64  `json:"failed_entry_id,omitempty"`
	Reason        Reason `json:"reason,omitempty"`
}

// SortField names a sortable plaintext column.
type SortField string

const (
	SortByTimestamp  SortField = "ts"
	SortByID         SortField = "id"
	SortByAction     SortField = "action"
	SortByTargetType SortField = "target_type"
	SortByTargetID   SortField = "target_id"
)

const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 500
)

// Filter restricts Query to plaintext columns only. Zero values mean "any".
type Filter struct {
	SubjectID  string
	Action     string // case-insensitive substring
	TargetType string
	TargetID   string
	Since      time.Time
	Until      time.Time
	SortBy     SortField
	Descending bool
	Limit      int
	Offset     int
}

// Normalize clamps paging and fills the default sort column.
func (f Filter) Normalize() (Filter, error) {
	switch f.SortBy {
	case "":
		f.SortBy = SortByTimestamp
	case SortByTimestamp, SortByID, SortByAction, SortByTargetType, SortByTargetID:
	default:
		return f, fmt.Errorf("%w: unsupported sort column %q", ErrInvalidRecord, f.SortBy)
	}
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return f, fmt.Errorf("%w: until precedes since", ErrInvalidRecord)
	}
	f.Action = strings.TrimSpace(f.Action)
	return f, nil
}

// Page is one window of query results plus the unpaged total.
type Page struct {
	Entries []Entry
	Total   int
}

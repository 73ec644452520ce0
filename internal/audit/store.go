package audit

import "context"

// BuildFunc produces the next link given the current chain head (empty for a new chain).
// The store assigns Entry.ID.
type BuildFunc func(prevHash string) (Entry, error)

// Store persists chain links. AppendEntry must read the head and insert the new link while
// holding an exclusive per-(scope, subject) lock, so concurrent appends never fork a chain.
type Store interface {
	AppendEntry(ctx context.Context, scope Scope, subjectID string, build BuildFunc) (Entry, error)
	// ChainEntries returns every link of one chain in append order.
	ChainEntries(ctx context.Context, scope Scope, subjectID string) ([]Entry, error)
	// QueryEntries applies a normalized filter within one scope.
	QueryEntries(ctx context.Context, scope Scope, f Filter) (Page, error)
}

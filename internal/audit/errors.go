package audit

import (
	"errors"
	"fmt"
)

var (
	ErrChainIntegrity = errors.New("audit: chain integrity violated")
	ErrInvalidRecord  = errors.New("audit: invalid record")
)

// Reason explains why verification stopped at an entry.
type Reason string

const (
	ReasonHashMismatch        Reason = "hash_mismatch"
	ReasonPrevPointerMismatch Reason = "prev_pointer_mismatch"
)

// IntegrityError pinpoints the first entry whose stored hash or back-pointer disagrees with recomputation.
type IntegrityError struct {
	Scope     Scope
	SubjectID string
	EntryID   int64
	Reason    Reason
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("audit: %s chain of %s broken at entry %d: %s", e.Scope, e.SubjectID, e.EntryID, e.Reason)
}

func (e *IntegrityError) Unwrap() error { return ErrChainIntegrity }

// DecryptError reports an entry whose payload could not be decrypted.
type DecryptError struct {
	EntryID int64
	Field   string
	Err     error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("audit: decrypt %s of entry %d: %v", e.Field, e.EntryID, e.Err)
}

func (e *DecryptError) Unwrap() error { return e.Err }

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"custodian.org/internal/crypt"
	"custodian.org/internal/obs"
)

// Chain appends, verifies and queries hash-chained entries for one scope.
// Hashes cover canonical plaintext; payloads are stored encrypted.
type Chain struct {
	store Store
	crypt crypt.Provider
	scope Scope
	now   func() time.Time
}

// Option configures a Chain.
type Option func(*Chain)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(c *Chain) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewChain builds a chain for scope over store, encrypting payloads with provider.
func NewChain(store Store, provider crypt.Provider, scope Scope, opts ...Option) (*Chain, error) {
	if store == nil {
		return nil, errors.New("audit: store is required")
	}
	if provider == nil {
		return nil, errors.New("audit: encryption provider is required")
	}
	if _, err := ParseScope(string(scope)); err != nil {
		return nil, err
	}
	c := &Chain{store: store, crypt: provider, scope: scope, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Chain) Scope() Scope { return c.scope }

// Append links rec onto its subject's chain.
func (c *Chain) Append(ctx context.Context, rec Record) (Entry, error) {
	rec.SubjectID = strings.TrimSpace(rec.SubjectID)
	rec.Action = strings.TrimSpace(rec.Action)
	if rec.SubjectID == "" || rec.Action == "" {
		return Entry{}, fmt.Errorf("%w: subject and action are required", ErrInvalidRecord)
	}
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := Canonicalize(meta)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: metadata: %v", ErrInvalidRecord, err)
	}
	metaCT, err := c.crypt.Encrypt(metaJSON)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: encrypt metadata: %w", err)
	}
	var justCT []byte
	if rec.Justification != "" {
		if justCT, err = c.crypt.Encrypt([]byte(rec.Justification)); err != nil {
			return Entry{}, fmt.Errorf("audit: encrypt justification: %w", err)
		}
	}
	ts := c.now().UTC().Truncate(time.Second)

	entry, err := c.store.AppendEntry(ctx, c.scope, rec.SubjectID, func(prevHash string) (Entry, error) {
		hash, err := ComputeHash(HashInput{
			SubjectID:     rec.SubjectID,
			Timestamp:     ts,
			Action:        rec.Action,
			TargetType:    rec.TargetType,
			TargetID:      rec.TargetID,
			MetadataJSON:  string(metaJSON),
			Justification: rec.Justification,
			PrevHash:      prevHash,
		})
		if err != nil {
			return Entry{}, err
		}
		return Entry{
			Scope:         c.scope,
			SubjectID:     rec.SubjectID,
			Timestamp:     ts,
			Action:        rec.Action,
			TargetType:    rec.TargetType,
			TargetID:      rec.TargetID,
			Metadata:      metaCT,
			Justification: justCT,
			PrevHash:      prevHash,
			RowHash:       hash,
		}, nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("audit: append %s: %w", rec.Action, err)
	}

	obs.Logger().Debug("audit_append", append([]zap.Field{
		zap.String("scope", string(c.scope)),
		zap.String("subject_id", entry.SubjectID),
		zap.String("action", entry.Action),
		zap.Int64("entry_id", entry.ID),
	}, contextFields(ctx)...)...)
	return entry, nil
}

// Verify walks subjectID's chain from the first link, recomputing every hash from decrypted
// plaintext. It stops at the first broken link and returns an *IntegrityError alongside the report.
func (c *Chain) Verify(ctx context.Context, subjectID string) (Report, error) {
	report := Report{Scope: c.scope, SubjectID: subjectID}
	entries, err := c.store.ChainEntries(ctx, c.scope, subjectID)
	if err != nil {
		return report, fmt.Errorf("audit: load chain: %w", err)
	}

	prev := ""
	for _, e := range entries {
		if e.PrevHash != prev {
			return c.broken(report, e.ID, ReasonPrevPointerMismatch)
		}
		metaJSON, err := c.canonicalMetadata(e)
		if err != nil {
			return report, err
		}
		just, err := c.DecryptJustification(e)
		if err != nil {
			return report, err
		}
		hash, err := ComputeHash(HashInput{
			SubjectID:     e.SubjectID,
			Timestamp:     e.Timestamp,
			Action:        e.Action,
			TargetType:    e.TargetType,
			TargetID:      e.TargetID,
			MetadataJSON:  string(metaJSON),
			Justification: just,
			PrevHash:      e.PrevHash,
		})
		if err != nil {
			return report, err
		}
		if hash != e.RowHash {
			return c.broken(report, e.ID, ReasonHashMismatch)
		}
		prev = e.RowHash
		report.Count++
	}
	report.Valid = true
	obs.ObserveChainVerify(string(c.scope), true)
	return report, nil
}

func (c *Chain) broken(report Report, entryID int64, reason Reason) (Report, error) {
	report.Valid = false
	report.FailedEntryID = entryID
	report.Reason = reason
	obs.ObserveChainVerify(string(c.scope), false)
	obs.Logger().Warn("audit_chain_broken",
		zap.String("scope", string(c.scope)),
		zap.String("subject_id", report.SubjectID),
		zap.Int64("entry_id", entryID),
		zap.String("reason", string(reason)),
	)
	return report, &IntegrityError{Scope: c.scope, SubjectID: report.SubjectID, EntryID: entryID, Reason: reason}
}

// Query lists entries of this scope matching f. Payloads stay encrypted.
func (c *Chain) Query(ctx context.Context, f Filter) (Page, error) {
	f, err := f.Normalize()
	if err != nil {
		return Page{}, err
	}
	page, err := c.store.QueryEntries(ctx, c.scope, f)
	if err != nil {
		return Page{}, fmt.Errorf("audit: query: %w", err)
	}
	return page, nil
}

func (c *Chain) canonicalMetadata(e Entry) ([]byte, error) {
	plain, err := c.crypt.Decrypt(e.Metadata)
	if err != nil {
		return nil, &DecryptError{EntryID: e.ID, Field: "metadata", Err: err}
	}
	canonical, err := CanonicalizeJSON(plain)
	if err != nil {
		return nil, &DecryptError{EntryID: e.ID, Field: "metadata", Err: err}
	}
	return canonical, nil
}

// DecryptMetadata returns the entry's metadata object.
func (c *Chain) DecryptMetadata(e Entry) (map[string]any, error) {
	raw, err := c.canonicalMetadata(e)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &DecryptError{EntryID: e.ID, Field: "metadata", Err: err}
	}
	return out, nil
}

// DecryptJustification returns the entry's justification, or "" when none was recorded.
func (c *Chain) DecryptJustification(e Entry) (string, error) {
	if e.Justification == nil {
		return "", nil
	}
	plain, err := c.crypt.Decrypt(e.Justification)
	if err != nil {
		return "", &DecryptError{EntryID: e.ID, Field: "justification", Err: err}
	}
	return string(plain), nil
}

// Reveal decrypts both payloads of e.
func (c *Chain) Reveal(e Entry) (Revealed, error) {
	meta, err := c.DecryptMetadata(e)
	if err != nil {
		return Revealed{}, err
	}
	just, err := c.DecryptJustification(e)
	if err != nil {
		return Revealed{}, err
	}
	return Revealed{
		ID:            e.ID,
		Scope:         e.Scope,
		SubjectID:     e.SubjectID,
		Timestamp:     e.Timestamp,
		Action:        e.Action,
		TargetType:    e.TargetType,
		TargetID:      e.TargetID,
		Metadata:      meta,
		Justification: just,
		PrevHash:      e.PrevHash,
		RowHash:       e.RowHash,
	}, nil
}

// RevealAll decrypts every entry of a page, failing on the first undecryptable one.
func (c *Chain) RevealAll(entries []Entry) ([]Revealed, error) {
	out := make([]Revealed, 0, len(entries))
	for _, e := range entries {
		r, err := c.Reveal(e)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

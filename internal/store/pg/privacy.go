package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"custodian.org/internal/privacy"
)

type privacyStore struct{ db *sql.DB }

// Privacy returns the settings, consent and profile store.
func (s *Store) Privacy() privacy.Store { return privacyStore{db: s.db} }

func (s privacyStore) Settings(ctx context.Context, accountID string) (privacy.Settings, error) {
	out := privacy.Settings{AccountID: accountID}
	var updated time.Time
	err := s.db.QueryRowContext(ctx, `
		select profile_public, share_usage, ad_personalization, show_last_seen, updated_at
		from privacy_settings where account_id = $1
	`, accountID).Scan(&out.ProfilePublic, &out.ShareUsage, &out.AdPersonalization, &out.ShowLastSeen, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return out, nil
	}
	if err != nil {
		return privacy.Settings{}, err
	}
	updated = updated.UTC()
	out.UpdatedAt = &updated
	return out, nil
}

func (s privacyStore) SaveSettings(ctx context.Context, st privacy.Settings, consents []privacy.Consent) error {
	updated := time.Now().UTC()
	if st.UpdatedAt != nil {
		updated = *st.UpdatedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into privacy_settings (account_id, profile_public, share_usage, ad_personalization, show_last_seen, updated_at)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (account_id) do update set
			profile_public = excluded.profile_public,
			share_usage = excluded.share_usage,
			ad_personalization = excluded.ad_personalization,
			show_last_seen = excluded.show_last_seen,
			updated_at = excluded.updated_at
	`, st.AccountID, st.ProfilePublic, st.ShareUsage, st.AdPersonalization, st.ShowLastSeen, updated); err != nil {
		return err
	}
	for _, c := range consents {
		if _, err := insertConsent(ctx, tx, c); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertConsent(ctx context.Context, db queryRower, c privacy.Consent) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx, `
		insert into consents (account_id, ts, item, version, action)
		values ($1, $2, $3, $4, $5)
		returning id
	`, c.AccountID, c.Timestamp, c.Item, sql.NullString{String: c.Version, Valid: c.Version != ""}, string(c.Action)).Scan(&id)
	return id, err
}

func (s privacyStore) AppendConsent(ctx context.Context, c privacy.Consent) (privacy.Consent, error) {
	id, err := insertConsent(ctx, s.db, c)
	if err != nil {
		return privacy.Consent{}, err
	}
	c.ID = id
	return c, nil
}

func (s privacyStore) Consents(ctx context.Context, accountID string, limit int) ([]privacy.Consent, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, account_id, ts, item, version, action
		from consents where account_id = $1
		order by id desc limit $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []privacy.Consent
	for rows.Next() {
		var (
			c       privacy.Consent
			version sql.NullString
			action  string
		)
		if err := rows.Scan(&c.ID, &c.AccountID, &c.Timestamp, &c.Item, &version, &action); err != nil {
			return nil, err
		}
		c.Version = version.String
		c.Action = privacy.ConsentAction(action)
		c.Timestamp = c.Timestamp.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s privacyStore) CountConsents(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from consents where account_id = $1`, accountID).Scan(&n)
	return n, err
}

func (s privacyStore) Profile(ctx context.Context, accountID string) (privacy.StoredProfile, bool, error) {
	p := privacy.StoredProfile{AccountID: accountID}
	err := s.db.QueryRowContext(ctx, `
		select encrypted_phone, updated_at from profiles where account_id = $1
	`, accountID).Scan(&p.EncryptedPhone, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return privacy.StoredProfile{}, false, nil
	}
	if err != nil {
		return privacy.StoredProfile{}, false, err
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, true, nil
}

func (s privacyStore) SaveProfile(ctx context.Context, accountID string, encryptedPhone []byte, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		insert into profiles (account_id, encrypted_phone, updated_at)
		values ($1, $2, $3)
		on conflict (account_id) do update set
			encrypted_phone = excluded.encrypted_phone,
			updated_at = excluded.updated_at
	`, accountID, encryptedPhone, at)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return privacy.ErrInvalidInput
	}
	return err
}

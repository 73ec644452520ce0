package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"custodian.org/internal/auth"
)

type accountStore struct{ db *sql.DB }

const accountColumns = `id, email, password_hash, totp_secret, role, last_otp_at, otp_pending, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*auth.Account, error) {
	var (
		a       auth.Account
		role    string
		lastOTP sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.TOTPSecret, &role, &lastOTP, &a.OTPPending, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Role = auth.Role(role)
	if lastOTP.Valid {
		t := lastOTP.Time.UTC()
		a.LastOTPAt = &t
	}
	return &a, nil
}

func (s accountStore) Create(ctx context.Context, a *auth.Account) error {
	_, err := s.db.ExecContext(ctx, `
		insert into accounts (id, email, password_hash, totp_secret, role, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.Email, a.PasswordHash, a.TOTPSecret, string(a.Role), a.CreatedAt, a.UpdatedAt)
	if isUniqueViolation(err) {
		return auth.ErrConflict
	}
	return err
}

func (s accountStore) findOne(ctx context.Context, where string, arg any) (*auth.Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return a, err
}

func (s accountStore) Find(ctx context.Context, id string) (*auth.Account, error) {
	return s.findOne(ctx, `id = $1`, id)
}

func (s accountStore) FindByEmail(ctx context.Context, email string) (*auth.Account, error) {
	return s.findOne(ctx, `lower(email) = lower($1)`, email)
}

func (s accountStore) List(ctx context.Context) ([]*auth.Account, error) {
	rows, err := s.db.QueryContext(ctx, `select `+accountColumns+` from accounts order by id asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*auth.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (s accountStore) Stats(ctx context.Context) (auth.Stats, error) {
	var st auth.Stats
	err := s.db.QueryRowContext(ctx, `
		select
			count(*) filter (where role <> 'admin'),
			count(*) filter (where role = 'admin')
		from accounts
	`).Scan(&st.Users, &st.Admins)
	return st, err
}

func (s accountStore) MarkChallengeIssued(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update accounts set last_otp_at = $2, otp_pending = true, updated_at = $2
		where id = $1
	`, id, at)
	if err != nil {
		return err
	}
	return expectOne(res, auth.ErrNotFound)
}

func (s accountStore) MarkChallengeResent(ctx context.Context, id string, at, cutoff time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update accounts set last_otp_at = $2, otp_pending = true, updated_at = $2
		where id = $1 and (last_otp_at is null or last_otp_at <= $3)
	`, id, at, cutoff)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s accountStore) ConsumeChallenge(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update accounts set otp_pending = false
		where id = $1 and otp_pending
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s accountStore) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `
		update accounts set password_hash = $2, updated_at = now() where id = $1
	`, id, passwordHash)
	if err != nil {
		return err
	}
	return expectOne(res, auth.ErrNotFound)
}

func (s accountStore) UpdateEmail(ctx context.Context, id, email string) error {
	res, err := s.db.ExecContext(ctx, `
		update accounts set email = $2, updated_at = now() where id = $1
	`, id, email)
	if isUniqueViolation(err) {
		return auth.ErrConflict
	}
	if err != nil {
		return err
	}
	return expectOne(res, auth.ErrNotFound)
}

func (s accountStore) UpdateRole(ctx context.Context, id string, role auth.Role) error {
	res, err := s.db.ExecContext(ctx, `
		update accounts set role = $2, updated_at = now() where id = $1
	`, id, string(role))
	if err != nil {
		return err
	}
	return expectOne(res, auth.ErrNotFound)
}

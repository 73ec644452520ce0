package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"custodian.org/internal/auth"
)

type refreshStore struct{ db *sql.DB }

const refreshColumns = `id, account_id, token_hash, expires_at, created_at, revoked, replaced_by`

func scanRefresh(row rowScanner) (*auth.RefreshToken, error) {
	var (
		t          auth.RefreshToken
		replacedBy sql.NullString
	)
	if err := row.Scan(&t.ID, &t.AccountID, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt, &t.Revoked, &replacedBy); err != nil {
		return nil, err
	}
	t.ReplacedBy = replacedBy.String
	return &t, nil
}

func (s refreshStore) Create(ctx context.Context, tok *auth.RefreshToken) error {
	return insertRefresh(ctx, s.db, tok)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRefresh(ctx context.Context, db execer, tok *auth.RefreshToken) error {
	_, err := db.ExecContext(ctx, `
		insert into refresh_tokens (id, account_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5)
	`, tok.ID, tok.AccountID, tok.TokenHash, tok.ExpiresAt, tok.CreatedAt)
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return auth.ErrConflict
		case pgErrForeignKeyViolation:
			return auth.ErrNotFound
		}
	}
	return err
}

func (s refreshStore) FindByHash(ctx context.Context, tokenHash string) (*auth.RefreshToken, error) {
	t, err := scanRefresh(s.db.QueryRowContext(ctx,
		`select `+refreshColumns+` from refresh_tokens where token_hash = $1`, tokenHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrTokenNotFound
	}
	return t, err
}

// lockAccount serializes every refresh mutation of one account behind its account row.
func lockAccount(ctx context.Context, tx *sql.Tx, accountID string) error {
	var dummy int
	err := tx.QueryRowContext(ctx, `select 1 from accounts where id = $1 for update`, accountID).Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	return err
}

func (s refreshStore) Rotate(ctx context.Context, oldHash string, next *auth.RefreshToken, now time.Time) (*auth.RefreshToken, error) {
	var accountID string
	err := s.db.QueryRowContext(ctx, `select account_id from refresh_tokens where token_hash = $1`, oldHash).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockAccount(ctx, tx, accountID); err != nil {
		return nil, err
	}
	prev, err := scanRefresh(tx.QueryRowContext(ctx,
		`select `+refreshColumns+` from refresh_tokens where token_hash = $1 for update`, oldHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := prev.RotationError(now); err != nil {
		return prev, err
	}
	if err := insertRefresh(ctx, tx, next); err != nil {
		return prev, err
	}
	if _, err := tx.ExecContext(ctx, `
		update refresh_tokens set revoked = true, replaced_by = $2 where id = $1
	`, prev.ID, next.TokenHash); err != nil {
		return prev, err
	}
	if err := tx.Commit(); err != nil {
		return prev, err
	}
	return prev, nil
}

func (s refreshStore) Revoke(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked = true where token_hash = $1 and not revoked
	`, tokenHash)
	return err
}

func (s refreshStore) RevokeByAccount(ctx context.Context, accountID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockAccount(ctx, tx, accountID); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `
		update refresh_tokens set revoked = true where account_id = $1 and not revoked
	`, accountID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"custodian.org/internal/audit"
)

const auditColumns = `id, scope, subject_id, ts, action, target_type, target_id, metadata, justification, prev_hash, row_hash`

var auditSortColumns = map[audit.SortField]string{
	audit.SortByTimestamp:  "ts",
	audit.SortByID:         "id",
	audit.SortByAction:     "action",
	audit.SortByTargetType: "target_type",
	audit.SortByTargetID:   "target_id",
}

// ErrChainFork reports a second link inserted behind the same head.
var ErrChainFork = errors.New("pg: audit chain head already extended")

func scanEntry(row rowScanner) (audit.Entry, error) {
	var (
		e     audit.Entry
		scope string
	)
	if err := row.Scan(&e.ID, &scope, &e.SubjectID, &e.Timestamp, &e.Action, &e.TargetType, &e.TargetID,
		&e.Metadata, &e.Justification, &e.PrevHash, &e.RowHash); err != nil {
		return audit.Entry{}, err
	}
	e.Scope = audit.Scope(scope)
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

// AppendEntry holds a transaction-scoped advisory lock keyed by scope and subject while it
// reads the chain head and inserts the next link.
func (s *Store) AppendEntry(ctx context.Context, scope audit.Scope, subjectID string, build audit.BuildFunc) (audit.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return audit.Entry{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock(hashtextextended($1, 0))`,
		string(scope)+":"+subjectID); err != nil {
		return audit.Entry{}, fmt.Errorf("lock chain: %w", err)
	}

	var prev string
	err = tx.QueryRowContext(ctx, `
		select row_hash from audit_log
		where scope = $1 and subject_id = $2
		order by id desc
		limit 1
	`, string(scope), subjectID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return audit.Entry{}, err
	}

	entry, err := build(prev)
	if err != nil {
		return audit.Entry{}, err
	}
	entry.Scope = scope
	entry.SubjectID = subjectID

	err = tx.QueryRowContext(ctx, `
		insert into audit_log (scope, subject_id, ts, action, target_type, target_id, metadata, justification, prev_hash, row_hash)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		returning id
	`, string(scope), subjectID, entry.Timestamp, entry.Action, entry.TargetType, entry.TargetID,
		entry.Metadata, entry.Justification, entry.PrevHash, entry.RowHash).Scan(&entry.ID)
	if isUniqueViolation(err) {
		return audit.Entry{}, ErrChainFork
	}
	if err != nil {
		return audit.Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return audit.Entry{}, err
	}
	return entry, nil
}

func (s *Store) ChainEntries(ctx context.Context, scope audit.Scope, subjectID string) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+auditColumns+` from audit_log
		where scope = $1 and subject_id = $2
		order by id asc
	`, string(scope), subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (s *Store) QueryEntries(ctx context.Context, scope audit.Scope, f audit.Filter) (audit.Page, error) {
	col, ok := auditSortColumns[f.SortBy]
	if !ok {
		col = "ts"
	}
	where, args := auditWhere(scope, f)

	var page audit.Page
	if err := s.db.QueryRowContext(ctx, `select count(*) from audit_log where `+where, args...).Scan(&page.Total); err != nil {
		return audit.Page{}, err
	}

	dir := "asc"
	if f.Descending {
		dir = "desc"
	}
	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf(`select %s from audit_log where %s order by %s %s, id %s limit $%d offset $%d`,
		auditColumns, where, col, dir, dir, len(args)-1, len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return audit.Page{}, err
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return audit.Page{}, err
		}
		page.Entries = append(page.Entries, e)
	}
	return page, rows.Err()
}

func auditWhere(scope audit.Scope, f audit.Filter) (string, []any) {
	clauses := []string{"scope = $1"}
	args := []any{string(scope)}
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.SubjectID != "" {
		add("subject_id = $%d", f.SubjectID)
	}
	if f.Action != "" {
		add("strpos(lower(action), lower($%d)) > 0", f.Action)
	}
	if f.TargetType != "" {
		add("target_type = $%d", f.TargetType)
	}
	if f.TargetID != "" {
		add("target_id = $%d", f.TargetID)
	}
	if !f.Since.IsZero() {
		add("ts >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("ts <= $%d", f.Until)
	}
	return strings.Join(clauses, " and "), args
}

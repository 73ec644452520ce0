package pg

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"custodian.org/internal/privacy"
)

func TestPrivacySettingsDefaultWhenMissing(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	mock.ExpectQuery("from privacy_settings where account_id").
		WithArgs("a1").
		WillReturnError(sql.ErrNoRows)

	st, err := store.Privacy().Settings(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, "a1", st.AccountID)
	require.False(t, st.ProfilePublic)
	require.Nil(t, st.UpdatedAt)
}

func TestPrivacySaveSettingsWritesConsentsInOneTx(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("insert into privacy_settings").
		WithArgs("a1", true, false, false, true, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("insert into consents").
		WithArgs("a1", now, "profile_public", sql.NullString{}, "updated").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectCommit()

	err := store.Privacy().SaveSettings(ctx,
		privacy.Settings{AccountID: "a1", ProfilePublic: true, ShowLastSeen: true, UpdatedAt: &now},
		[]privacy.Consent{{AccountID: "a1", Item: "profile_public", Action: privacy.ConsentUpdated, Timestamp: now}},
	)
	require.NoError(t, err)
}

func TestPrivacySaveSettingsRollsBackOnConsentFailure(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("insert into privacy_settings").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("insert into consents").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := store.Privacy().SaveSettings(ctx,
		privacy.Settings{AccountID: "a1", ShareUsage: true, UpdatedAt: &now},
		[]privacy.Consent{{AccountID: "a1", Item: "share_usage", Action: privacy.ConsentUpdated, Timestamp: now}},
	)
	require.ErrorIs(t, err, sql.ErrConnDone)
}

func TestPrivacyConsentsNewestFirst(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	cols := []string{"id", "account_id", "ts", "item", "version", "action"}
	mock.ExpectQuery(`from consents where account_id = \$1\s+order by id desc limit \$2`).
		WithArgs("a1", 50).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(2), "a1", now, "terms", "v2", "accepted").
			AddRow(int64(1), "a1", now.Add(-time.Hour), "newsletter", nil, "revoked"))

	list, err := store.Privacy().Consents(ctx, "a1", 50)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, int64(2), list[0].ID)
	require.Equal(t, "v2", list[0].Version)
	require.Equal(t, privacy.ConsentRevoked, list[1].Action)
	require.Empty(t, list[1].Version)
}

func TestPrivacyAppendConsentReturnsID(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("insert into consents").
		WithArgs("a1", now, "terms", sql.NullString{String: "v1", Valid: true}, "accepted").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))

	c, err := store.Privacy().AppendConsent(ctx, privacy.Consent{
		AccountID: "a1", Item: "terms", Version: "v1", Action: privacy.ConsentAccepted, Timestamp: now,
	})
	require.NoError(t, err)
	require.Equal(t, int64(11), c.ID)
}

func TestPrivacyProfileMissingAndUnknownAccount(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("from profiles where account_id").
		WithArgs("a1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("insert into profiles").
		WithArgs("ghost", []byte("sealed"), now).
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})

	_, ok, err := store.Privacy().Profile(ctx, "a1")
	require.NoError(t, err)
	require.False(t, ok)

	err = store.Privacy().SaveProfile(ctx, "ghost", []byte("sealed"), now)
	require.ErrorIs(t, err, privacy.ErrInvalidInput)
}

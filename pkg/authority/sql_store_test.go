package authority

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLGrantStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	body, err := json.Marshal(agentGrant())
	require.NoError(t, err)

	mock.ExpectQuery("SELECT body FROM authority_grants").
		WithArgs("agent").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(string(body)))
	mock.ExpectQuery("SELECT body FROM authority_grants").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	store := NewSQLGrantStore(db)
	g, err := store.Get(context.Background(), "agent")
	require.NoError(t, err)
	assert.Equal(t, "ops", g.ParentID)
	assert.True(t, g.ExpiresAt.Equal(*agentGrant().ExpiresAt))

	_, err = store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrGrantNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLGrantStore_PutDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("INSERT INTO authority_grants").
		WithArgs("agent", "ops", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO authority_grants").
		WithArgs("agent", "ops", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewSQLGrantStore(db)
	require.NoError(t, store.Put(context.Background(), agentGrant()))
	require.ErrorIs(t, store.Put(context.Background(), agentGrant()), ErrGrantExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLGrantStore_Revoke(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	body, err := json.Marshal(agentGrant())
	require.NoError(t, err)
	at := testNow.Add(time.Minute)

	mock.ExpectQuery("SELECT body FROM authority_grants").
		WithArgs("agent").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(string(body)))
	mock.ExpectExec("INSERT INTO authority_revocations").
		WithArgs("agent", at.Format(time.RFC3339Nano)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT revoked_at FROM authority_revocations").
		WithArgs("agent").
		WillReturnRows(sqlmock.NewRows([]string{"revoked_at"}).AddRow(at.Format(time.RFC3339Nano)))

	store := NewSQLGrantStore(db)
	require.NoError(t, store.Revoke(context.Background(), "agent", at))

	got, err := store.RevokedAt(context.Background(), "agent")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Equal(at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLGrantStore_RevokeIrrevocable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	body, err := json.Marshal(rootGrant())
	require.NoError(t, err)
	mock.ExpectQuery("SELECT body FROM authority_grants").
		WithArgs("root").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(string(body)))

	store := NewSQLGrantStore(db)
	require.ErrorIs(t, store.Revoke(context.Background(), "root", testNow), ErrNotRevocable)
	require.NoError(t, mock.ExpectationsWereMet())
}

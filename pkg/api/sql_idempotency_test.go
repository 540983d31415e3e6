package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipanova/pulp-shelter/pkg/database"
)

func TestSQLIdempotencyStore_CheckHit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLIdempotencyStore(db, database.DialectPostgres, time.Hour, nil)
	mock.ExpectQuery(`SELECT status_code, headers, body, cached_at FROM idempotency_keys WHERE idempotency_key = \$1`).
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows([]string{"status_code", "headers", "body", "cached_at"}).
			AddRow(202, `{"Content-Type":["application/json"]}`, `{"id":"t1"}`, time.Now().UTC().Format(time.RFC3339Nano)))

	cached, ok := s.Check(context.Background(), "k1")
	require.True(t, ok)
	assert.Equal(t, http.StatusAccepted, cached.StatusCode)
	assert.Equal(t, "application/json", cached.Headers.Get("Content-Type"))
	assert.JSONEq(t, `{"id":"t1"}`, string(cached.Body))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLIdempotencyStore_ExpiredIsDeleted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLIdempotencyStore(db, database.DialectSQLite, time.Minute, nil)
	mock.ExpectQuery(`SELECT status_code, headers, body, cached_at FROM idempotency_keys WHERE idempotency_key = \?`).
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows([]string{"status_code", "headers", "body", "cached_at"}).
			AddRow(200, `{}`, `ok`, time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano)))
	mock.ExpectExec(`DELETE FROM idempotency_keys WHERE idempotency_key = \?`).
		WithArgs("k1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, ok := s.Check(context.Background(), "k1")
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLIdempotencyStore_Set(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLIdempotencyStore(db, database.DialectPostgres, time.Hour, nil)
	mock.ExpectExec(`INSERT INTO idempotency_keys`).
		WithArgs("k1", 201, `{"Location":["/v1/tasks/t1"]}`, "body", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	s.Set(context.Background(), "k1", http.StatusCreated, http.Header{"Location": {"/v1/tasks/t1"}}, []byte("body"))
	assert.NoError(t, mock.ExpectationsWereMet())

	mock.ExpectExec(`DELETE FROM idempotency_keys WHERE cached_at < \$1`).
		WillReturnResult(sqlmock.NewResult(0, 3))
	assert.NoError(t, s.Cleanup(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

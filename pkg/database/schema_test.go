package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/medrex/dlt-keyx/pkg/config"
	"github.com/medrex/dlt-keyx/pkg/logger"
	"github.com/medrex/dlt-keyx/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSchema(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS device_keys").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_device_keys_identity").WillReturnResult(sqlmock.NewResult(0, 0))

	db := Wrap(sqlDB, logger.Discard())
	require.NoError(t, db.CreateSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildConnectionString(t *testing.T) {
	cfg := &config.DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", buildConnectionString(cfg))

	cfg.DSN = "postgres://u:p@db/n"
	assert.Equal(t, "postgres://u:p@db/n", buildConnectionString(cfg))
}

func TestAwait(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer sqlDB.Close()
	db := Wrap(sqlDB, nil)
	clock := retry.NewFakeClock(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))

	t.Run("retries until reachable", func(t *testing.T) {
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))
		mock.ExpectPing()

		require.NoError(t, db.await(context.Background(), retry.Fixed(3, time.Second), clock))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("gives up", func(t *testing.T) {
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		err := db.await(context.Background(), retry.Fixed(2, time.Second), clock)
		assert.ErrorIs(t, err, retry.ErrExhausted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

package delayqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cuongbtq/gemmie-chat/shared/logger"
	"github.com/cuongbtq/gemmie-chat/shared/postgresql"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pg := postgresql.NewClientFromDB(sqlx.NewDb(db, "postgres"), logger.Discard())
	return NewPostgres(pg, logger.Discard()), mock
}

func TestPostgres_EnsureSchema(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS kv_entries`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, p.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Get(t *testing.T) {
	tests := []struct {
		name        string
		mock        func(mock sqlmock.Sqlmock)
		expected    string
		expectedErr error
	}{
		{
			name: "live entry",
			mock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT value\s+FROM kv_entries\s+WHERE key = \$1`).
					WithArgs("gemmie:pending-job").
					WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(`{"jobId":"j1"}`))
			},
			expected: `{"jobId":"j1"}`,
		},
		{
			name: "missing entry",
			mock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT value\s+FROM kv_entries`).
					WithArgs("gemmie:pending-job").
					WillReturnRows(sqlmock.NewRows([]string{"value"}))
			},
			expectedErr: ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, mock := newMockPostgres(t)
			tt.mock(mock)

			value, err := p.Get(context.Background(), "gemmie:pending-job")
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expected, value)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgres_Set(t *testing.T) {
	tests := []struct {
		name     string
		opts     SetOptions
		pattern  string
		affected int64
		expected bool
	}{
		{
			name:     "plain upsert",
			opts:     SetOptions{},
			pattern:  `INSERT INTO kv_entries .* ON CONFLICT \(key\) DO UPDATE\s+SET value = EXCLUDED.value,\s+expires_at = EXCLUDED.expires_at$`,
			affected: 1,
			expected: true,
		},
		{
			name:     "only if absent acquired",
			opts:     SetOptions{TTL: 30 * time.Second, OnlyIfAbsent: true},
			pattern:  `INSERT INTO kv_entries .* WHERE kv_entries.expires_at IS NOT NULL`,
			affected: 1,
			expected: true,
		},
		{
			name:     "only if absent held",
			opts:     SetOptions{TTL: 30 * time.Second, OnlyIfAbsent: true},
			pattern:  `INSERT INTO kv_entries .* WHERE kv_entries.expires_at IS NOT NULL`,
			affected: 0,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, mock := newMockPostgres(t)

			mock.ExpectExec(tt.pattern).
				WithArgs("gemmie:active-job", "token", tt.opts.TTL.Seconds()).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			ok, err := p.Set(context.Background(), "gemmie:active-job", "token", tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ok)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgres_Set_Error(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec(`INSERT INTO kv_entries`).
		WillReturnError(errors.New("connection reset"))

	_, err := p.Set(context.Background(), "k", "v", SetOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to set k")
}

func TestPostgres_DeleteIfEquals(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec(`DELETE FROM kv_entries WHERE key = \$1 AND value = \$2`).
		WithArgs("gemmie:active-job", "token").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := p.DeleteIfEquals(context.Background(), "gemmie:active-job", "token")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListDrain_OrdersByID(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectQuery(`DELETE FROM kv_lists WHERE key = \$1 RETURNING id, value`).
		WithArgs("gemmie:queued-triggers").
		WillReturnRows(sqlmock.NewRows([]string{"id", "value"}).
			AddRow(int64(7), "third").
			AddRow(int64(3), "first").
			AddRow(int64(5), "second"))

	values, err := p.ListDrain(context.Background(), "gemmie:queued-triggers")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, values)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListAppendAndRead(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec(`INSERT INTO kv_lists \(key, value\) VALUES \(\$1, \$2\)`).
		WithArgs("q", "a").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT value FROM kv_lists WHERE key = \$1 ORDER BY id`).
		WithArgs("q").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("a"))

	require.NoError(t, p.ListAppend(context.Background(), "q", "a"))

	values, err := p.ListReadAll(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, values)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SetAddAndContains(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec(`INSERT INTO kv_sets`).
		WithArgs("gemmie:processed-jobs", "job-1", float64(3600)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("gemmie:processed-jobs", "job-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	added, err := p.SetAdd(context.Background(), "gemmie:processed-jobs", "job-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, added)

	found, err := p.SetContains(context.Background(), "gemmie:processed-jobs", "job-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PurgeExpired(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec(`DELETE FROM kv_entries WHERE expires_at`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM kv_sets WHERE expires_at`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := p.PurgeExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

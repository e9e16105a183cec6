package database

import (
	"database/sql"
	"errors"
	"io/fs"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapError(t *testing.T) {
	tcases := []struct {
		name   string
		err    error
		target error
	}{
		{
			name:   "no rows",
			err:    sql.ErrNoRows,
			target: ErrNotFound,
		},
		{
			name:   "unique violation",
			err:    &pq.Error{Code: pgerrcode.UniqueViolation},
			target: ErrConflict,
		},
		{
			name:   "foreign key violation",
			err:    &pq.Error{Code: pgerrcode.ForeignKeyViolation},
			target: ErrNotFound,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			err := mapError("op", tc.err)
			assert.True(t, errors.Is(err, tc.target), "expected %v to wrap %v", err, tc.target)
			assert.True(t, errors.Is(err, tc.err), "expected original error to stay in chain")
		})
	}

	assert.NoError(t, mapError("op", nil))

	other := errors.New("connection reset")
	err := mapError("op", other)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrConflict))
	assert.ErrorIs(t, err, other)
}

func TestNullIfEmpty(t *testing.T) {
	assert.False(t, nullIfEmpty("").Valid)
	assert.Equal(t, sql.NullString{String: "hi", Valid: true}, nullIfEmpty("hi"))
}

func TestMigrationsEmbedded(t *testing.T) {
	up, err := fs.ReadFile(migrationsFS, "migrations/000001_init.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(up), "CREATE TABLE IF NOT EXISTS messages")
	assert.Contains(t, string(up), "seen_ids")

	_, err = fs.ReadFile(migrationsFS, "migrations/000001_init.down.sql")
	assert.NoError(t, err)
}

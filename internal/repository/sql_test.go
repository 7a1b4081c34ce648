package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteRepository(t *testing.T) *SQLRepository {
	t.Helper()

	dsn := SQLiteDSN(filepath.Join(t.TempDir(), "gateway.db"))
	repo, err := OpenSQL(context.Background(), SQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLRepository_SQLite(t *testing.T) {
	testStore(t, func(t *testing.T) Store {
		return newSQLiteRepository(t)
	})
}

func TestSQLRepository_MigrateIsIdempotent(t *testing.T) {
	repo := newSQLiteRepository(t)

	assert.NoError(t, repo.Migrate(context.Background()))
}

func TestSQLRepository_BalanceNeverNegative(t *testing.T) {
	repo := newSQLiteRepository(t)
	user := createWithBalance(t, repo, 5)

	_, err := repo.DB().Exec(`UPDATE balances SET amount = -1 WHERE user_id = ?`, user.ID)

	assert.Error(t, err, "CHECK constraint should reject a negative balance")
	assertBalance(t, repo, user.ID, 5)
}

func TestDialect_Rebind(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		query   string
		want    string
	}{
		{
			name:    "postgres numbers placeholders",
			dialect: Postgres,
			query:   "UPDATE balances SET amount = amount - ? WHERE user_id = ? AND amount >= ?",
			want:    "UPDATE balances SET amount = amount - $1 WHERE user_id = $2 AND amount >= $3",
		},
		{
			name:    "sqlite keeps question marks",
			dialect: SQLite,
			query:   "SELECT amount FROM balances WHERE user_id = ?",
			want:    "SELECT amount FROM balances WHERE user_id = ?",
		},
		{
			name:    "no placeholders",
			dialect: Postgres,
			query:   "SELECT 1",
			want:    "SELECT 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.dialect.rebind(tt.query))
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, isUniqueViolation(nil))
	assert.True(t, isUniqueViolation(errorString("constraint failed: UNIQUE constraint failed: users.email (2067)")))
	assert.False(t, isUniqueViolation(errorString("disk I/O error")))
}

type errorString string

func (e errorString) Error() string { return string(e) }

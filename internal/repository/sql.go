package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/felipepmaragno/token-gateway/internal/domain"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect captures the few differences between the SQL engines we run on.
// Queries are written with ? placeholders and rebound per dialect.
type Dialect struct {
	Name     string
	Driver   string
	numbered bool
}

var (
	Postgres = Dialect{Name: "postgres", Driver: "postgres", numbered: true}
	// SQLite uses modernc.org/sqlite: pure Go, no CGO.
	SQLite = Dialect{Name: "sqlite", Driver: "sqlite"}
)

func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

const ddlUsers = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	is_superuser  BOOLEAN NOT NULL DEFAULT FALSE,
	is_active     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at    BIGINT NOT NULL
)`

const ddlBalances = `
CREATE TABLE IF NOT EXISTS balances (
	user_id TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	amount  BIGINT NOT NULL DEFAULT 0 CHECK (amount >= 0)
)`

// SQLRepository implements Store on PostgreSQL or SQLite.
type SQLRepository struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLRepository(db *sql.DB, dialect Dialect) *SQLRepository {
	return &SQLRepository{db: db, dialect: dialect}
}

// OpenSQL connects, verifies the connection and runs migrations.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQLRepository, error) {
	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.Name, err)
	}

	if dialect == SQLite {
		// One writer at a time avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect.Name, err)
	}

	repo := NewSQLRepository(db, dialect)
	if err := repo.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return repo, nil
}

// SQLiteDSN builds a DSN for a database file with foreign keys enforced.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

func (r *SQLRepository) DB() *sql.DB {
	return r.db
}

func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func (r *SQLRepository) Migrate(ctx context.Context) error {
	for _, ddl := range []string{ddlUsers, ddlBalances} {
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (r *SQLRepository) Create(ctx context.Context, user *domain.User) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var taken int
	err = tx.QueryRowContext(ctx, r.dialect.rebind(`SELECT COUNT(*) FROM users WHERE email = ?`), user.Email).Scan(&taken)
	if err != nil {
		return fmt.Errorf("check email: %w", err)
	}
	if taken > 0 {
		return domain.ErrEmailTaken
	}

	_, err = tx.ExecContext(ctx, r.dialect.rebind(`
		INSERT INTO users (id, email, name, password_hash, is_superuser, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`),
		user.ID,
		user.Email,
		user.Name,
		user.PasswordHash,
		user.IsSuperuser,
		user.IsActive,
		user.CreatedAt.Unix(),
	)
	if isUniqueViolation(err) {
		return domain.ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}

	_, err = tx.ExecContext(ctx, r.dialect.rebind(`INSERT INTO balances (user_id, amount) VALUES (?, 0)`), user.ID)
	if err != nil {
		return fmt.Errorf("insert balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit user: %w", err)
	}
	return nil
}

const userColumns = `id, email, name, password_hash, is_superuser, is_active, created_at`

func (r *SQLRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, r.dialect.rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	return scanUser(row)
}

func (r *SQLRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, r.dialect.rebind(`SELECT `+userColumns+` FROM users WHERE email = ?`), email)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var user domain.User
	var createdAt int64

	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.PasswordHash,
		&user.IsSuperuser,
		&user.IsActive,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}

	user.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &user, nil
}

func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.dialect.rebind(`DELETE FROM balances WHERE user_id = ?`), id); err != nil {
		return fmt.Errorf("delete balance: %w", err)
	}

	result, err := tx.ExecContext(ctx, r.dialect.rebind(`DELETE FROM users WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.ErrUserNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

func (r *SQLRepository) GetBalance(ctx context.Context, userID string) (int64, error) {
	var amount int64
	err := r.db.QueryRowContext(ctx, r.dialect.rebind(`SELECT amount FROM balances WHERE user_id = ?`), userID).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return amount, nil
}

func (r *SQLRepository) TryDeduct(ctx context.Context, userID string, amount int64) (bool, error) {
	if err := checkAmount(amount); err != nil {
		return false, err
	}

	// A single conditional UPDATE is atomic; there is no read-then-write window.
	result, err := r.db.ExecContext(ctx, r.dialect.rebind(`
		UPDATE balances SET amount = amount - ?
		WHERE user_id = ? AND amount >= ?
	`), amount, userID, amount)
	if err != nil {
		return false, fmt.Errorf("deduct balance: %w", err)
	}

	if rows, _ := result.RowsAffected(); rows == 1 {
		return true, nil
	}

	if _, err := r.GetBalance(ctx, userID); err != nil {
		return false, err
	}
	return false, nil
}

func (r *SQLRepository) Deduct(ctx context.Context, userID string, amount int64) (int64, error) {
	if err := checkAmount(amount); err != nil {
		return 0, err
	}

	for {
		current, err := r.GetBalance(ctx, userID)
		if err != nil {
			return 0, err
		}

		next, shortfall := current-amount, int64(0)
		if next < 0 {
			next, shortfall = 0, -next
		}

		result, err := r.db.ExecContext(ctx, r.dialect.rebind(`
			UPDATE balances SET amount = ?
			WHERE user_id = ? AND amount = ?
		`), next, userID, current)
		if err != nil {
			return 0, fmt.Errorf("deduct balance: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 1 {
			return shortfall, nil
		}

		// Lost the race against another writer; re-read and try again.
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}
}

func (r *SQLRepository) Credit(ctx context.Context, userID string, amount int64) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	return r.updateBalance(ctx, `UPDATE balances SET amount = amount + ? WHERE user_id = ?`, amount, userID)
}

func (r *SQLRepository) ForceSetBalance(ctx context.Context, userID string, amount int64) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	return r.updateBalance(ctx, `UPDATE balances SET amount = ? WHERE user_id = ?`, amount, userID)
}

func (r *SQLRepository) updateBalance(ctx context.Context, query string, amount int64, userID string) error {
	result, err := r.db.ExecContext(ctx, r.dialect.rebind(query), amount, userID)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

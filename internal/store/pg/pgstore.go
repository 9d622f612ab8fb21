package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrSerializationFail   = "40001"
)

// Store is the PostgreSQL persistence layer behind the identity, session and
// audit packages.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL through the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection (used by tests with sqlmock).
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// querier is satisfied by both *sql.DB and *sql.Tx so read helpers can run
// inside or outside a transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// serializationRetries bounds how many times a serializable transaction is
// re-run after Postgres aborts it with SQLSTATE 40001.
const serializationRetries = 3

func isSerializationFailure(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == pgErrSerializationFail
}

// retrySerializable re-runs fn while it keeps failing with a serialization
// conflict. fn must be safe to repeat from scratch.
func retrySerializable(fn func() error) error {
	var err error
	for attempt := 0; attempt < serializationRetries; attempt++ {
		err = fn()
		if !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

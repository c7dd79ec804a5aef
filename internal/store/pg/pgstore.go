// Package pg is the PostgreSQL persistence layer. It speaks database/sql over
// the pgx stdlib driver and maps storage-level failures onto the domain
// sentinel errors, so nothing above it imports driver types.
package pg

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"trainhub.org/internal/audit"
	"trainhub.org/internal/dept"
	"trainhub.org/internal/perm"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type Store struct {
	db *sql.DB
}

var (
	_ dept.Store            = (*Store)(nil)
	_ perm.RecordStore      = (*Store)(nil)
	_ perm.TemplateStore    = (*Store)(nil)
	_ perm.ResolutionStore  = (*Store)(nil)
	_ perm.MemberDirectory  = (*Store)(nil)
	_ perm.MemberGrantStore = (*Store)(nil)
	_ audit.Store           = (*Store)(nil)
)

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

// NewWithDB wraps an existing handle; tests use it with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// Package metastore is the relational metadata store rules are evaluated
// against. It serves PostgreSQL through lib/pq and SQLite through
// modernc.org/sqlite.
package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/liamcoop/storagerules/internal/logger"
)

// Dialect selects the SQL flavour of the underlying database
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// ParseDialect maps a driver name to its dialect
func ParseDialect(driver string) (Dialect, error) {
	switch driver {
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q (use postgres or sqlite)", driver)
	}
}

func (d Dialect) driverName() string {
	return string(d)
}

func (d Dialect) placeholders() sq.PlaceholderFormat {
	if d == Postgres {
		return sq.Dollar
	}
	return sq.Question
}

// Store implements the metadata store contracts of the rules and
// accesscount packages over database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
	sb      sq.StatementBuilderType
	log     *slog.Logger

	maxPending int
	eventBatch uint64
	queueMu    sync.Mutex // serializes cmdlet admission
}

// Option configures a Store
type Option func(*Store)

// WithMaxPendingCmdlets bounds the cmdlet queue; 0 means unbounded
func WithMaxPendingCmdlets(n int) Option {
	return func(s *Store) {
		s.maxPending = n
	}
}

// WithEventBatchSize caps how many access events one Collect call drains
func WithEventBatchSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.eventBatch = uint64(n)
		}
	}
}

// Open connects to the database named by driver and dsn
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if dialect == SQLite {
		// single writer, and keeps in-memory databases on one connection
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect, err)
	}
	return New(db, dialect, opts...), nil
}

// New wraps an open database
func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{
		db:         db,
		dialect:    dialect,
		sb:         sq.StatementBuilder.PlaceholderFormat(dialect.placeholders()),
		log:        logger.Named("metastore").With("dialect", string(dialect)),
		eventBatch: 10000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying database
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Execute runs a statement that returns no rows
func (s *Store) Execute(ctx context.Context, stmt string) error {
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to execute %q: %w", stmt, err)
	}
	return nil
}

// QueryForLong returns the first column of the first row. ok is false when
// there is no row or the value is NULL.
func (s *Store) QueryForLong(ctx context.Context, stmt string) (int64, bool, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, stmt).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query %q: %w", stmt, err)
	}
	return v.Int64, v.Valid, nil
}

// ExecuteFilesPathQuery returns the first column of every row as a path
func (s *Store) ExecuteFilesPathQuery(ctx context.Context, stmt string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to query %q: %w", stmt, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan path: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating paths: %w", err)
	}
	return paths, nil
}

// StoragePolicyID resolves a storage policy name
func (s *Store) StoragePolicyID(ctx context.Context, name string) (int, error) {
	query, args, err := s.sb.Select("sid").From("storage_policy").Where(sq.Eq{"policy_name": name}).ToSql()
	if err != nil {
		return 0, err
	}
	var sid int
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&sid)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("storage policy %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up storage policy %s: %w", name, err)
	}
	return sid, nil
}

// ErrNotFound is returned for unknown metadata
var ErrNotFound = errors.New("not found")

// exec builds and runs a squirrel statement
func (s *Store) exec(ctx context.Context, runner execer, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build statement: %w", err)
	}
	return runner.ExecContext(ctx, query, args...)
}

// queryInt64 runs a query returning one integer
func (s *Store) queryInt64(ctx context.Context, runner execer, b sq.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build query: %w", err)
	}
	var n int64
	if err := runner.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn in a transaction, rolling back on error
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

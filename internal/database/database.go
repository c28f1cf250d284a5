package database

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Dialect selects driver-specific SQL fragments.
type Dialect string

const (
	DialectSQLite Dialect = "sqlite3"
	DialectMySQL  Dialect = "mysql"
)

var (
	ErrNotFound = errors.New("not found")
	ErrLocked   = errors.New("queue item is locked by a worker")
)

//go:embed schema.sql
var schemaSQL string

type DB struct {
	*sql.DB
	dialect      Dialect
	logger       *zerolog.Logger
	interceptors []Interceptor
	clock        func() time.Time
}

// NewDB opens (or creates) a SQLite database at path.
func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	// Transactions start with BEGIN IMMEDIATE so the claim sequence holds the write lock from the first read.
	dsn := path + "?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	return Open(DialectSQLite, dsn, logger)
}

// Open connects with the given driver and applies the schema.
func Open(dialect Dialect, dsn string, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	conn, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	switch dialect {
	case DialectSQLite:
		// One writer at a time; the claim engine relies on it instead of row locks.
		conn.SetMaxOpenConns(1)
	case DialectMySQL:
		conn.SetMaxOpenConns(25)
		conn.SetConnMaxLifetime(5 * time.Minute)
	default:
		conn.Close()
		return nil, fmt.Errorf("unsupported database dialect %q", dialect)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{
		DB:      conn,
		dialect: dialect,
		logger:  logger,
		clock:   func() time.Time { return time.Now().UTC() },
	}

	if err := db.migrate(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("dialect", string(dialect)).Msg("database initialized")
	return db, nil
}

// Dialect reports the SQL flavour of the connection.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// SetClock overrides the time source used for bookkeeping columns.
func (db *DB) SetClock(clock func() time.Time) {
	db.clock = func() time.Time { return clock().UTC() }
}

func (db *DB) now() time.Time {
	return db.clock()
}

func (db *DB) migrate(ctx context.Context) error {
	replacer := db.schemaReplacer()
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		stmt = replacer.Replace(stmt)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			if isDuplicateIndex(err) {
				continue
			}
			return fmt.Errorf("error executing query %s: %w", stmt, err)
		}
	}
	return nil
}

func (db *DB) schemaReplacer() *strings.Replacer {
	if db.dialect == DialectMySQL {
		return strings.NewReplacer(
			"{{pk}}", "BIGINT AUTO_INCREMENT PRIMARY KEY",
			"{{ts}}", "DATETIME(6)",
			"{{money}}", "DECIMAL(14,4)",
			"CREATE INDEX IF NOT EXISTS", "CREATE INDEX",
		)
	}
	return strings.NewReplacer(
		"{{pk}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{ts}}", "DATETIME",
		"{{money}}", "TEXT",
	)
}

// isDuplicateIndex lets MySQL re-run migrations; it has no CREATE INDEX IF NOT EXISTS.
func isDuplicateIndex(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1061
}

// lockClause is appended to claim reads. SQLite serializes writers instead.
func (db *DB) lockClause() string {
	if db.dialect == DialectMySQL {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

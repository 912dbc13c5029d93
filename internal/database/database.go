package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"chatrelay/internal/clock"
	"chatrelay/internal/constants"
	apperrors "chatrelay/internal/errors"
	"chatrelay/internal/migrations"
	"chatrelay/internal/models"
	"chatrelay/internal/retry"
	"chatrelay/internal/security"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/mattn/go-sqlite3"
)

// Database is the message repository. It runs on sqlite through
// database/sql or on postgres through pgxpool.
type Database struct {
	conn      conn
	dialect   string
	encryptor *encryptor
	clock     clock.Clock
	retry     retry.BackoffConfig
}

// Option customizes a Database.
type Option func(*Database)

// WithClock sets the clock used for created_at and updated_at.
func WithClock(c clock.Clock) Option {
	return func(d *Database) { d.clock = c }
}

// Open connects to the repository selected by cfg.
func Open(ctx context.Context, cfg models.DatabaseConfig, opts ...Option) (*Database, error) {
	switch cfg.Driver {
	case "", constants.DefaultDatabaseDriver:
		path := cfg.Path
		if path == "" {
			path = constants.DefaultDatabasePath
		}
		return New(path, opts...)
	case "postgres":
		return NewPostgres(ctx, cfg.DSN, opts...)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// New opens (creating if needed) the sqlite database at dbPath.
func New(dbPath string, opts ...Option) (*Database, error) {
	if len(dbPath) == 0 || dbPath[0] == '\x00' {
		return nil, fmt.Errorf("invalid database path")
	}

	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600) // #nosec G304 - path validated above
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return initialize(context.Background(), &sqlConn{db: db}, migrations.DialectSQLite, opts)
}

// NewPostgres connects a pgx pool to dsn.
func NewPostgres(ctx context.Context, dsn string, opts ...Option) (*Database, error) {
	if dsn == "" {
		return nil, fmt.Errorf("missing postgres dsn")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return initialize(ctx, &pgConn{pool: pool}, migrations.DialectPostgres, opts)
}

func initialize(ctx context.Context, c conn, dialect string, opts []Option) (*Database, error) {
	fail := func(stage string, err error) (*Database, error) {
		if closeErr := c.close(); closeErr != nil {
			return nil, fmt.Errorf("failed to %s: %w (close error: %v)", stage, err, closeErr)
		}
		return nil, fmt.Errorf("failed to %s: %w", stage, err)
	}

	if err := c.ping(ctx); err != nil {
		return fail("ping database", err)
	}

	schema, err := migrations.GetInitialSchema(dialect)
	if err != nil {
		return fail("read schema", err)
	}

	for _, stmt := range splitStatements(schema) {
		if _, err := c.exec(ctx, stmt); err != nil {
			return fail("initialize schema", err)
		}
	}

	enc, err := NewEncryptor()
	if err != nil {
		return fail("initialize encryptor", err)
	}

	d := &Database{conn: c, dialect: dialect, encryptor: enc, clock: clock.Real(), retry: DefaultRetry()}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// splitStatements breaks a schema file into single statements, dropping
// comment lines.
func splitStatements(schema string) []string {
	var stmts []string
	for _, part := range strings.Split(schema, ";") {
		var lines []string
		for _, line := range strings.Split(part, "\n") {
			if trimmed := strings.TrimSpace(line); trimmed != "" && !strings.HasPrefix(trimmed, "--") {
				lines = append(lines, line)
			}
		}
		if len(lines) > 0 {
			stmts = append(stmts, strings.Join(lines, "\n"))
		}
	}
	return stmts
}

func (d *Database) Close() error {
	return d.conn.close()
}

// Ping checks that the backing store is reachable.
func (d *Database) Ping(ctx context.Context) error {
	if err := d.conn.ping(ctx); err != nil {
		return apperrors.NewInfrastructureError("database", err)
	}
	return nil
}

// Dialect reports "sqlite" or "postgres".
func (d *Database) Dialect() string {
	return d.dialect
}

func (d *Database) now() time.Time {
	return d.clock.Now()
}

// Package sqlite stores the event log, shard progress, projected documents
// and dead letters in one SQLite database. Projection batches commit their
// documents and progress in a single transaction.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JasperFx/jasperfx-sub002/adapters/sqlite/migrations"
	"github.com/JasperFx/jasperfx-sub002/core/events"
	"github.com/JasperFx/jasperfx-sub002/core/events/storage"
)

const migrationTable = "schema_migrations"

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

type Option func(*DB)

// WithRegistry sets the registry used to encode and decode payloads.
func WithRegistry(r *events.Registry) Option { return func(d *DB) { d.registry = r } }

func WithLog(l *slog.Logger) Option { return func(d *DB) { d.log = l } }

// DB is an open database.
type DB struct {
	sqlDB    *sql.DB
	name     string
	registry *events.Registry
	log      *slog.Logger
	now      func() time.Time
}

// Open opens the database at path and applies migrations.
func Open(ctx context.Context, path string, opts ...Option) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := "file:" + cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	d := &DB{
		sqlDB:    sqlDB,
		name:     strings.TrimSuffix(filepath.Base(cleanPath), filepath.Ext(cleanPath)),
		registry: events.NewRegistry(),
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With(slog.String("store", "sqlite"), slog.String("db", d.name))

	if err := d.migrate(ctx, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return d, nil
}

// Close releases the SQLite connection.
func (d *DB) Close() error {
	if d == nil || d.sqlDB == nil {
		return nil
	}
	return d.sqlDB.Close()
}

func (d *DB) Registry() *events.Registry { return d.registry }

// InTx runs fn in a transaction carried by the context passed to fn. Calls
// nested inside fn join the outer transaction.
func (d *DB) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := d.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// conn returns the transaction in ctx, or the database.
func (d *DB) conn(ctx context.Context) DBTX {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return d.sqlDB
}

// Batches returns a factory for batches committing into this database.
func (d *DB) Batches() storage.BatchFactory {
	return storage.BatchFactory{Tx: d, Progress: d.Progress()}
}

// migrate executes each embedded migration at most once.
func (d *DB) migrate(ctx context.Context, migrationFS fs.FS) error {
	if _, err := d.sqlDB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS `+migrationTable+` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	slices.Sort(files)

	for _, file := range files {
		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		err = d.InTx(ctx, func(ctx context.Context) error {
			var applied int
			if err := d.conn(ctx).QueryRowContext(ctx,
				`SELECT COUNT(1) FROM `+migrationTable+` WHERE name = ?`, file,
			).Scan(&applied); err != nil {
				return err
			}
			if applied > 0 {
				return nil
			}
			if _, err := d.conn(ctx).ExecContext(ctx, string(content)); err != nil {
				return err
			}
			_, err := d.conn(ctx).ExecContext(ctx,
				`INSERT INTO `+migrationTable+` (name, applied_at) VALUES (?, ?)`, file, d.now().UnixMilli())
			if err == nil {
				d.log.Debug("applied migration", slog.String("file", file))
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	return nil
}

var _ storage.Transactor = (*DB)(nil)

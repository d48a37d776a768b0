// Package sqlstore persists snapshots, margins, cost prices and tracker state in a SQL
// database. PostgreSQL and SQLite are supported.
package sqlstore

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const queryTimeout = 5 * time.Second

// Config database connection settings.
type Config struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DB wraps a sql.DB with the queries used by the rate pipeline.
type DB struct {
	logger *zap.Logger
	db     *sql.DB
	driver string
}

// New opens the database, checks connectivity and creates missing tables.
func New(logger *zap.Logger, cfg Config) (*DB, error) {
	driver := cfg.Driver
	switch driver {
	case "postgres", "sqlite3":
	case "sqlite":
		driver = "sqlite3"
	default:
		return nil, errors.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	d := &DB{logger: logger, db: db, driver: driver}
	if err := d.initializeSchema(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initialize schema")
	}

	logger.Info("database connected", zap.String("driver", driver))

	return d, nil
}

// Close closes the connection pool.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}

	return d.db.Close()
}

func (d *DB) initializeSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS rate_snapshots (
			id TEXT PRIMARY KEY,
			created_at BIGINT NOT NULL,
			usdt_ngn_rate TEXT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rate_snapshots_created_at ON rate_snapshots (created_at)`,
		`CREATE TABLE IF NOT EXISTS margin_settings (
			created_at BIGINT NOT NULL,
			usd_margin TEXT NOT NULL,
			other_margin TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cost_prices (
			currency TEXT PRIMARY KEY,
			price TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "exec %q", firstLine(stmt))
		}
	}

	return nil
}

// rebind converts ? placeholders to $n for PostgreSQL.
func (d *DB) rebind(query string) string {
	if d.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}

	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

package sqldb

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/vietddude/harvester/internal/orchestration/metrics"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Config holds database connection configuration.
type Config struct {
	Driver   string `yaml:"driver"` // pgx, postgres, sqlite; inferred from URL when empty
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// DB wraps the SQL connection pool.
type DB struct {
	*sqlx.DB
	driver string
}

// ResolveDriver returns the driver name and DSN for cfg.
func ResolveDriver(cfg Config) (driver, dsn string) {
	dsn = cfg.URL
	driver = cfg.Driver
	if driver == "" {
		switch {
		case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
			driver = "pgx"
		default:
			driver = "sqlite"
		}
	}
	if driver == "sqlite" {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
		if dsn == "" {
			dsn = ":memory:"
		}
	}
	return driver, dsn
}

// NewDB creates a new database connection.
func NewDB(ctx context.Context, cfg Config) (*DB, error) {
	driver, dsn := ResolveDriver(cfg)

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite" {
		// One connection serializes writers and keeps :memory: databases shared.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		// Set pool configuration
		if cfg.MaxConns > 0 {
			db.SetMaxOpenConns(cfg.MaxConns)
		} else {
			db.SetMaxOpenConns(10)
		}
		if cfg.MinConns > 0 {
			db.SetMaxIdleConns(cfg.MinConns)
		} else {
			db.SetMaxIdleConns(2)
		}
		db.SetConnMaxLifetime(time.Hour)
		db.SetConnMaxIdleTime(30 * time.Minute)
	}

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if driver == "sqlite" {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
			}
		}
	}

	return &DB{DB: db, driver: driver}, nil
}

// Postgres reports whether the connection speaks PostgreSQL.
func (db *DB) Postgres() bool {
	return db.driver != "sqlite"
}

// Migrate applies the embedded goose migrations.
func (db *DB) Migrate(ctx context.Context) error {
	dialect := "postgres"
	if !db.Postgres() {
		dialect = "sqlite3"
	}
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db.DB.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate db: %w", err)
	}
	return nil
}

// StartMetricsCollector starts a background goroutine to collect DB metrics.
func (db *DB) StartMetricsCollector(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := db.Stats()
				// MaxOpenConnections is 0 when unlimited.
				if stats.MaxOpenConnections > 0 {
					usage := float64(stats.OpenConnections) / float64(stats.MaxOpenConnections) * 100
					metrics.DBConnectionPoolUsage.Set(usage)
				}
			}
		}
	}()
}

// Health checks if the database is healthy.
func (db *DB) Health(ctx context.Context) error {
	return db.PingContext(ctx)
}

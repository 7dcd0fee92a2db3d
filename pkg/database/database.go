package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"k8s.io/klog/v2"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL embed.FS

// ErrPersistence marks a failed durable read or write. Callers retry on the next cycle.
var ErrPersistence = errors.New("persistence failure")

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// Database represents the SQLite database connection and operations
type Database struct {
	db   *sql.DB
	path string
}

// Config holds database configuration
type Config struct {
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	BusyTimeout     time.Duration `yaml:"busyTimeout"`
}

// New opens (creating when needed) the database file and applies the schema
func New(config *Config) (*Database, error) {
	if config.Path == "" {
		config.Path = "./data/health.db"
	}

	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	busy := config.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := config.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(" + strconv.FormatInt(busy.Milliseconds(), 10) + ")"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(4)
	}

	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(2)
	}

	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(time.Hour)
	}

	database := &Database{
		db:   db,
		path: config.Path,
	}

	if err := database.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	klog.Infof("Database initialized at %s", config.Path)
	return database, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// GetDB returns the underlying sql.DB instance
func (d *Database) GetDB() *sql.DB {
	return d.db
}

// Path returns the database file path
func (d *Database) Path() string {
	return d.path
}

func (d *Database) initializeSchema() error {
	schemaData, err := schemaSQL.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}

	if _, err := d.db.Exec(string(schemaData)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	return nil
}

// Ping checks if the database connection is alive
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// ExecuteInTransaction runs fn inside a transaction, committing when fn succeeds
// and rolling back otherwise. A failing commit is reported to the caller.
func (d *Database) ExecuteInTransaction(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	err = fn(tx)
	return err
}

// Compact reclaims free pages after bulk deletes
func (d *Database) Compact(ctx context.Context) error {
	start := time.Now()
	if _, err := d.db.ExecContext(ctx, "VACUUM"); err != nil {
		return persistErr("vacuum", err)
	}
	if _, err := d.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return persistErr("optimize", err)
	}
	klog.V(2).Infof("Database compacted in %v", time.Since(start))
	return nil
}

// GetSystemStat retrieves a system statistic value
func (d *Database) GetSystemStat(ctx context.Context, statName string) (string, error) {
	var value string
	err := d.db.QueryRowContext(ctx,
		"SELECT stat_value FROM system_stats WHERE stat_name = ?",
		statName,
	).Scan(&value)

	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", persistErr("get system stat", err)
	}
	return value, nil
}

// SetSystemStat updates a system statistic value
func (d *Database) SetSystemStat(ctx context.Context, statName, value string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO system_stats (stat_name, stat_value, updated_at)
		 VALUES (?, ?, ?)`,
		statName, value, time.Now().UnixMilli(),
	)
	if err != nil {
		return persistErr("set system stat", err)
	}
	return nil
}

// GetDatabaseStats returns row counts per table and the file size
func (d *Database) GetDatabaseStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	tables := []string{
		"metric_definitions", "raw_points", "aggregated_buckets",
		"alert_events", "bottleneck_history", "applied_optimizations",
	}

	for _, table := range tables {
		var count int
		err := d.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT COUNT(*) FROM %s", table),
		).Scan(&count)
		if err != nil {
			return nil, persistErr("count "+table, err)
		}
		stats[table+"_count"] = count
	}

	fileInfo, err := os.Stat(d.path)
	if err == nil {
		stats["database_size_bytes"] = fileInfo.Size()
	}

	return stats, nil
}

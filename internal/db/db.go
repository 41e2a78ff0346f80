// Package db is the persistence layer: connection management, the
// read/write accessor split, migrations, and monthly message-partition
// pre-creation.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/lib/pq"
)

// DB wraps a primary connection and an optional read replica. Writes and
// transactional operations always go to primary; reads prefer the replica
// when configured.
type DB struct {
	primary *sql.DB
	replica *sql.DB
}

func Open(primaryURL, replicaURL string, maxConns int) (*DB, error) {
	primary, err := sql.Open("postgres", primaryURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres primary: %w", err)
	}
	primary.SetMaxOpenConns(maxConns)
	primary.SetMaxIdleConns(5)
	primary.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := primary.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping postgres primary: %w", err)
	}
	log.Println("[DB] primary connection established")

	d := &DB{primary: primary}

	if replicaURL != "" {
		replica, err := sql.Open("postgres", replicaURL)
		if err != nil {
			log.Printf("[WARN] failed to connect to read replica: %v (reads will use primary)", err)
			return d, nil
		}
		replica.SetMaxOpenConns(maxConns)
		replica.SetConnMaxLifetime(5 * time.Minute)
		if err := replica.PingContext(ctx); err != nil {
			log.Printf("[WARN] failed to ping read replica: %v (reads will use primary)", err)
		} else {
			d.replica = replica
			log.Println("[DB] read replica connection established")
		}
	}

	return d, nil
}

// Read returns the connection reads should use: the replica if configured
// and healthy, otherwise the primary.
func (d *DB) Read() *sql.DB {
	if d.replica != nil {
		return d.replica
	}
	return d.primary
}

// Write returns the primary connection. All writes and explicit transactions
// go through this accessor.
func (d *DB) Write() *sql.DB {
	return d.primary
}

// Begin starts a transaction on the primary.
func (d *DB) Begin(ctx context.Context) (*sql.Tx, error) {
	return d.primary.BeginTx(ctx, nil)
}

func (d *DB) Close() error {
	var errs []error
	if err := d.primary.Close(); err != nil {
		errs = append(errs, err)
	}
	if d.replica != nil {
		if err := d.replica.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing databases: %v", errs)
	}
	return nil
}

func (d *DB) Health(ctx context.Context) error {
	if err := d.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary health check failed: %w", err)
	}
	if d.replica != nil {
		if err := d.replica.PingContext(ctx); err != nil {
			log.Printf("[WARN] replica health check failed: %v", err)
		}
	}
	return nil
}

// RunMigrations applies *.sql files in migrationsPath in lexical order,
// tracking applied versions in schema_migrations.
func (d *DB) RunMigrations(migrationsPath string) error {
	log.Println("[DB] running migrations...")

	_, err := d.primary.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	files, err := filepath.Glob(filepath.Join(migrationsPath, "*.sql"))
	if err != nil {
		return fmt.Errorf("failed to read migration files: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		version := filepath.Base(file)

		var exists bool
		if err := d.primary.QueryRow(
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check migration status %s: %w", version, err)
		}
		if exists {
			continue
		}

		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", version, err)
		}

		tx, err := d.primary.Begin()
		if err != nil {
			return fmt.Errorf("failed to start transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", version, err)
		}
		log.Printf("[DB] applied migration: %s", version)
	}

	log.Println("[DB] migrations complete")
	return nil
}

// EnsureMessagePartitions creates the monthly messages_YYYY_MM partitions for
// the next three months. On an engine without declarative partitioning
// support the statement is expected to fail harmlessly and is logged, not
// escalated — callers run this from a daily cron tick.
func (d *DB) EnsureMessagePartitions(ctx context.Context) error {
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, i, 0)
		monthEnd := monthStart.AddDate(0, 1, 0)
		partition := fmt.Sprintf("messages_%04d_%02d", monthStart.Year(), int(monthStart.Month()))

		_, err := d.primary.ExecContext(ctx, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s PARTITION OF messages FOR VALUES FROM ('%s') TO ('%s')`,
			partition, monthStart.Format("2006-01-02"), monthEnd.Format("2006-01-02"),
		))
		if err != nil {
			log.Printf("[WARN] partition pre-creation for %s skipped (engine may not support partitioning): %v", partition, err)
			return nil
		}
	}
	return nil
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint error
// on the given constraint name, used to turn a raw insert failure into a
// UsernameTaken/collision error distinct from generic PersistenceFailure.
func IsUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	return containsConstraint(err.Error(), constraint)
}

func containsConstraint(msg, constraint string) bool {
	return len(constraint) > 0 && len(msg) > 0 && indexOf(msg, constraint) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

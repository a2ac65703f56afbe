package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as "pgx" for database/sql
	_ "modernc.org/sqlite"             // Register pure-Go SQLite driver for database/sql

	"github.com/mescon/panoguard/internal/config"
	"github.com/mescon/panoguard/internal/logger"
)

// MaxRetries is the number of attempts for a write that hits a lock conflict
const MaxRetries = 5

// RetryDelay is the base delay between retries (increases exponentially)
const RetryDelay = 100 * time.Millisecond

// ErrNotFound is returned when a map, location, user or schedule does not exist.
var ErrNotFound = errors.New("not found")

//go:embed migrations
var migrationsFS embed.FS

// Repository is the relational store for maps, locations and scan schedules.
type Repository struct {
	DB      *sql.DB
	Dialect string
	stbl    sq.StatementBuilderType
}

// NewRepository opens the store for driver ("sqlite", "mysql" or "postgres"),
// waits for it to answer and applies pending migrations.
func NewRepository(driver, uri string) (*Repository, error) {
	db, err := openDB(driver, uri)
	if err != nil {
		return nil, err
	}

	if err := pingWithBackoff(db, 30*time.Second); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if driver == config.DriverSQLite {
		if err := configureSQLite(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure database: %w", err)
		}
	}

	repo := newRepository(db, driver)
	if err := repo.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

func newRepository(db *sql.DB, dialect string) *Repository {
	var placeholder sq.PlaceholderFormat = sq.Question
	if dialect == config.DriverPostgres {
		placeholder = sq.Dollar
	}
	return &Repository{
		DB:      db,
		Dialect: dialect,
		stbl:    sq.StatementBuilder.PlaceholderFormat(placeholder).RunWith(db),
	}
}

func openDB(driver, uri string) (*sql.DB, error) {
	switch driver {
	case config.DriverSQLite:
		if dir := filepath.Dir(uri); dir != "" {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		// Per-connection pragmas go in the DSN so every pooled connection gets them
		dsn := uri
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(30000)"
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		// WAL allows concurrent readers and one writer; few connections keep lock contention low
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxIdleTime(5 * time.Minute)
		return db, nil

	case config.DriverMySQL:
		dsnCfg, err := mysql.ParseDSN(uri)
		if err != nil {
			return nil, fmt.Errorf("failed to parse mysql connection dsn: %w", err)
		}
		dsnCfg.ParseTime = true
		// Report matched rows so an UPDATE that changes nothing is not mistaken for a missing row
		dsnCfg.ClientFoundRows = true
		db, err := sql.Open("mysql", dsnCfg.FormatDSN())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize mysql connection: %w", err)
		}
		db.SetMaxOpenConns(20)
		db.SetConnMaxLifetime(30 * time.Minute)
		return db, nil

	case config.DriverPostgres:
		db, err := sql.Open("pgx", uri)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres connection: %w", err)
		}
		db.SetMaxOpenConns(20)
		db.SetConnMaxLifetime(30 * time.Minute)
		return db, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

// pingWithBackoff waits for a freshly started database container to accept connections.
func pingWithBackoff(db *sql.DB, maxElapsed time.Duration) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = maxElapsed
	return backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := db.PingContext(ctx)
		if err != nil {
			logger.Debugf("Database not ready: %v", err)
		}
		return err
	}, policy)
}

// configureSQLite sets pragmas for reliability under concurrent scans.
func configureSQLite(db *sql.DB) error {
	criticalPragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=30000",
	}
	for _, pragma := range criticalPragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set critical pragma %s: %w", pragma, err)
		}
	}

	optionalPragmas := []string{
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA cache_size=-8000",
	}
	for _, pragma := range optionalPragmas {
		if _, err := db.Exec(pragma); err != nil {
			logger.Debugf("Failed to set optional pragma %s: %v", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.DB.Close()
}

// GracefulClose merges the sqlite WAL into the main file before closing.
func (r *Repository) GracefulClose() error {
	if r.Dialect == config.DriverSQLite {
		if _, err := r.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			logger.Warnf("Shutdown WAL checkpoint failed: %v", err)
		} else {
			logger.Debugf("✓ WAL checkpoint completed")
		}
	}
	if err := r.DB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// StartPeriodicCheckpoint runs passive WAL checkpoints on sqlite. Returns a stop function.
func (r *Repository) StartPeriodicCheckpoint(interval time.Duration) func() {
	stopCh := make(chan struct{})
	if r.Dialect != config.DriverSQLite {
		return func() { close(stopCh) }
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				if _, err := r.DB.Exec("PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
					logger.Debugf("Periodic checkpoint failed: %v", err)
				}
			}
		}
	}()

	return func() { close(stopCh) }
}

// Stats summarises pool usage and row counts for the health endpoint.
func (r *Repository) Stats(ctx context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{
		"dialect":          r.Dialect,
		"open_connections": r.DB.Stats().OpenConnections,
		"in_use":           r.DB.Stats().InUse,
	}

	counts := make(map[string]int64)
	for _, table := range []string{"maps", "locations", "scan_schedules"} {
		var n int64
		if err := r.stbl.Select("COUNT(*)").From(table).QueryRowContext(ctx).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		counts[table] = n
	}
	stats["table_counts"] = counts

	var deleted int64
	if err := r.stbl.Select("COUNT(*)").From("locations").Where(sq.Eq{"is_deleted": true}).
		QueryRowContext(ctx).Scan(&deleted); err != nil {
		return nil, fmt.Errorf("failed to count deleted locations: %w", err)
	}
	stats["soft_deleted_locations"] = deleted

	return stats, nil
}

func (r *Repository) createMigrationsTable() error {
	_, err := r.DB.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}
	return nil
}

func (r *Repository) getCurrentMigrationVersion() (int, error) {
	var version int
	err := r.DB.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current migration version: %w", err)
	}
	return version, nil
}

// getMigrationFiles returns the sorted migration files for dialect.
func getMigrationFiles(dialect string) ([]string, error) {
	entries, err := migrationsFS.ReadDir("migrations/" + dialect)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations for %s: %w", dialect, err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// parseMigrationVersion extracts the numeric prefix of "NNN_name.sql".
func parseMigrationVersion(file string) (int, bool) {
	var version int
	if _, err := fmt.Sscanf(file, "%d_", &version); err != nil {
		return 0, false
	}
	return version, true
}

// splitStatements breaks a migration into single statements; not every driver
// accepts several statements per Exec.
func splitStatements(content string) []string {
	var stmts []string
	for _, part := range strings.Split(content, ";") {
		var lines []string
		for _, line := range strings.Split(part, "\n") {
			if trimmed := strings.TrimSpace(line); trimmed != "" && !strings.HasPrefix(trimmed, "--") {
				lines = append(lines, line)
			}
		}
		if stmt := strings.TrimSpace(strings.Join(lines, "\n")); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

func (r *Repository) applyMigration(file string, version int) error {
	content, err := migrationsFS.ReadFile("migrations/" + r.Dialect + "/" + file)
	if err != nil {
		return fmt.Errorf("failed to read migration file %s: %w", file, err)
	}

	tx, err := r.DB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range splitStatements(string(content)) {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", file, err)
		}
	}

	insert, args, err := r.stbl.Insert("schema_migrations").Columns("version").Values(version).ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(insert, args...); err != nil {
		return fmt.Errorf("failed to record migration version %s: %w", file, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", file, err)
	}
	tx = nil
	return nil
}

func (r *Repository) runMigrations() error {
	if err := r.createMigrationsTable(); err != nil {
		return err
	}

	currentVersion, err := r.getCurrentMigrationVersion()
	if err != nil {
		return err
	}

	files, err := getMigrationFiles(r.Dialect)
	if err != nil {
		return err
	}
	logger.Debugf("Found %d embedded %s migration files", len(files), r.Dialect)

	for _, file := range files {
		version, ok := parseMigrationVersion(file)
		if !ok {
			logger.Errorf("Skipping invalid migration file: %s", file)
			continue
		}
		if version <= currentVersion {
			continue
		}

		logger.Infof("Applying migration: %s/%s", r.Dialect, file)
		if err := r.applyMigration(file, version); err != nil {
			return err
		}
	}
	return nil
}

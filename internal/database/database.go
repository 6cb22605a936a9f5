package database

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqlitePragmas is the connection setup for the conversation store. WAL
// keeps webhook writes from blocking scheduler reads; synchronous NORMAL
// is safe under WAL and keeps per-call writes cheap.
var sqlitePragmas = []string{
	"journal_mode(wal)",
	"busy_timeout(5000)",
	"foreign_keys(on)",
	"synchronous(normal)",
}

// DB wraps a sql.DB connection with CareCall-specific setup.
type DB struct {
	*sql.DB

	logger *slog.Logger
}

// Open creates or opens the SQLite database under dataDir and brings its
// schema up to date.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "carecall.db")
	dsn := fmt.Sprintf("file:%s?_pragma=%s", dbPath, strings.Join(sqlitePragmas, "&_pragma="))

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// SQLite allows one writer; funneling every connection through a
	// single one turns lock contention into queueing.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB, logger: slog.Default().With("component", "database")}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	db.logger.Info("database opened", "path", dbPath)
	return db, nil
}

// migrate applies the embedded migration files that have not run yet, in
// filename order, each inside its own transaction.
func (db *DB) migrate() error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	applied, err := db.appliedVersions()
	if err != nil {
		return err
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")
		if applied[version] {
			continue
		}
		if err := db.applyMigration(entry.Name(), version); err != nil {
			return err
		}
		db.logger.Info("applied migration", "version", version)
	}
	return nil
}

func (db *DB) appliedVersions() (map[string]bool, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("listing applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning migration version: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (db *DB) applyMigration(name, version string) error {
	content, err := migrationsFS.ReadFile(filepath.Join("migrations", name))
	if err != nil {
		return fmt.Errorf("reading migration %s: %w", version, err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
	}
	if _, err := tx.Exec(string(content)); err != nil {
		tx.Rollback()
		return fmt.Errorf("executing migration %s: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
		tx.Rollback()
		return fmt.Errorf("recording migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %s: %w", version, err)
	}
	return nil
}

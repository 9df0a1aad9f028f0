package storage

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type migration struct {
	Version  string
	Filename string
	Content  string
	Checksum string
}

// Migrate applies all pending embedded migrations. Applied migrations are
// tracked by version and checksum; a checksum mismatch means a migration
// file changed after being applied and is treated as fatal.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Version, err)
		}
	}

	return nil
}

func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	migrations := make([]migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, filepath.Join("migrations", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		migrations = append(migrations, migration{
			Version:  strings.Split(entry.Name(), "_")[0],
			Filename: entry.Name(),
			Content:  string(content),
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

func applyMigration(db *sql.DB, m migration) error {
	var existing string
	err := db.QueryRow(
		"SELECT checksum FROM schema_migrations WHERE version = ?", m.Version,
	).Scan(&existing)

	if err == nil {
		if existing != m.Checksum {
			return fmt.Errorf("checksum mismatch: recorded %s, file %s has %s", existing, m.Filename, m.Checksum)
		}
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("check migration status: %w", err)
	}

	if _, err := db.Exec(m.Content); err != nil {
		return fmt.Errorf("execute migration SQL: %w", err)
	}

	if _, err := db.Exec(
		"INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)",
		m.Version, m.Checksum,
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	return nil
}

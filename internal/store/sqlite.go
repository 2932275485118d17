package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

func openSQLite(dbPath string) (*sqlStore, error) {
	if dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1) // SQLite doesn't handle concurrent writes well
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS geo_databases (
			variant    TEXT PRIMARY KEY,
			data       BLOB NOT NULL,
			size       INTEGER NOT NULL,
			fetched_at INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_fetched_at ON geo_databases(fetched_at)`); err != nil {
		db.Close()
		return nil, err
	}

	return &sqlStore{
		kind: "sqlite",
		db:   db,
		upsertSQL: `INSERT INTO geo_databases (variant, data, size, fetched_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(variant) DO UPDATE SET data=excluded.data, size=excluded.size, fetched_at=excluded.fetched_at`,
	}, nil
}

package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

func openMySQL(dsn string) (*sqlStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS geo_databases (
			variant    VARCHAR(16) PRIMARY KEY,
			data       LONGBLOB NOT NULL,
			size       BIGINT NOT NULL,
			fetched_at BIGINT NOT NULL,
			INDEX idx_fetched_at (fetched_at)
		)
	`); err != nil {
		db.Close()
		return nil, err
	}

	// A whole database travels in one INSERT, so Put checks it against this limit.
	var maxPacket int64
	if err := db.QueryRow(`SELECT @@max_allowed_packet`).Scan(&maxPacket); err != nil {
		db.Close()
		return nil, fmt.Errorf("read max_allowed_packet: %w", err)
	}

	return &sqlStore{
		kind:      "mysql",
		db:        db,
		maxPacket: maxPacket,
		upsertSQL: `INSERT INTO geo_databases (variant, data, size, fetched_at) VALUES (?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE data=VALUES(data), size=VALUES(size), fetched_at=VALUES(fetched_at)`,
	}, nil
}

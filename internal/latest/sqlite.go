package latest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const ddlLatestValues = `
CREATE TABLE IF NOT EXISTS latest_values (
    key        TEXT    PRIMARY KEY,
    peer_id    TEXT    NOT NULL DEFAULT '',
    payload    BLOB    NOT NULL,
    updated_at INTEGER NOT NULL          -- Unix milliseconds
);
`

// SQLiteStore is a Store backed by a SQLite file in WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates it.
// Use ":memory:" for a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("latest: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("latest: ping: %w", err)
	}
	// One writer; also keeps ":memory:" on a single shared connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(ddlLatestValues); err != nil {
		db.Close()
		return nil, fmt.Errorf("latest: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	payload := rec.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO latest_values (key, peer_id, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			peer_id = excluded.peer_id,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		rec.Key, rec.PeerID, payload, rec.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("latest: put %s: %w", rec.Key, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (Record, error) {
	var (
		rec       Record
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, peer_id, payload, updated_at FROM latest_values WHERE key = ?`, key).
		Scan(&rec.Key, &rec.PeerID, &rec.Payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("latest: get %s: %w", key, err)
	}
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, peer_id, payload, updated_at FROM latest_values ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("latest: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec       Record
			updatedAt int64
		)
		if err := rows.Scan(&rec.Key, &rec.PeerID, &rec.Payload, &updatedAt); err != nil {
			return nil, fmt.Errorf("latest: scan: %w", err)
		}
		rec.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

package merchsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteCheckpointer keeps the queue in a local SQLite file so queued
// changes survive an app restart while offline.
type SQLiteCheckpointer struct {
	db *sql.DB
}

// OpenCheckpointer opens (or creates) the checkpoint database at path.
// ":memory:" gives a private in-memory database.
func OpenCheckpointer(ctx context.Context, path string) (*SQLiteCheckpointer, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create checkpoint directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}
	// One connection: SQLite has a single writer, and ":memory:" is per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &SQLiteCheckpointer{db: db}
	if err := c.init(ctx, path != ":memory:"); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLiteCheckpointer) init(ctx context.Context, wal bool) error {
	if wal {
		if _, err := c.db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
			return fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	_, err := c.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS queue_items (
			id        TEXT PRIMARY KEY,
			position  INTEGER NOT NULL,
			data_type TEXT NOT NULL,
			status    TEXT NOT NULL,
			item      TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create checkpoint table: %w", err)
	}
	return nil
}

// Close closes the database.
func (c *SQLiteCheckpointer) Close() error {
	return c.db.Close()
}

// Save replaces the checkpoint with items, in order.
func (c *SQLiteCheckpointer) Save(ctx context.Context, items []QueueItem) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items`); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO queue_items (id, position, data_type, status, item) VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare checkpoint insert: %w", err)
	}
	defer stmt.Close()

	for i, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("marshal item %s: %w", it.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, it.ID, i, string(it.DataType), string(it.Status), string(data)); err != nil {
			return fmt.Errorf("insert item %s: %w", it.ID, err)
		}
	}
	return tx.Commit()
}

// checkpointRow decodes a saved item with its payload left raw.
type checkpointRow struct {
	QueueItem
	Payload json.RawMessage `json:"payload"`
}

// Load returns the saved items in their saved order.
func (c *SQLiteCheckpointer) Load(ctx context.Context) ([]QueueItem, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT item FROM queue_items ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan checkpoint row: %w", err)
		}
		var row checkpointRow
		if err := json.Unmarshal([]byte(data), &row); err != nil {
			return nil, fmt.Errorf("decode checkpoint row: %w", err)
		}
		it := row.QueueItem
		it.Payload = row.Payload
		items = append(items, it)
	}
	return items, rows.Err()
}

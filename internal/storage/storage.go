// Package storage is the device-local persistent store: the durable offline
// queue and small key-value state such as the last-known hub address. Both
// survive process restarts.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"possync/internal/model"
)

// Well-known keys.
const (
	KeyLastHub = "last_hub"
	KeyClock   = "clock"
	KeyCursor  = "cursor"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS offline_queue (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	data BLOB NOT NULL,
	ts   INTEGER NOT NULL
);
`

// Store a SQLite-backed device store.
type Store struct {
	db *sql.DB
}

// QueuedItem an offline queue row; ID orders the flush.
type QueuedItem struct {
	ID   int64
	Item model.OfflineQueueItem
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	return &Store{db: db}, nil
}

// Put stores a value under key, replacing any previous value.
func (s *Store) Put(key string, value []byte) error {
	_, err := s.db.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// Get returns the value for key and whether it exists.
func (s *Store) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Delete removes a key; absent keys are a no-op.
func (s *Store) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

// Enqueue appends an item to the durable offline queue.
func (s *Store) Enqueue(item model.OfflineQueueItem) (int64, error) {
	if item.Timestamp.IsZero() {
		item.Timestamp = time.Now()
	}
	res, err := s.db.Exec(`INSERT INTO offline_queue (type, data, ts) VALUES (?, ?, ?)`,
		item.Type, []byte(item.Data), item.Timestamp.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PeekAll returns all queued items in enqueue order without removing them.
// Removal happens per item only after successful transmission.
func (s *Store) PeekAll() ([]QueuedItem, error) {
	rows, err := s.db.Query(`SELECT id, type, data, ts FROM offline_queue ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []QueuedItem
	for rows.Next() {
		var (
			q    QueuedItem
			data []byte
			ts   int64
		)
		if err := rows.Scan(&q.ID, &q.Item.Type, &data, &ts); err != nil {
			return nil, err
		}
		q.Item.Data = json.RawMessage(data)
		q.Item.Timestamp = time.UnixMilli(ts)
		items = append(items, q)
	}
	return items, rows.Err()
}

// Remove deletes one queued item after it has been transmitted.
func (s *Store) Remove(id int64) error {
	_, err := s.db.Exec(`DELETE FROM offline_queue WHERE id = ?`, id)
	return err
}

// QueueLen returns the number of queued items.
func (s *Store) QueueLen() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM offline_queue`).Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

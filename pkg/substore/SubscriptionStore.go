// Package substore persists subscription records in a sqlite database
package substore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite driver
	"github.com/sirupsen/logrus"
	"github.com/wostzone/ssapbridge-go/api"
	"github.com/wostzone/ssapbridge-go/pkg/subscriptions"
)

// MemoryStore is the path of an in-memory database, eg for testing
const MemoryStore = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	correlation_key TEXT PRIMARY KEY,
	refs TEXT NOT NULL,
	callback_target TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL,
	created_at DATETIME NOT NULL
);`

// SubscriptionStore keeps the subscription records of the registry
// so subscriptions can be restored after a restart of the bridge.
type SubscriptionStore struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Close the database
func (store *SubscriptionStore) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.db == nil {
		return nil
	}
	err := store.db.Close()
	store.db = nil
	if err != nil {
		return fmt.Errorf("closing subscription store: %w", err)
	}
	return nil
}

// Delete the record of a correlation key. Deleting a missing record is not an error.
func (store *SubscriptionStore) Delete(correlationKey string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.db == nil {
		return fmt.Errorf("SubscriptionStore.Delete: store is closed")
	}
	_, err := store.db.Exec(`DELETE FROM subscriptions WHERE correlation_key = ?`, correlationKey)
	if err != nil {
		return fmt.Errorf("deleting subscription '%s': %w", correlationKey, err)
	}
	return nil
}

// List all stored records ordered by creation time
func (store *SubscriptionStore) List() ([]subscriptions.Record, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.db == nil {
		return nil, fmt.Errorf("SubscriptionStore.List: store is closed")
	}
	rows, err := store.db.Query(`SELECT correlation_key, refs, callback_target, mode, created_at
		FROM subscriptions ORDER BY created_at, correlation_key`)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	defer rows.Close()

	records := make([]subscriptions.Record, 0)
	for rows.Next() {
		var record subscriptions.Record
		var refsJSON, mode string
		if err = rows.Scan(&record.CorrelationKey, &refsJSON, &record.CallbackTarget, &mode, &record.Created); err != nil {
			return nil, fmt.Errorf("reading subscription: %w", err)
		}
		if err = json.Unmarshal([]byte(refsJSON), &record.Refs); err != nil {
			logrus.Warningf("SubscriptionStore.List: skipping '%s' with invalid refs: %s", record.CorrelationKey, err)
			continue
		}
		record.Mode = subscriptions.Mode(mode)
		records = append(records, record)
	}
	return records, rows.Err()
}

// Save a record, replacing an existing record of the same correlation key
func (store *SubscriptionStore) Save(record subscriptions.Record) error {
	if record.CorrelationKey == "" {
		return &api.PayloadError{Op: "save subscription", Reason: "missing correlation key"}
	}
	refsJSON, err := json.Marshal(record.Refs)
	if err != nil {
		return err
	}
	created := record.Created
	if created.IsZero() {
		created = time.Now()
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.db == nil {
		return fmt.Errorf("SubscriptionStore.Save: store is closed")
	}
	_, err = store.db.Exec(`INSERT INTO subscriptions (correlation_key, refs, callback_target, mode, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(correlation_key) DO UPDATE SET
			refs = excluded.refs, callback_target = excluded.callback_target,
			mode = excluded.mode, created_at = excluded.created_at`,
		record.CorrelationKey, string(refsJSON), record.CallbackTarget, string(record.Mode), created.UTC())
	if err != nil {
		return fmt.Errorf("saving subscription '%s': %w", record.CorrelationKey, err)
	}
	return nil
}

// Path of the database file
func (store *SubscriptionStore) Path() string {
	return store.path
}

// Open the subscription store, creating the database and its folder if needed
//  path of the database file, or MemoryStore
func Open(path string) (*SubscriptionStore, error) {
	connStr := MemoryStore
	if path != MemoryStore {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
		// See: https://github.com/mattn/go-sqlite3#connection-string
		connStr = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	}
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening subscription store: %w", err)
	}
	// a single connection keeps an in-memory database alive and serializes writers
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err = db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating subscription schema: %w", err)
	}
	logrus.Infof("SubscriptionStore.Open: opened subscription store '%s'", path)
	return &SubscriptionStore{db: db, path: path}, nil
}

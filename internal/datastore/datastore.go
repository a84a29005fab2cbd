// SPDX-License-Identifier: MIT

// Package datastore persists the holder's namespaced data and the history of
// items shared with service providers.
package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/holdernet/holdgate/internal/persistence/sqlite"
)

const schemaVersion = 1

// Namespace names become table names, so only a conservative charset is
// accepted.
var namespacePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,63}$`)

// ErrInvalidNamespace marks a namespace name that cannot be persisted.
var ErrInvalidNamespace = errors.New("datastore: invalid namespace name")

// Activity is one shared-data history entry.
type Activity struct {
	ServiceProviderID string          `json:"serviceProviderId"`
	DataSourceID      string          `json:"dataSourceId"`
	DataItemID        string          `json:"dataItemId"`
	Data              json.RawMessage `json:"data"`
	SharedAt          time.Time       `json:"sharedAt"`
}

// Store owns the SQLite file backing namespaced payloads and the activity
// log.
type Store struct {
	DB *sql.DB

	mu     sync.Mutex
	tables map[string]struct{}
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &Store{DB: db, tables: make(map[string]struct{})}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	var current int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	schema := `
	CREATE TABLE IF NOT EXISTS shared_data_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		service_provider_id TEXT NOT NULL,
		data_source_id TEXT NOT NULL,
		data_item_id TEXT NOT NULL,
		data TEXT NOT NULL,
		shared_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_shared_provider ON shared_data_items(service_provider_id);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveNamespaces appends one payload row per namespace, creating namespace
// tables on first sight. All namespaces land in one transaction.
func (s *Store) SaveNamespaces(ctx context.Context, namespaces map[string]json.RawMessage) error {
	if len(namespaces) == 0 {
		return nil
	}

	// Deterministic order keeps lock acquisition and error messages stable.
	names := make([]string, 0, len(namespaces))
	for name := range namespaces {
		if !namespacePattern.MatchString(name) {
			return fmt.Errorf("%w: %q", ErrInvalidNamespace, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := s.ensureTable(ctx, name); err != nil {
			return err
		}
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("datastore: save: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, name := range names {
		query := fmt.Sprintf(`INSERT INTO ns_%s (payload, saved_at) VALUES (?, ?)`, name)
		if _, err := tx.ExecContext(ctx, query, string(namespaces[name]), now); err != nil {
			return fmt.Errorf("datastore: save namespace %s: %w", name, err)
		}
	}
	return tx.Commit()
}

// Latest returns the most recent payload saved under a namespace, or nil
// when the namespace has never been written.
func (s *Store) Latest(ctx context.Context, namespace string) (json.RawMessage, error) {
	if !namespacePattern.MatchString(namespace) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNamespace, namespace)
	}

	query := fmt.Sprintf(`SELECT payload FROM ns_%s ORDER BY id DESC LIMIT 1`, namespace)
	var payload string
	err := s.DB.QueryRowContext(ctx, query).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		// An unknown namespace has no table yet; treat it like an empty one.
		if !s.known(namespace) {
			return nil, nil
		}
		return nil, fmt.Errorf("datastore: latest %s: %w", namespace, err)
	}
	return json.RawMessage(payload), nil
}

// NamespaceData returns every payload saved under a namespace, oldest
// first. An unwritten namespace yields nil.
func (s *Store) NamespaceData(ctx context.Context, namespace string) ([]json.RawMessage, error) {
	if !namespacePattern.MatchString(namespace) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNamespace, namespace)
	}

	query := fmt.Sprintf(`SELECT payload FROM ns_%s ORDER BY id ASC`, namespace)
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		if !s.known(namespace) {
			return nil, nil
		}
		return nil, fmt.Errorf("datastore: read %s: %w", namespace, err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("datastore: read %s: %w", namespace, err)
		}
		out = append(out, json.RawMessage(payload))
	}
	return out, rows.Err()
}

// AppendActivity records one shared data item.
func (s *Store) AppendActivity(ctx context.Context, a Activity) error {
	if a.SharedAt.IsZero() {
		a.SharedAt = time.Now().UTC()
	}
	query := `INSERT INTO shared_data_items (service_provider_id, data_source_id, data_item_id, data, shared_at)
		VALUES (?, ?, ?, ?, ?)`
	_, err := s.DB.ExecContext(ctx, query,
		a.ServiceProviderID, a.DataSourceID, a.DataItemID, string(a.Data),
		a.SharedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("datastore: append activity: %w", err)
	}
	return nil
}

// Activities returns the shared-data history, newest first.
func (s *Store) Activities(ctx context.Context) ([]Activity, error) {
	query := `SELECT service_provider_id, data_source_id, data_item_id, data, shared_at
		FROM shared_data_items ORDER BY id DESC`
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("datastore: activities: %w", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var a Activity
		var data, sharedAt string
		if err := rows.Scan(&a.ServiceProviderID, &a.DataSourceID, &a.DataItemID, &data, &sharedAt); err != nil {
			return nil, fmt.Errorf("datastore: activities: %w", err)
		}
		a.Data = json.RawMessage(data)
		a.SharedAt, _ = time.Parse(time.RFC3339, sharedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) ensureTable(ctx context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[namespace]; ok {
		return nil
	}

	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS ns_%s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payload TEXT NOT NULL,
		saved_at TEXT NOT NULL
	)`, namespace)
	if _, err := s.DB.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("datastore: create namespace %s: %w", namespace, err)
	}
	s.tables[namespace] = struct{}{}
	return nil
}

func (s *Store) known(namespace string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tables[namespace]
	return ok
}

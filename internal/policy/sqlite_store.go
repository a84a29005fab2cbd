// SPDX-License-Identifier: MIT

package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holdernet/holdgate/internal/persistence/sqlite"
)

const schemaVersion = 1

// SqliteStore implements Store on SQLite. Each provider holds one row; the
// grant set is serialised whole, so Upsert is a single-row replace.
type SqliteStore struct {
	DB *sql.DB
}

func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &SqliteStore{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("policy store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteStore) migrate() error {
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
	CREATE TABLE IF NOT EXISTS access_policies (
		service_provider_id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		operations TEXT NOT NULL,
		resources TEXT NOT NULL,
		has_subscribe BOOLEAN NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_policies_subscribe ON access_policies(has_subscribe);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SqliteStore) Upsert(ctx context.Context, p Policy) error {
	ops, err := json.Marshal(p.Operations)
	if err != nil {
		return fmt.Errorf("policy store: encode operations: %w", err)
	}
	res, err := json.Marshal(p.Resources)
	if err != nil {
		return fmt.Errorf("policy store: encode resources: %w", err)
	}

	query := `
	INSERT INTO access_policies (service_provider_id, version, operations, resources, has_subscribe)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(service_provider_id) DO UPDATE SET
		version = excluded.version,
		operations = excluded.operations,
		resources = excluded.resources,
		has_subscribe = excluded.has_subscribe
	`
	_, err = s.DB.ExecContext(ctx, query,
		p.ServiceProviderID, p.Version, string(ops), string(res), hasSubscribe(p))
	if err != nil {
		return fmt.Errorf("policy store: upsert %s: %w", p.ServiceProviderID, err)
	}
	return nil
}

func (s *SqliteStore) Get(ctx context.Context, serviceProviderID string) (Policy, error) {
	query := `SELECT service_provider_id, version, operations, resources
		FROM access_policies WHERE service_provider_id = ?`
	p, err := scanPolicy(s.DB.QueryRowContext(ctx, query, serviceProviderID))
	if errors.Is(err, sql.ErrNoRows) {
		return Policy{}, ErrNotFound
	}
	if err != nil {
		return Policy{}, fmt.Errorf("policy store: get %s: %w", serviceProviderID, err)
	}
	return p, nil
}

func (s *SqliteStore) Subscribed(ctx context.Context) ([]Policy, error) {
	query := `SELECT service_provider_id, version, operations, resources
		FROM access_policies WHERE has_subscribe = 1 ORDER BY service_provider_id`
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("policy store: subscribed: %w", err)
	}
	defer rows.Close()

	var out []Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("policy store: subscribed: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SqliteStore) DeleteByProvider(ctx context.Context, serviceProviderID string) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM access_policies WHERE service_provider_id = ?`, serviceProviderID)
	if err != nil {
		return fmt.Errorf("policy store: delete %s: %w", serviceProviderID, err)
	}
	return nil
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (Policy, error) {
	var p Policy
	var ops, res string
	if err := row.Scan(&p.ServiceProviderID, &p.Version, &ops, &res); err != nil {
		return Policy{}, err
	}
	if err := json.Unmarshal([]byte(ops), &p.Operations); err != nil {
		return Policy{}, err
	}
	if err := json.Unmarshal([]byte(res), &p.Resources); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func hasSubscribe(p Policy) bool {
	for _, op := range p.Operations {
		if op == OpSubscribe {
			return true
		}
	}
	return false
}

// SPDX-License-Identifier: MIT

package provider

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/holdernet/holdgate/internal/persistence/sqlite"
)

const schemaVersion = 1

// SqliteStore implements Store on SQLite.
type SqliteStore struct {
	DB *sql.DB
}

// NewSqliteStore opens (or creates) the provider store at dbPath.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &SqliteStore{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("provider store: migration failed: %w", err)
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
	CREATE TABLE IF NOT EXISTS service_providers (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		presentation_exchange_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '',
		verified BOOLEAN NOT NULL DEFAULT 0,
		banner TEXT,
		data_menu TEXT,
		created_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_providers_connection ON service_providers(connection_id);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SqliteStore) Put(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	query := `
	INSERT INTO service_providers (id, connection_id, presentation_exchange_id, state, verified, banner, data_menu, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		connection_id = excluded.connection_id,
		presentation_exchange_id = excluded.presentation_exchange_id,
		state = excluded.state,
		verified = excluded.verified,
		banner = excluded.banner,
		data_menu = excluded.data_menu
	`
	_, err := s.DB.ExecContext(ctx, query,
		rec.ID, rec.ConnectionID, rec.PresentationExchangeID, rec.State, rec.Verified,
		nullableJSON(rec.Banner), nullableJSON(rec.DataMenu),
		rec.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("provider store: put %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SqliteStore) Get(ctx context.Context, id string) (Record, error) {
	return s.one(ctx, `WHERE id = ?`, id)
}

func (s *SqliteStore) ByConnection(ctx context.Context, connectionID string) (Record, error) {
	return s.one(ctx, `WHERE connection_id = ?`, connectionID)
}

func (s *SqliteStore) one(ctx context.Context, where string, arg any) (Record, error) {
	query := `SELECT id, connection_id, presentation_exchange_id, state, verified, banner, data_menu, created_at
		FROM service_providers ` + where
	rec, err := scanRecord(s.DB.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("provider store: get: %w", err)
	}
	return rec, nil
}

func (s *SqliteStore) List(ctx context.Context) ([]Record, error) {
	query := `SELECT id, connection_id, presentation_exchange_id, state, verified, banner, data_menu, created_at
		FROM service_providers ORDER BY created_at, id`
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("provider store: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("provider store: list: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SqliteStore) SetExchange(ctx context.Context, id, presentationExchangeID string, banner json.RawMessage) error {
	query := `UPDATE service_providers SET presentation_exchange_id = ?, banner = ? WHERE id = ?`
	return s.update(ctx, id, query, presentationExchangeID, nullableJSON(banner), id)
}

func (s *SqliteStore) SetState(ctx context.Context, id, state string) error {
	query := `UPDATE service_providers SET state = ? WHERE id = ?`
	return s.update(ctx, id, query, state, id)
}

func (s *SqliteStore) SetVerification(ctx context.Context, id string, verified bool) error {
	// Verification closes the presentation exchange either way.
	query := `UPDATE service_providers SET verified = ?, presentation_exchange_id = '' WHERE id = ?`
	return s.update(ctx, id, query, verified, id)
}

func (s *SqliteStore) SetDataMenu(ctx context.Context, id string, menu json.RawMessage) error {
	query := `UPDATE service_providers SET data_menu = ? WHERE id = ?`
	return s.update(ctx, id, query, nullableJSON(menu), id)
}

func (s *SqliteStore) update(ctx context.Context, id, query string, args ...any) error {
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("provider store: update %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM service_providers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("provider store: delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var banner, menu sql.NullString
	var createdAt string
	err := row.Scan(&rec.ID, &rec.ConnectionID, &rec.PresentationExchangeID,
		&rec.State, &rec.Verified, &banner, &menu, &createdAt)
	if err != nil {
		return Record{}, err
	}
	if banner.Valid {
		rec.Banner = json.RawMessage(banner.String)
	}
	if menu.Valid {
		rec.DataMenu = json.RawMessage(menu.String)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return rec, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// SPDX-License-Identifier: MIT

package provider

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and ephemeral deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record)}
}

func (m *MemoryStore) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if existing, ok := m.recs[rec.ID]; ok {
		rec.CreatedAt = existing.CreatedAt
	}
	m.recs[rec.ID] = rec
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) ByConnection(_ context.Context, connectionID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.recs {
		if rec.ConnectionID == connectionID {
			return rec, nil
		}
	}
	return Record{}, ErrNotFound
}

func (m *MemoryStore) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.recs))
	for _, rec := range m.recs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) SetExchange(_ context.Context, id, presentationExchangeID string, banner json.RawMessage) error {
	return m.mutate(id, func(rec *Record) {
		rec.PresentationExchangeID = presentationExchangeID
		rec.Banner = banner
	})
}

func (m *MemoryStore) SetState(_ context.Context, id, state string) error {
	return m.mutate(id, func(rec *Record) {
		rec.State = state
	})
}

func (m *MemoryStore) SetVerification(_ context.Context, id string, verified bool) error {
	return m.mutate(id, func(rec *Record) {
		rec.Verified = verified
		rec.PresentationExchangeID = ""
	})
}

func (m *MemoryStore) SetDataMenu(_ context.Context, id string, menu json.RawMessage) error {
	return m.mutate(id, func(rec *Record) {
		rec.DataMenu = menu
	})
}

func (m *MemoryStore) mutate(id string, fn func(*Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return ErrNotFound
	}
	fn(&rec)
	m.recs[id] = rec
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[id]; !ok {
		return ErrNotFound
	}
	delete(m.recs, id)
	return nil
}

// SPDX-License-Identifier: MIT

package policy

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]Policy)}
}

func (m *MemoryStore) Upsert(_ context.Context, p Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[p.ServiceProviderID] = p
	return nil
}

func (m *MemoryStore) Get(_ context.Context, serviceProviderID string) (Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[serviceProviderID]
	if !ok {
		return Policy{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) Subscribed(_ context.Context) ([]Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Policy
	for _, p := range m.policies {
		if hasSubscribe(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ServiceProviderID < out[j].ServiceProviderID
	})
	return out, nil
}

func (m *MemoryStore) DeleteByProvider(_ context.Context, serviceProviderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.policies, serviceProviderID)
	return nil
}

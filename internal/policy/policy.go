// SPDX-License-Identifier: MIT

// Package policy stores per-provider access policies. A policy names the
// operations a service provider may perform and the resources those
// operations cover; SUBSCRIBE entries drive the push distribution engine.
package policy

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound marks a lookup for a provider with no stored policy.
var ErrNotFound = errors.New("policy: not found")

// Operation is one granted capability.
type Operation string

const (
	OpRead      Operation = "READ"
	OpPut       Operation = "PUT"
	OpDelete    Operation = "DELETE"
	OpSubscribe Operation = "SUBSCRIBE"
)

// ParseOperation validates a wire-format operation name.
func ParseOperation(s string) (Operation, error) {
	switch Operation(s) {
	case OpRead, OpPut, OpDelete, OpSubscribe:
		return Operation(s), nil
	}
	return "", fmt.Errorf("policy: unknown operation %q", s)
}

// Policy is the full access grant for one service provider. Operations and
// Resources are parallel by index: Operations[i] applies to Resources[i].
type Policy struct {
	ServiceProviderID string      `json:"serviceProviderId"`
	Version           int64       `json:"version"`
	Operations        []Operation `json:"operations"`
	Resources         [][]string  `json:"resources"`
}

// SubscribedResources returns the union of resources granted under
// SUBSCRIBE operations.
func (p Policy) SubscribedResources() []string {
	seen := make(map[string]struct{})
	var out []string
	for i, op := range p.Operations {
		if op != OpSubscribe || i >= len(p.Resources) {
			continue
		}
		for _, r := range p.Resources[i] {
			if _, dup := seen[r]; dup {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

// Store persists policies. Upsert replaces the provider's whole grant set
// atomically.
type Store interface {
	Upsert(ctx context.Context, p Policy) error
	Get(ctx context.Context, serviceProviderID string) (Policy, error)
	Subscribed(ctx context.Context) ([]Policy, error)
	DeleteByProvider(ctx context.Context, serviceProviderID string) error
}

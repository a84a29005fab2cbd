// SPDX-License-Identifier: MIT

// Package provider holds the service-provider records the gateway has
// established trust relationships with.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound marks a lookup for a provider the gateway does not know.
var ErrNotFound = errors.New("provider: not found")

// Record is one service provider. The ID doubles as the agent connection ID
// of the trust relationship; it is assigned once when the invitation is
// accepted and never changes.
type Record struct {
	ID                     string
	ConnectionID           string
	PresentationExchangeID string
	State                  string
	Verified               bool
	Banner                 json.RawMessage
	DataMenu               json.RawMessage
	CreatedAt              time.Time
}

// Store persists provider records.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	ByConnection(ctx context.Context, connectionID string) (Record, error)
	List(ctx context.Context) ([]Record, error)
	SetExchange(ctx context.Context, id, presentationExchangeID string, banner json.RawMessage) error
	SetState(ctx context.Context, id, state string) error
	SetVerification(ctx context.Context, id string, verified bool) error
	SetDataMenu(ctx context.Context, id string, menu json.RawMessage) error
	Delete(ctx context.Context, id string) error
}

// SPDX-License-Identifier: MIT

// Package correlate matches outbound operations to their eventual
// asynchronous inbound results. Each correlation key maps to at most one
// pending continuation; resolution removes the entry, so delivery to the
// waiting caller happens at most once. Webhook delivery is not guaranteed to
// run on the goroutine that registered the continuation, so all registry
// state is mutex-protected.
package correlate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/holdernet/holdgate/internal/log"
	"github.com/holdernet/holdgate/internal/metrics"
)

var (
	// ErrKeyExists is returned when a correlation key is already occupied.
	// Two in-flight operations sharing a key is a caller bug.
	ErrKeyExists = errors.New("correlate: key already registered")

	// ErrExpired resolves continuations whose matching callback never arrived.
	ErrExpired = errors.New("correlate: pending continuation expired")

	// ErrCancelled resolves continuations withdrawn by their own registrar.
	ErrCancelled = errors.New("correlate: pending continuation cancelled")
)

type outcome[T any] struct {
	value T
	err   error
}

// Pending is a single-fulfillment result handle for one correlation key.
type Pending[T any] struct {
	key string
	ch  chan outcome[T]
}

// Key returns the correlation key this continuation is registered under.
func (p *Pending[T]) Key() string { return p.key }

// Await blocks until the continuation is resolved, fails, or ctx ends.
func (p *Pending[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case o := <-p.ch:
		return o.value, o.err
	}
}

type entry[T any] struct {
	pending  *Pending[T]
	deadline time.Time
}

// Registry owns the pending continuations for one concern. TTL-expired
// entries are resolved with ErrExpired by a background janitor so a callback
// that never arrives cannot leak its waiter forever.
type Registry[T any] struct {
	name   string
	ttl    time.Duration
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry[T]

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewRegistry creates a registry named for metrics/log labels. A positive ttl
// with a positive sweep interval starts the expiry janitor; ttl <= 0 disables
// expiry (entries then live until resolved or cancelled).
func NewRegistry[T any](name string, ttl, sweepInterval time.Duration) *Registry[T] {
	r := &Registry[T]{
		name:    name,
		ttl:     ttl,
		logger:  log.WithComponent("correlate").With().Str("registry", name).Logger(),
		entries: make(map[string]*entry[T]),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if ttl > 0 && sweepInterval > 0 {
		go r.janitor(sweepInterval)
	} else {
		close(r.done)
	}
	return r
}

// Close stops the janitor. Pending entries are left in place.
func (r *Registry[T]) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

// Register stores a new continuation under key. It fails with ErrKeyExists
// if the key is already occupied instead of silently overwriting.
func (r *Registry[T]) Register(key string) (*Pending[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[key]; exists {
		return nil, ErrKeyExists
	}

	p := &Pending[T]{key: key, ch: make(chan outcome[T], 1)}
	e := &entry[T]{pending: p}
	if r.ttl > 0 {
		e.deadline = time.Now().Add(r.ttl)
	}
	r.entries[key] = e

	metrics.IncPendingRegistered(r.name)
	return p, nil
}

// Resolve atomically removes the continuation for key and delivers value to
// its waiter. It reports false for orphan resolutions (no matching pending
// continuation), which are logged and dropped, never raised.
func (r *Registry[T]) Resolve(key string, value T) bool {
	e := r.take(key)
	if e == nil {
		r.logger.Warn().
			Str("event", "correlate.orphan").
			Str(log.FieldCorrelationID, key).
			Msg("no pending continuation for key, dropping result")
		metrics.IncPendingResolved(r.name, "orphan")
		return false
	}
	e.pending.ch <- outcome[T]{value: value}
	metrics.IncPendingResolved(r.name, "resolved")
	return true
}

// Fail resolves the continuation for key with an error instead of a value.
func (r *Registry[T]) Fail(key string, err error) bool {
	e := r.take(key)
	if e == nil {
		return false
	}
	e.pending.ch <- outcome[T]{err: err}
	metrics.IncPendingResolved(r.name, "failed")
	return true
}

// Cancel withdraws a registration, resolving any waiter with ErrCancelled.
// Used to clean up when the outbound call that justified the registration
// fails before any callback can arrive.
func (r *Registry[T]) Cancel(key string) {
	e := r.take(key)
	if e == nil {
		return
	}
	e.pending.ch <- outcome[T]{err: ErrCancelled}
	metrics.IncPendingResolved(r.name, "cancelled")
}

// Len reports the number of in-flight continuations.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry[T]) take(key string) *entry[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil
	}
	delete(r.entries, key)
	return e
}

func (r *Registry[T]) janitor(interval time.Duration) {
	defer close(r.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			r.expire(now)
		}
	}
}

func (r *Registry[T]) expire(now time.Time) {
	r.mu.Lock()
	var due []*entry[T]
	var keys []string
	for key, e := range r.entries {
		if !e.deadline.IsZero() && now.After(e.deadline) {
			due = append(due, e)
			keys = append(keys, key)
			delete(r.entries, key)
		}
	}
	r.mu.Unlock()

	for i, e := range due {
		e.pending.ch <- outcome[T]{err: ErrExpired}
		r.logger.Warn().
			Str("event", "correlate.expired").
			Str(log.FieldCorrelationID, keys[i]).
			Dur("ttl", r.ttl).
			Msg("pending continuation expired without a matching callback")
		metrics.IncPendingResolved(r.name, "expired")
	}
}

// SPDX-License-Identifier: MIT

// Package distribute pushes the holder's data to subscribed service
// providers and runs the item-level pull-share pipeline with deduplication
// and caching.
package distribute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/holdernet/holdgate/internal/agent"
	"github.com/holdernet/holdgate/internal/correlate"
	"github.com/holdernet/holdgate/internal/datastore"
	"github.com/holdernet/holdgate/internal/log"
	"github.com/holdernet/holdgate/internal/metrics"
	"github.com/holdernet/holdgate/internal/policy"
	"github.com/holdernet/holdgate/internal/provider"
)

var (
	// ErrTransform marks a payload the transform hook could not process.
	// Callers map it to a client error.
	ErrTransform = errors.New("distribute: transform failed")

	// ErrPolicyRead marks a failure loading subscription policies.
	ErrPolicyRead = errors.New("distribute: policy read failed")

	// ErrProviderSend marks a failed push to at least one provider.
	ErrProviderSend = errors.New("distribute: provider send failed")
)

// Transform reshapes an incoming payload into namespaced resources before
// distribution. The identity transform expects a JSON object of
// namespace -> data.
type Transform func(ctx context.Context, payload json.RawMessage) (map[string]json.RawMessage, error)

// IdentityTransform distributes the payload as-is.
func IdentityTransform(_ context.Context, payload json.RawMessage) (map[string]json.RawMessage, error) {
	var namespaces map[string]json.RawMessage
	if err := json.Unmarshal(payload, &namespaces); err != nil {
		return nil, fmt.Errorf("payload is not a namespace object: %w", err)
	}
	return namespaces, nil
}

// Fetcher loads one data item from its upstream source.
type Fetcher func(ctx context.Context) (json.RawMessage, error)

// FetcherFactory builds the Fetcher for an item named in a data menu.
type FetcherFactory func(dataSourceID, dataItemID string) Fetcher

// InfoFunc asks a provider for its descriptive metadata.
type InfoFunc func(ctx context.Context, serviceProviderID string) (json.RawMessage, error)

// Ledger is the dedup and cache surface the engine needs.
type Ledger interface {
	AlreadyShared(ctx context.Context, dataSourceID, dataItemID, serviceProviderID string) (bool, error)
	MarkShared(ctx context.Context, dataSourceID, dataItemID, serviceProviderID string) error
	CachedValue(ctx context.Context, dataSourceID, dataItemID string) (json.RawMessage, error)
	StoreCached(ctx context.Context, dataSourceID, dataItemID string, value json.RawMessage) error
}

// History persists distributed payloads and the shared-data log.
type History interface {
	SaveNamespaces(ctx context.Context, namespaces map[string]json.RawMessage) error
	AppendActivity(ctx context.Context, a datastore.Activity) error
}

// PushResult is the outcome of one provider push.
type PushResult struct {
	ServiceProviderID string   `json:"serviceProviderId"`
	Namespaces        []string `json:"namespaces"`
}

// Report summarises a distribution round. NoData means no provider was
// subscribed to any pushed resource.
type Report struct {
	Pushed []PushResult `json:"pushed"`
	NoData bool         `json:"noData"`
}

// Engine drives both distribution paths.
type Engine struct {
	agent     agent.Caller
	providers provider.Store
	policies  policy.Store
	history   History
	ledger    Ledger
	acks      *correlate.Registry[int]
	transform Transform
	fetchers  FetcherFactory
	info      InfoFunc
	logger    zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithTransform installs the payload transform hook.
func WithTransform(t Transform) Option {
	return func(e *Engine) { e.transform = t }
}

// WithFetcherFactory installs the upstream item fetcher factory.
func WithFetcherFactory(f FetcherFactory) Option {
	return func(e *Engine) { e.fetchers = f }
}

// WithInfoFunc installs the provider metadata fetcher used by DataMenu.
func WithInfoFunc(f InfoFunc) Option {
	return func(e *Engine) { e.info = f }
}

func NewEngine(caller agent.Caller, providers provider.Store, policies policy.Store,
	history History, ledger Ledger, acks *correlate.Registry[int], opts ...Option) *Engine {
	e := &Engine{
		agent:     caller,
		providers: providers,
		policies:  policies,
		history:   history,
		ledger:    ledger,
		acks:      acks,
		transform: IdentityTransform,
		logger:    log.WithComponent("distribute"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Distribute transforms a payload, persists it, and pushes the covered
// namespaces to every subscribed provider. Either every selected provider
// receives its share or the call fails.
func (e *Engine) Distribute(ctx context.Context, payload json.RawMessage) (Report, error) {
	namespaces, err := e.transform(ctx, payload)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %w", ErrTransform, err)
	}

	if err := e.history.SaveNamespaces(ctx, namespaces); err != nil {
		return Report{}, err
	}

	policies, err := e.policies.Subscribed(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %w", ErrPolicyRead, err)
	}

	type push struct {
		serviceProviderID string
		resources         map[string]json.RawMessage
	}
	var pushes []push
	for _, p := range policies {
		filtered := intersect(namespaces, p.SubscribedResources())
		if len(filtered) == 0 {
			continue
		}
		pushes = append(pushes, push{serviceProviderID: p.ServiceProviderID, resources: filtered})
	}

	if len(pushes) == 0 {
		metrics.IncDistribution("no_data")
		e.logger.Info().
			Str("event", "distribute.no_subscribers").
			Int("namespaces", len(namespaces)).
			Msg("no provider subscribed to the pushed resources")
		return Report{NoData: true}, nil
	}

	// One provider failing must not abort the sends to its siblings, so the
	// goroutines run on the caller's context and errors are collected per
	// provider instead of cancelling the group.
	results := make([]PushResult, len(pushes))
	errs := make([]error, len(pushes))
	var g errgroup.Group
	for i, p := range pushes {
		g.Go(func() error {
			if err := e.pushResources(ctx, p.serviceProviderID, p.resources); err != nil {
				metrics.IncProviderPush("failure")
				errs[i] = fmt.Errorf("%s: %w", p.serviceProviderID, err)
				return errs[i]
			}
			metrics.IncProviderPush("success")
			results[i] = PushResult{
				ServiceProviderID: p.serviceProviderID,
				Namespaces:        sortedKeys(p.resources),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.IncDistribution("failure")
		return Report{}, fmt.Errorf("%w: %w", ErrProviderSend, errors.Join(errs...))
	}

	metrics.IncDistribution("success")
	e.logger.Info().
		Str("event", "distribute.pushed").
		Int("providers", len(results)).
		Msg("distributed new data")
	return Report{Pushed: results}, nil
}

func (e *Engine) pushResources(ctx context.Context, serviceProviderID string, resources map[string]json.RawMessage) error {
	rec, err := e.providers.Get(ctx, serviceProviderID)
	if err != nil {
		return err
	}

	content, err := json.Marshal(resources)
	if err != nil {
		return err
	}
	return e.agent.SendBasicMessage(ctx, rec.ConnectionID, string(content))
}

func intersect(namespaces map[string]json.RawMessage, resources []string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for _, r := range resources {
		if data, ok := namespaces[r]; ok {
			out[r] = data
		}
	}
	return out
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

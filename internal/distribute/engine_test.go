// SPDX-License-Identifier: MIT

package distribute

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holdernet/holdgate/internal/agent"
	"github.com/holdernet/holdgate/internal/correlate"
	"github.com/holdernet/holdgate/internal/datastore"
	"github.com/holdernet/holdgate/internal/ledger"
	"github.com/holdernet/holdgate/internal/policy"
	"github.com/holdernet/holdgate/internal/provider"
)

// sendFunc lets each test script the basic-message transport; every other
// agent call is unused by the engine except provider lookups.
type stubAgent struct {
	mu       sync.Mutex
	messages []sentMessage
	send     func(ctx context.Context, connID, content string) error
}

type sentMessage struct {
	ConnectionID string
	Content      string
}

func (s *stubAgent) SendBasicMessage(ctx context.Context, connID, content string) error {
	s.mu.Lock()
	s.messages = append(s.messages, sentMessage{connID, content})
	s.mu.Unlock()
	if s.send != nil {
		return s.send(ctx, connID, content)
	}
	return nil
}

func (s *stubAgent) sent() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.messages...)
}

func (s *stubAgent) ReceiveInvitation(context.Context, json.RawMessage) (string, error) {
	return "", nil
}

func (s *stubAgent) SendPresentation(context.Context, string, string) (string, error) {
	return "", nil
}

func (s *stubAgent) RemoveConnection(context.Context, string) error { return nil }

func (s *stubAgent) PresentationRecord(context.Context, string) (agent.PresentationRecord, error) {
	return agent.PresentationRecord{}, nil
}

func (s *stubAgent) RelevantCredential(context.Context, string) (string, error) { return "", nil }

func (s *stubAgent) ListCredentials(context.Context) ([]agent.Credential, error) { return nil, nil }

type fixture struct {
	engine    *Engine
	agent     *stubAgent
	providers provider.Store
	policies  policy.Store
	ledger    *ledger.Ledger
	data      *datastore.Store
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	led := ledger.NewWithClient(client, 0, 0)

	data, err := datastore.NewStore(filepath.Join(t.TempDir(), "data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = data.Close() })

	acks := correlate.NewRegistry[int]("share_ack", 0, 0)
	t.Cleanup(acks.Close)

	stub := &stubAgent{}
	providers := provider.NewMemoryStore()
	policies := policy.NewMemoryStore()

	return &fixture{
		engine:    NewEngine(stub, providers, policies, data, led, acks, opts...),
		agent:     stub,
		providers: providers,
		policies:  policies,
		ledger:    led,
		data:      data,
	}
}

func (f *fixture) addProvider(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.providers.Put(context.Background(), provider.Record{
		ID: id, ConnectionID: "conn-" + id, Verified: true,
	}))
}

func (f *fixture) subscribe(t *testing.T, id string, resources ...string) {
	t.Helper()
	require.NoError(t, f.policies.Upsert(context.Background(), policy.Policy{
		ServiceProviderID: id,
		Operations:        []policy.Operation{policy.OpSubscribe},
		Resources:         [][]string{resources},
	}))
}

func TestDistributeFanOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addProvider(t, "sp-1")
	f.addProvider(t, "sp-2")
	f.subscribe(t, "sp-1", "health")
	f.subscribe(t, "sp-2", "health", "finance")

	report, err := f.engine.Distribute(ctx, json.RawMessage(`{"health":{"steps":1},"finance":{"balance":2}}`))
	require.NoError(t, err)
	require.Len(t, report.Pushed, 2)
	assert.False(t, report.NoData)

	byProvider := map[string][]string{}
	for _, p := range report.Pushed {
		byProvider[p.ServiceProviderID] = p.Namespaces
	}
	assert.Equal(t, []string{"health"}, byProvider["sp-1"])
	assert.Equal(t, []string{"finance", "health"}, byProvider["sp-2"])

	// Each provider received exactly its own slice of the payload.
	require.Len(t, f.agent.sent(), 2)
	for _, msg := range f.agent.sent() {
		var resources map[string]json.RawMessage
		require.NoError(t, json.Unmarshal([]byte(msg.Content), &resources))
		if msg.ConnectionID == "conn-sp-1" {
			assert.Len(t, resources, 1)
			assert.Contains(t, resources, "health")
		} else {
			assert.Len(t, resources, 2)
		}
	}

	// The payload was persisted namespace by namespace.
	latest, err := f.data.Latest(ctx, "health")
	require.NoError(t, err)
	assert.JSONEq(t, `{"steps":1}`, string(latest))
}

func TestDistributeNoSubscribers(t *testing.T) {
	f := newFixture(t)

	report, err := f.engine.Distribute(context.Background(), json.RawMessage(`{"health":{"steps":1}}`))
	require.NoError(t, err)
	assert.True(t, report.NoData)
	assert.Empty(t, f.agent.sent())
}

func TestDistributeSkipsEmptyIntersection(t *testing.T) {
	f := newFixture(t)
	f.addProvider(t, "sp-1")
	f.subscribe(t, "sp-1", "sleep")

	report, err := f.engine.Distribute(context.Background(), json.RawMessage(`{"health":{"steps":1}}`))
	require.NoError(t, err)
	assert.True(t, report.NoData)
	assert.Empty(t, f.agent.sent(), "no partial or empty pushes")
}

func TestDistributeTransformError(t *testing.T) {
	f := newFixture(t, WithTransform(func(context.Context, json.RawMessage) (map[string]json.RawMessage, error) {
		return nil, errors.New("not enough data")
	}))

	_, err := f.engine.Distribute(context.Background(), json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrTransform)
	assert.Empty(t, f.agent.sent())
}

func TestDistributeAllOrNothing(t *testing.T) {
	f := newFixture(t)
	f.addProvider(t, "sp-1")
	f.addProvider(t, "sp-2")
	f.subscribe(t, "sp-1", "health")
	f.subscribe(t, "sp-2", "health")

	f.agent.send = func(_ context.Context, connID, _ string) error {
		if connID == "conn-sp-2" {
			return agent.ErrUnavailable
		}
		return nil
	}

	_, err := f.engine.Distribute(context.Background(), json.RawMessage(`{"health":{"steps":1}}`))
	assert.ErrorIs(t, err, ErrProviderSend)
	assert.ErrorContains(t, err, "sp-2")
}

func TestDistributeSiblingFailureDoesNotCancel(t *testing.T) {
	f := newFixture(t)
	f.addProvider(t, "sp-1")
	f.addProvider(t, "sp-2")
	f.subscribe(t, "sp-1", "health")
	f.subscribe(t, "sp-2", "health")

	failed := make(chan struct{})
	ctxErrs := make(chan error, 1)
	f.agent.send = func(ctx context.Context, connID, _ string) error {
		if connID == "conn-sp-2" {
			close(failed)
			return agent.ErrUnavailable
		}
		// The healthy provider's send completes only after the sibling has
		// already failed; its context must still be live at that point.
		<-failed
		ctxErrs <- ctx.Err()
		return nil
	}

	_, err := f.engine.Distribute(context.Background(), json.RawMessage(`{"health":{"steps":1}}`))
	assert.ErrorIs(t, err, ErrProviderSend)
	assert.NoError(t, <-ctxErrs, "sibling failure must not cancel in-flight sends")
	assert.Len(t, f.agent.sent(), 2)
}

// ackingAgent acknowledges every SHARED_DATA batch it sees.
func autoAck(t *testing.T, f *fixture, count int) {
	t.Helper()
	f.agent.send = func(_ context.Context, _, content string) error {
		env, err := agent.DecodeContent(content)
		if err != nil {
			return err
		}
		f.engine.OnSharedDataAck(env.MessageID, count)
		return nil
	}
}

func TestShareFreshFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProvider(t, "sp-1")
	autoAck(t, f, 1)

	fetched := 0
	report, err := f.engine.Share(ctx, "sp-1", []ShareItem{{
		DataSourceID: "fitbit",
		DataItemID:   "steps",
		Fetch: func(context.Context) (json.RawMessage, error) {
			fetched++
			return json.RawMessage(`{"steps":900}`), nil
		},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, fetched)
	assert.Equal(t, []string{"fitbit/steps"}, report.Sent)
	assert.Equal(t, 1, report.Acked)

	// Ledger marked, cache filled, history written.
	shared, err := f.ledger.AlreadyShared(ctx, "fitbit", "steps", "sp-1")
	require.NoError(t, err)
	assert.True(t, shared)

	cached, err := f.ledger.CachedValue(ctx, "fitbit", "steps")
	require.NoError(t, err)
	assert.JSONEq(t, `{"steps":900}`, string(cached))

	activities, err := f.data.Activities(ctx)
	require.NoError(t, err)
	require.Len(t, activities, 1)
	assert.Equal(t, "sp-1", activities[0].ServiceProviderID)
}

func TestShareSkipsAlreadyShared(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProvider(t, "sp-1")
	require.NoError(t, f.ledger.MarkShared(ctx, "fitbit", "steps", "sp-1"))

	report, err := f.engine.Share(ctx, "sp-1", []ShareItem{{
		DataSourceID: "fitbit",
		DataItemID:   "steps",
		Fetch: func(context.Context) (json.RawMessage, error) {
			t.Fatal("fetch must not run for an already-shared item")
			return nil, nil
		},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"fitbit/steps"}, report.Skipped)
	assert.Empty(t, report.Sent)
	assert.Empty(t, f.agent.sent(), "nothing to send")
}

func TestShareServesFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProvider(t, "sp-1")
	require.NoError(t, f.ledger.StoreCached(ctx, "fitbit", "steps", json.RawMessage(`{"steps":500}`)))
	autoAck(t, f, 1)

	report, err := f.engine.Share(ctx, "sp-1", []ShareItem{{
		DataSourceID: "fitbit",
		DataItemID:   "steps",
		Fetch: func(context.Context) (json.RawMessage, error) {
			t.Fatal("fetch must not run on a cache hit")
			return nil, nil
		},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"fitbit/steps"}, report.Sent)

	// The cached value is what went out.
	env, err := agent.DecodeContent(f.agent.sent()[0].Content)
	require.NoError(t, err)
	data, ok := env.Message.(agent.SharedData)
	require.True(t, ok)
	require.Len(t, data.Items, 1)
	assert.JSONEq(t, `{"steps":500}`, string(data.Items[0].Data))
}

func TestShareRejectedByProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProvider(t, "sp-1")
	autoAck(t, f, -1)

	report, err := f.engine.Share(ctx, "sp-1", []ShareItem{{
		DataSourceID: "fitbit",
		DataItemID:   "steps",
		Fetch: func(context.Context) (json.RawMessage, error) {
			return json.RawMessage(`{"steps":900}`), nil
		},
	}})
	assert.ErrorIs(t, err, ErrShareRejected)
	assert.Equal(t, -1, report.Acked)

	// A rejected batch is not recorded as shared.
	shared, err := f.ledger.AlreadyShared(ctx, "fitbit", "steps", "sp-1")
	require.NoError(t, err)
	assert.False(t, shared)
}

func TestShareSendFailureCancelsAck(t *testing.T) {
	f := newFixture(t)
	f.addProvider(t, "sp-1")
	f.agent.send = func(context.Context, string, string) error { return agent.ErrUnavailable }

	_, err := f.engine.Share(context.Background(), "sp-1", []ShareItem{{
		DataSourceID: "fitbit",
		DataItemID:   "steps",
		Fetch: func(context.Context) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	}})
	assert.ErrorIs(t, err, ErrProviderSend)
	assert.Equal(t, 0, f.engine.acks.Len())
}

func TestSetDataMenuSharesSelectedItems(t *testing.T) {
	f := newFixture(t, WithFetcherFactory(func(src, item string) Fetcher {
		return func(context.Context) (json.RawMessage, error) {
			return json.RawMessage(`{"from":"` + src + `/` + item + `"}`), nil
		}
	}))
	ctx := context.Background()
	f.addProvider(t, "sp-1")
	autoAck(t, f, 2)

	report, err := f.engine.SetDataMenu(ctx, "sp-1", []MenuItem{
		{DataSourceID: "fitbit", DataItemID: "steps", Selected: true},
		{DataSourceID: "fitbit", DataItemID: "sleep", Selected: false},
		{DataSourceID: "bank", DataItemID: "balance", Selected: true},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"fitbit/steps", "bank/balance"}, report.Sent)

	// Menu persisted for later reads.
	menu, err := f.engine.DataMenu(ctx, "sp-1")
	require.NoError(t, err)
	require.Len(t, menu, 3)
	assert.False(t, menu[1].Selected)
}

func TestDataMenuFallsBackToProviderInfo(t *testing.T) {
	f := newFixture(t, WithInfoFunc(func(context.Context, string) (json.RawMessage, error) {
		return json.RawMessage(`[{"dataSourceId":"fitbit","dataItemId":"steps","selected":false}]`), nil
	}))
	ctx := context.Background()
	f.addProvider(t, "sp-1")

	menu, err := f.engine.DataMenu(ctx, "sp-1")
	require.NoError(t, err)
	require.Len(t, menu, 1)
	assert.Equal(t, "fitbit", menu[0].DataSourceID)
}

func TestDataMenuNoSource(t *testing.T) {
	f := newFixture(t)
	f.addProvider(t, "sp-1")

	_, err := f.engine.DataMenu(context.Background(), "sp-1")
	assert.ErrorIs(t, err, ErrNoMenuSource)
}

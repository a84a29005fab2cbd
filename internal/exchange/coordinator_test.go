// SPDX-License-Identifier: MIT

package exchange

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/holdernet/holdgate/internal/agent"
	"github.com/holdernet/holdgate/internal/policy"
	"github.com/holdernet/holdgate/internal/provider"
)

type fakeAgent struct {
	mu    sync.Mutex
	calls []string

	receiveInvitation  func(ctx context.Context, invitation json.RawMessage) (string, error)
	sendPresentation   func(ctx context.Context, presExID, credID string) (string, error)
	sendBasicMessage   func(ctx context.Context, connID, content string) error
	removeConnection   func(ctx context.Context, connID string) error
	presentationRecord func(ctx context.Context, presExID string) (agent.PresentationRecord, error)
	relevantCredential func(ctx context.Context, presExID string) (string, error)
	listCredentials    func(ctx context.Context) ([]agent.Credential, error)
}

func (f *fakeAgent) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeAgent) ReceiveInvitation(ctx context.Context, invitation json.RawMessage) (string, error) {
	f.record("receive_invitation")
	if f.receiveInvitation != nil {
		return f.receiveInvitation(ctx, invitation)
	}
	return "conn-1", nil
}

func (f *fakeAgent) SendPresentation(ctx context.Context, presExID, credID string) (string, error) {
	f.record("send_presentation")
	if f.sendPresentation != nil {
		return f.sendPresentation(ctx, presExID, credID)
	}
	return "conn-1", nil
}

func (f *fakeAgent) SendBasicMessage(ctx context.Context, connID, content string) error {
	f.record("send_basic_message")
	if f.sendBasicMessage != nil {
		return f.sendBasicMessage(ctx, connID, content)
	}
	return nil
}

func (f *fakeAgent) RemoveConnection(ctx context.Context, connID string) error {
	f.record("remove_connection")
	if f.removeConnection != nil {
		return f.removeConnection(ctx, connID)
	}
	return nil
}

func (f *fakeAgent) PresentationRecord(ctx context.Context, presExID string) (agent.PresentationRecord, error) {
	f.record("presentation_record")
	if f.presentationRecord != nil {
		return f.presentationRecord(ctx, presExID)
	}
	return agent.PresentationRecord{
		PresentationExchangeID: presExID,
		ConnectionID:           "conn-1",
		RequestName:            `{"providerName":"acme"}`,
	}, nil
}

func (f *fakeAgent) RelevantCredential(ctx context.Context, presExID string) (string, error) {
	f.record("relevant_credential")
	if f.relevantCredential != nil {
		return f.relevantCredential(ctx, presExID)
	}
	return "cred-1", nil
}

func (f *fakeAgent) ListCredentials(ctx context.Context) ([]agent.Credential, error) {
	f.record("list_credentials")
	if f.listCredentials != nil {
		return f.listCredentials(ctx)
	}
	return nil, nil
}

func invitationURL(t *testing.T) string {
	t.Helper()
	return "https://provider.example/invite?oob=" +
		base64.URLEncoding.EncodeToString([]byte(`{"label":"provider"}`))
}

func newCoordinator(t *testing.T, fake *fakeAgent) (*Coordinator, provider.Store, policy.Store) {
	t.Helper()
	providers := provider.NewMemoryStore()
	policies := policy.NewMemoryStore()
	registries := NewRegistries(0, 0)
	t.Cleanup(registries.Close)
	return NewCoordinator(fake, providers, policies, registries), providers, policies
}

func TestAcceptInvitationFlow(t *testing.T) {
	defer goleak.VerifyNone(t)

	fake := &fakeAgent{}
	c, providers, _ := newCoordinator(t, fake)
	ctx := context.Background()

	type result struct {
		detail Detail
		err    error
	}
	done := make(chan result, 1)
	go func() {
		d, err := c.AcceptInvitation(ctx, invitationURL(t))
		done <- result{d, err}
	}()

	// Wait for the caller to store the record and register its continuation.
	require.Eventually(t, func() bool {
		return c.registries.Detail.Len() == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.OnPresentationRequested(ctx, "pres-7"))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "conn-1", res.detail.ID)
	assert.Equal(t, StatePresentationRequested, res.detail.State)
	assert.JSONEq(t, `{"providerName":"acme"}`, string(res.detail.Banner))
	assert.Equal(t, "cred-1", res.detail.RelevantCredentialID)

	rec, err := providers.Get(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, string(StatePresentationRequested), rec.State)
	assert.Equal(t, "pres-7", rec.PresentationExchangeID)
}

func TestAcceptInvitationAgentFailure(t *testing.T) {
	fake := &fakeAgent{
		receiveInvitation: func(context.Context, json.RawMessage) (string, error) {
			return "", agent.ErrUnavailable
		},
	}
	c, _, _ := newCoordinator(t, fake)

	_, err := c.AcceptInvitation(context.Background(), invitationURL(t))
	assert.ErrorIs(t, err, agent.ErrUnavailable)
	assert.Equal(t, 0, c.registries.Detail.Len(), "failed call must leave no continuation")
}

func TestAcceptInvitationRejectsBadURL(t *testing.T) {
	c, _, _ := newCoordinator(t, &fakeAgent{})
	_, err := c.AcceptInvitation(context.Background(), "https://x.example/no-invitation")
	assert.ErrorIs(t, err, agent.ErrInvalidInvitation)
}

func TestVerifyFlow(t *testing.T) {
	for _, verified := range []bool{true, false} {
		fake := &fakeAgent{}
		c, providers, _ := newCoordinator(t, fake)
		ctx := context.Background()

		require.NoError(t, providers.Put(ctx, provider.Record{
			ID:                     "conn-1",
			ConnectionID:           "conn-1",
			PresentationExchangeID: "pres-7",
			State:                  string(StatePresentationRequested),
		}))

		done := make(chan bool, 1)
		errs := make(chan error, 1)
		go func() {
			ok, err := c.Verify(ctx, "conn-1", "cred-1")
			errs <- err
			done <- ok
		}()

		require.Eventually(t, func() bool {
			return c.registries.Verify.Len() == 1
		}, time.Second, 5*time.Millisecond)

		require.NoError(t, c.OnVerifyResult(ctx, "conn-1", verified))
		require.NoError(t, <-errs)
		assert.Equal(t, verified, <-done)

		rec, err := providers.Get(ctx, "conn-1")
		require.NoError(t, err)
		assert.Equal(t, verified, rec.Verified)
		assert.Empty(t, rec.PresentationExchangeID)
		want := StateRejected
		if verified {
			want = StateVerified
		}
		assert.Equal(t, string(want), rec.State)
	}
}

func TestVerifyWithoutOpenExchange(t *testing.T) {
	c, providers, _ := newCoordinator(t, &fakeAgent{})
	ctx := context.Background()

	require.NoError(t, providers.Put(ctx, provider.Record{
		ID: "conn-1", ConnectionID: "conn-1", State: string(StateInvited),
	}))

	_, err := c.Verify(ctx, "conn-1", "cred-1")
	assert.ErrorIs(t, err, ErrNoOpenExchange)
}

func TestOutOfOrderVerifyResult(t *testing.T) {
	c, providers, _ := newCoordinator(t, &fakeAgent{})
	ctx := context.Background()

	require.NoError(t, providers.Put(ctx, provider.Record{
		ID: "conn-1", ConnectionID: "conn-1", State: string(StateInvited),
	}))

	err := c.OnVerifyResult(ctx, "conn-1", true)
	var invalid ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StateInvited, invalid.From)
}

func TestRemoveProviderOrdering(t *testing.T) {
	fake := &fakeAgent{}
	c, providers, policies := newCoordinator(t, fake)
	ctx := context.Background()

	require.NoError(t, providers.Put(ctx, provider.Record{ID: "conn-1", ConnectionID: "conn-1"}))
	require.NoError(t, policies.Upsert(ctx, policy.Policy{
		ServiceProviderID: "conn-1",
		Operations:        []policy.Operation{policy.OpSubscribe},
		Resources:         [][]string{{"health"}},
	}))

	require.NoError(t, c.RemoveProvider(ctx, "conn-1"))

	_, err := policies.Get(ctx, "conn-1")
	assert.ErrorIs(t, err, policy.ErrNotFound)
	_, err = providers.Get(ctx, "conn-1")
	assert.ErrorIs(t, err, provider.ErrNotFound)
	assert.Equal(t, []string{"remove_connection"}, fake.calls)
}

// failingPolicyStore turns every policy delete into an error.
type failingPolicyStore struct {
	policy.Store
	deleteErr error
}

func (f *failingPolicyStore) DeleteByProvider(context.Context, string) error {
	return f.deleteErr
}

func TestRemoveProviderKeepsRecordOnPolicyDeleteFailure(t *testing.T) {
	fake := &fakeAgent{}
	providers := provider.NewMemoryStore()
	policies := &failingPolicyStore{Store: policy.NewMemoryStore(), deleteErr: errors.New("disk full")}
	registries := NewRegistries(0, 0)
	t.Cleanup(registries.Close)
	c := NewCoordinator(fake, providers, policies, registries)
	ctx := context.Background()

	require.NoError(t, providers.Put(ctx, provider.Record{ID: "conn-1", ConnectionID: "conn-1"}))

	err := c.RemoveProvider(ctx, "conn-1")
	require.ErrorContains(t, err, "disk full")

	// A failed policy delete leaves the record in place and the agent
	// connection untouched.
	_, err = providers.Get(ctx, "conn-1")
	assert.NoError(t, err)
	assert.Empty(t, fake.calls)
}

func TestRemoveProviderToleratesAgentFailure(t *testing.T) {
	fake := &fakeAgent{
		removeConnection: func(context.Context, string) error { return agent.ErrUnavailable },
	}
	c, providers, _ := newCoordinator(t, fake)
	ctx := context.Background()

	require.NoError(t, providers.Put(ctx, provider.Record{ID: "conn-1", ConnectionID: "conn-1"}))
	assert.NoError(t, c.RemoveProvider(ctx, "conn-1"))

	_, err := providers.Get(ctx, "conn-1")
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

func TestAddCredentialFlow(t *testing.T) {
	fake := &fakeAgent{
		receiveInvitation: func(context.Context, json.RawMessage) (string, error) {
			return "issuer-conn", nil
		},
	}
	c, _, _ := newCoordinator(t, fake)
	ctx := context.Background()

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := c.AddCredential(ctx, invitationURL(t))
		done <- result{id, err}
	}()

	require.Eventually(t, func() bool {
		return c.registries.Credential.Len() == 1
	}, time.Second, 5*time.Millisecond)

	// Intermediate states are ignored.
	c.OnCredentialEvent(ctx, agent.CredentialEvent{ConnectionID: "issuer-conn", State: "credential_received"})
	assert.Equal(t, 1, c.registries.Credential.Len())

	c.OnCredentialEvent(ctx, agent.CredentialEvent{
		ConnectionID: "issuer-conn",
		State:        agent.CredentialStateDeleted,
		CredentialID: "cred-9",
	})
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "cred-9", res.id)
}

func TestFetchProviderInfo(t *testing.T) {
	sent := make(chan string, 1)
	fake := &fakeAgent{
		sendBasicMessage: func(_ context.Context, _, content string) error {
			sent <- content
			return nil
		},
	}
	c, providers, _ := newCoordinator(t, fake)
	ctx := context.Background()

	require.NoError(t, providers.Put(ctx, provider.Record{ID: "conn-1", ConnectionID: "conn-1"}))

	type result struct {
		info json.RawMessage
		err  error
	}
	done := make(chan result, 1)
	go func() {
		info, err := c.FetchProviderInfo(ctx, "conn-1")
		done <- result{info, err}
	}()

	var content string
	select {
	case content = <-sent:
	case <-time.After(time.Second):
		t.Fatal("no basic message sent")
	}

	env, err := agent.DecodeContent(content)
	require.NoError(t, err)
	assert.IsType(t, agent.InfoRequest{}, env.Message)

	c.OnInfoResponse(env.MessageID, json.RawMessage(`{"menu":["steps"]}`))
	res := <-done
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"menu":["steps"]}`, string(res.info))
}

func TestFetchProviderInfoSendFailureCancelsPending(t *testing.T) {
	fake := &fakeAgent{
		sendBasicMessage: func(context.Context, string, string) error { return agent.ErrUnavailable },
	}
	c, providers, _ := newCoordinator(t, fake)
	ctx := context.Background()

	require.NoError(t, providers.Put(ctx, provider.Record{ID: "conn-1", ConnectionID: "conn-1"}))

	_, err := c.FetchProviderInfo(ctx, "conn-1")
	assert.ErrorIs(t, err, agent.ErrUnavailable)
	assert.Equal(t, 0, c.registries.Info.Len())
}

func TestBannerFrom(t *testing.T) {
	assert.Nil(t, bannerFrom(""))
	assert.JSONEq(t, `{"a":1}`, string(bannerFrom(`{"a":1}`)))
	assert.JSONEq(t, `{"name":"plain text"}`, string(bannerFrom("plain text")))
}

func TestAdvanceTable(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateInvited, StatePresentationRequested, true},
		{StatePresentationRequested, StatePresentationSent, true},
		{StatePresentationSent, StateVerified, true},
		{StatePresentationSent, StateRejected, true},
		{StateInvited, StateVerified, false},
		{StateVerified, StateInvited, false},
		{StateRejected, StatePresentationSent, false},
		{StatePresentationRequested, StateVerified, false},
	}
	for _, tc := range cases {
		err := advance(tc.from, tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			assert.Error(t, err, "%s -> %s", tc.from, tc.to)
		}
	}
}

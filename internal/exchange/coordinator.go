// SPDX-License-Identifier: MIT

// Package exchange drives the credential exchange with service providers:
// accepting invitations, presenting credentials, reacting to the agent's
// webhook events, and tearing relationships down.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/holdernet/holdgate/internal/agent"
	"github.com/holdernet/holdgate/internal/correlate"
	"github.com/holdernet/holdgate/internal/log"
	"github.com/holdernet/holdgate/internal/policy"
	"github.com/holdernet/holdgate/internal/provider"
)

// ErrNoOpenExchange is returned when verification is requested for a
// provider with no pending presentation request.
var ErrNoOpenExchange = errors.New("exchange: no open presentation exchange")

// Detail is what a caller learns about a provider once its presentation
// request has arrived.
type Detail struct {
	ID                   string          `json:"id"`
	ConnectionID         string          `json:"connectionId"`
	State                State           `json:"state"`
	Verified             bool            `json:"verified"`
	Banner               json.RawMessage `json:"banner,omitempty"`
	RelevantCredentialID string          `json:"relevantCredentialId,omitempty"`
}

// Registries bundles the pending-continuation registries the coordinator
// needs. They are constructed by the caller and injected, so tests can
// control TTLs and lifecycles.
type Registries struct {
	Detail     *correlate.Registry[Detail]
	Verify     *correlate.Registry[bool]
	Credential *correlate.Registry[string]
	Info       *correlate.Registry[json.RawMessage]
}

// NewRegistries builds the standard registry set with a shared TTL.
func NewRegistries(ttl, sweepInterval time.Duration) Registries {
	return Registries{
		Detail:     correlate.NewRegistry[Detail]("detail", ttl, sweepInterval),
		Verify:     correlate.NewRegistry[bool]("verify", ttl, sweepInterval),
		Credential: correlate.NewRegistry[string]("credential", ttl, sweepInterval),
		Info:       correlate.NewRegistry[json.RawMessage]("info", ttl, sweepInterval),
	}
}

// Close shuts down all registry janitors.
func (r Registries) Close() {
	r.Detail.Close()
	r.Verify.Close()
	r.Credential.Close()
	r.Info.Close()
}

// Coordinator owns the exchange flows.
type Coordinator struct {
	agent      agent.Caller
	providers  provider.Store
	policies   policy.Store
	registries Registries
	logger     zerolog.Logger
}

func NewCoordinator(caller agent.Caller, providers provider.Store, policies policy.Store, registries Registries) *Coordinator {
	return &Coordinator{
		agent:      caller,
		providers:  providers,
		policies:   policies,
		registries: registries,
		logger:     log.WithComponent("exchange"),
	}
}

// AcceptInvitation hands a provider's invitation URL to the agent and waits
// for the presentation request that follows. The continuation is registered
// only after the agent accepted the invitation, so a failed call leaves
// nothing behind.
func (c *Coordinator) AcceptInvitation(ctx context.Context, invitationURL string) (Detail, error) {
	invitation, err := agent.ParseInvitationURL(invitationURL)
	if err != nil {
		return Detail{}, err
	}

	connID, err := c.agent.ReceiveInvitation(ctx, invitation)
	if err != nil {
		return Detail{}, err
	}

	rec := provider.Record{
		ID:           connID,
		ConnectionID: connID,
		State:        string(StateInvited),
	}
	if err := c.providers.Put(ctx, rec); err != nil {
		return Detail{}, err
	}

	pending, err := c.registries.Detail.Register(connID)
	if err != nil {
		return Detail{}, err
	}

	c.logger.Info().
		Str("event", "exchange.invitation_accepted").
		Str(log.FieldConnectionID, connID).
		Msg("invitation accepted, awaiting presentation request")

	return pending.Await(ctx)
}

// OnPresentationRequested handles the present_proof webhook reaching the
// request_received state. It persists the exchange and resolves the waiter
// from AcceptInvitation with the provider detail.
func (c *Coordinator) OnPresentationRequested(ctx context.Context, presentationExchangeID string) error {
	record, err := c.agent.PresentationRecord(ctx, presentationExchangeID)
	if err != nil {
		return err
	}

	rec, err := c.providers.ByConnection(ctx, record.ConnectionID)
	if err != nil {
		return err
	}
	if err := advance(State(rec.State), StatePresentationRequested); err != nil {
		return err
	}

	banner := bannerFrom(record.RequestName)
	if err := c.providers.SetExchange(ctx, rec.ID, presentationExchangeID, banner); err != nil {
		return err
	}
	if err := c.providers.SetState(ctx, rec.ID, string(StatePresentationRequested)); err != nil {
		return err
	}

	detail := Detail{
		ID:           rec.ID,
		ConnectionID: rec.ConnectionID,
		State:        StatePresentationRequested,
		Banner:       banner,
	}

	// Best effort: a missing credential match must not block the flow.
	if referent, err := c.agent.RelevantCredential(ctx, presentationExchangeID); err == nil {
		detail.RelevantCredentialID = referent
	} else {
		c.logger.Warn().Err(err).
			Str("event", "exchange.relevant_credential_failed").
			Str(log.FieldExchangeID, presentationExchangeID).
			Msg("credential lookup failed, continuing without")
	}

	c.registries.Detail.Resolve(rec.ConnectionID, detail)
	return nil
}

// Verify sends the chosen credential as a presentation and waits for the
// provider's verification verdict.
func (c *Coordinator) Verify(ctx context.Context, providerID, credentialID string) (bool, error) {
	rec, err := c.providers.Get(ctx, providerID)
	if err != nil {
		return false, err
	}
	if rec.PresentationExchangeID == "" {
		return false, ErrNoOpenExchange
	}
	if err := advance(State(rec.State), StatePresentationSent); err != nil {
		return false, err
	}

	if _, err := c.agent.SendPresentation(ctx, rec.PresentationExchangeID, credentialID); err != nil {
		return false, err
	}
	if err := c.providers.SetState(ctx, rec.ID, string(StatePresentationSent)); err != nil {
		return false, err
	}

	pending, err := c.registries.Verify.Register(rec.ConnectionID)
	if err != nil {
		return false, err
	}

	c.logger.Info().
		Str("event", "exchange.presentation_sent").
		Str(log.FieldProviderID, providerID).
		Str(log.FieldExchangeID, rec.PresentationExchangeID).
		Msg("presentation sent, awaiting verdict")

	return pending.Await(ctx)
}

// OnVerifyResult handles the peer's VERIFY_RESPONSE message: it finalises
// the provider's state and resolves the waiter from Verify.
func (c *Coordinator) OnVerifyResult(ctx context.Context, connectionID string, verified bool) error {
	rec, err := c.providers.ByConnection(ctx, connectionID)
	if err != nil {
		return err
	}

	to := StateRejected
	if verified {
		to = StateVerified
	}
	if err := advance(State(rec.State), to); err != nil {
		return err
	}

	if err := c.providers.SetVerification(ctx, rec.ID, verified); err != nil {
		return err
	}
	if err := c.providers.SetState(ctx, rec.ID, string(to)); err != nil {
		return err
	}

	c.logger.Info().
		Str("event", "exchange.verified").
		Str(log.FieldProviderID, rec.ID).
		Str(log.FieldOldState, string(rec.State)).
		Str(log.FieldNewState, string(to)).
		Msg("verification verdict received")

	c.registries.Verify.Resolve(connectionID, verified)
	return nil
}

// RemoveProvider tears a relationship down: access policy first, then the
// local record, then the agent-side connection. Once the policy is gone no
// new distribution can select the provider, so a failure further down
// leaves only harmless leftovers.
func (c *Coordinator) RemoveProvider(ctx context.Context, providerID string) error {
	rec, err := c.providers.Get(ctx, providerID)
	if err != nil {
		return err
	}

	if err := c.policies.DeleteByProvider(ctx, providerID); err != nil {
		return err
	}
	if err := c.providers.Delete(ctx, providerID); err != nil {
		return err
	}

	if err := c.agent.RemoveConnection(ctx, rec.ConnectionID); err != nil {
		// Local state is already gone; the dangling agent connection is
		// cleaned up eventually and cannot receive data any more.
		c.logger.Warn().Err(err).
			Str("event", "exchange.remove_connection_failed").
			Str(log.FieldProviderID, providerID).
			Str(log.FieldConnectionID, rec.ConnectionID).
			Msg("agent connection removal failed after local delete")
		return nil
	}

	c.logger.Info().
		Str("event", "exchange.provider_removed").
		Str(log.FieldProviderID, providerID).
		Msg("provider removed")
	return nil
}

// AddCredential accepts an issuer invitation and waits for the credential
// to land in the wallet. The agent reports that moment as the credential
// exchange record being deleted.
func (c *Coordinator) AddCredential(ctx context.Context, invitationURL string) (string, error) {
	invitation, err := agent.ParseInvitationURL(invitationURL)
	if err != nil {
		return "", err
	}

	connID, err := c.agent.ReceiveInvitation(ctx, invitation)
	if err != nil {
		return "", err
	}

	pending, err := c.registries.Credential.Register(connID)
	if err != nil {
		return "", err
	}

	c.logger.Info().
		Str("event", "exchange.issuer_invitation_accepted").
		Str(log.FieldConnectionID, connID).
		Msg("issuer invitation accepted, awaiting credential")

	return pending.Await(ctx)
}

// OnCredentialEvent handles issue_credential webhooks. Only the terminal
// "deleted" state carries the stored credential ID.
func (c *Coordinator) OnCredentialEvent(_ context.Context, ev agent.CredentialEvent) {
	if ev.State != agent.CredentialStateDeleted {
		c.logger.Debug().
			Str("event", "exchange.credential_progress").
			Str(log.FieldConnectionID, ev.ConnectionID).
			Str("state", ev.State).
			Msg("credential exchange progressing")
		return
	}
	c.registries.Credential.Resolve(ev.ConnectionID, ev.CredentialID)
}

// ListCredentials lists the wallet contents.
func (c *Coordinator) ListCredentials(ctx context.Context) ([]agent.Credential, error) {
	return c.agent.ListCredentials(ctx)
}

// ProviderDetail builds the detail view for a stored provider, augmenting
// an open exchange with a best-effort credential match.
func (c *Coordinator) ProviderDetail(ctx context.Context, providerID string) (Detail, error) {
	rec, err := c.providers.Get(ctx, providerID)
	if err != nil {
		return Detail{}, err
	}

	detail := Detail{
		ID:           rec.ID,
		ConnectionID: rec.ConnectionID,
		State:        State(rec.State),
		Verified:     rec.Verified,
		Banner:       rec.Banner,
	}
	if rec.PresentationExchangeID != "" {
		if referent, err := c.agent.RelevantCredential(ctx, rec.PresentationExchangeID); err == nil {
			detail.RelevantCredentialID = referent
		}
	}
	return detail, nil
}

// ListProviders returns detail views for all stored providers.
func (c *Coordinator) ListProviders(ctx context.Context) ([]Detail, error) {
	recs, err := c.providers.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Detail, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Detail{
			ID:           rec.ID,
			ConnectionID: rec.ConnectionID,
			State:        State(rec.State),
			Verified:     rec.Verified,
			Banner:       rec.Banner,
		})
	}
	return out, nil
}

// FetchProviderInfo asks a provider for its descriptive metadata over the
// basic-message transport and waits for the response, correlated by the
// message ID.
func (c *Coordinator) FetchProviderInfo(ctx context.Context, providerID string) (json.RawMessage, error) {
	rec, err := c.providers.Get(ctx, providerID)
	if err != nil {
		return nil, err
	}

	messageID := agent.NewMessageID(rec.ConnectionID)
	content, err := agent.EncodeContent(messageID, agent.InfoRequest{})
	if err != nil {
		return nil, err
	}

	// The response carries our message ID, so the continuation must exist
	// before the request leaves. A failed send cancels it again.
	pending, err := c.registries.Info.Register(messageID)
	if err != nil {
		return nil, err
	}
	if err := c.agent.SendBasicMessage(ctx, rec.ConnectionID, content); err != nil {
		c.registries.Info.Cancel(messageID)
		return nil, err
	}

	return pending.Await(ctx)
}

// OnInfoResponse resolves a waiting FetchProviderInfo call.
func (c *Coordinator) OnInfoResponse(messageID string, payload json.RawMessage) {
	c.registries.Info.Resolve(messageID, payload)
}

// bannerFrom extracts the provider's self-description from a presentation
// request name. Names that are not JSON are wrapped so callers always get a
// JSON banner.
func bannerFrom(requestName string) json.RawMessage {
	if requestName == "" {
		return nil
	}
	if json.Valid([]byte(requestName)) {
		return json.RawMessage(requestName)
	}
	wrapped, _ := json.Marshal(map[string]string{"name": requestName})
	return wrapped
}

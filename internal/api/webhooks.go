// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"

	"github.com/holdernet/holdgate/internal/agent"
	"github.com/holdernet/holdgate/internal/log"
	"github.com/holdernet/holdgate/internal/metrics"
)

// Webhook handlers always acknowledge with 200: the agent retries nothing,
// and an event whose waiter is gone is logged and dropped rather than
// bounced.

func (s *Server) handleConnectionsWebhook(w http.ResponseWriter, r *http.Request) {
	metrics.IncWebhookEvent("connections")

	var ev agent.ConnectionEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.logger.Warn().Err(err).Str("event", "api.webhook_malformed").Msg("bad connections event")
		w.WriteHeader(http.StatusOK)
		return
	}

	s.logger.Debug().
		Str("event", "api.connection_update").
		Str(log.FieldConnectionID, ev.ConnectionID).
		Str("state", ev.State).
		Msg("connection state changed")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleOutOfBandWebhook(w http.ResponseWriter, r *http.Request) {
	metrics.IncWebhookEvent("out_of_band")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePresentProofWebhook(w http.ResponseWriter, r *http.Request) {
	metrics.IncWebhookEvent("present_proof")

	var ev agent.PresentProofEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.logger.Warn().Err(err).Str("event", "api.webhook_malformed").Msg("bad present_proof event")
		w.WriteHeader(http.StatusOK)
		return
	}

	if ev.State == agent.ProofStateRequestReceived {
		if err := s.coordinator.OnPresentationRequested(r.Context(), ev.PresentationExchangeID); err != nil {
			s.logger.Warn().Err(err).
				Str("event", "api.present_proof_dropped").
				Str(log.FieldExchangeID, ev.PresentationExchangeID).
				Msg("presentation request event dropped")
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleIssueCredentialWebhook(w http.ResponseWriter, r *http.Request) {
	metrics.IncWebhookEvent("issue_credential")

	var ev agent.CredentialEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.logger.Warn().Err(err).Str("event", "api.webhook_malformed").Msg("bad issue_credential event")
		w.WriteHeader(http.StatusOK)
		return
	}

	s.coordinator.OnCredentialEvent(r.Context(), ev)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleBasicMessagesWebhook(w http.ResponseWriter, r *http.Request) {
	metrics.IncWebhookEvent("basicmessages")

	var ev agent.BasicMessageEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.logger.Warn().Err(err).Str("event", "api.webhook_malformed").Msg("bad basicmessages event")
		w.WriteHeader(http.StatusOK)
		return
	}

	env, err := agent.DecodeContent(ev.Content)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("event", "api.basic_message_undecodable").
			Str(log.FieldConnectionID, ev.ConnectionID).
			Msg("basic message dropped")
		w.WriteHeader(http.StatusOK)
		return
	}

	switch msg := env.Message.(type) {
	case agent.VerifyResponse:
		if err := s.coordinator.OnVerifyResult(r.Context(), ev.ConnectionID, msg.Verified); err != nil {
			s.logger.Warn().Err(err).
				Str("event", "api.verify_result_dropped").
				Str(log.FieldConnectionID, ev.ConnectionID).
				Msg("verify response dropped")
		}
	case agent.SharedDataAck:
		s.engine.OnSharedDataAck(env.MessageID, msg.Count)
	case agent.InfoResponse:
		s.coordinator.OnInfoResponse(env.MessageID, msg.Payload)
	default:
		s.logger.Debug().
			Str("event", "api.basic_message_unhandled").
			Str(log.FieldConnectionID, ev.ConnectionID).
			Str(log.FieldMessageID, env.MessageID).
			Msg("no handler for message type")
	}
	w.WriteHeader(http.StatusOK)
}

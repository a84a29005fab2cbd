// SPDX-License-Identifier: MIT

// Package api exposes the gateway's HTTP surface: the management API used
// by the holder's own tooling and the webhook callbacks the identity agent
// delivers events through.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/holdernet/holdgate/internal/datastore"
	"github.com/holdernet/holdgate/internal/distribute"
	"github.com/holdernet/holdgate/internal/exchange"
	"github.com/holdernet/holdgate/internal/log"
	"github.com/holdernet/holdgate/internal/policy"
)

// Config controls the router's cross-cutting middleware.
type Config struct {
	RateLimitEnabled bool
	RateLimitRPM     int
}

// Server bundles the handlers' collaborators.
type Server struct {
	coordinator *exchange.Coordinator
	engine      *distribute.Engine
	policies    policy.Store
	data        *datastore.Store
	logger      zerolog.Logger
}

func NewServer(coordinator *exchange.Coordinator, engine *distribute.Engine, policies policy.Store, data *datastore.Store) *Server {
	return &Server{
		coordinator: coordinator,
		engine:      engine,
		policies:    policies,
		data:        data,
		logger:      log.WithComponent("api"),
	}
}

// Router builds the chi router with the full middleware stack and route
// table.
func (s *Server) Router(cfg Config) *chi.Mux {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(requestLogger)
	if cfg.RateLimitEnabled && cfg.RateLimitRPM > 0 {
		r.Use(rateLimit(cfg.RateLimitRPM))
	}

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/service-providers", func(r chi.Router) {
		r.Get("/", s.handleListProviders)
		r.Post("/", s.handleAcceptInvitation)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleProviderDetail)
			r.Delete("/", s.handleRemoveProvider)
			r.Get("/data-menu", s.handleGetDataMenu)
			r.Put("/data-menu", s.handleSetDataMenu)
		})
	})

	r.Post("/verify", s.handleVerify)

	r.Route("/access/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetPolicy)
		r.Put("/", s.handlePutPolicy)
	})

	r.Get("/credentials", s.handleListCredentials)
	r.Post("/add-credential", s.handleAddCredential)

	r.Post("/push-new-data", s.handlePushNewData)
	r.Post("/get-data", s.handleGetData)
	r.Get("/shared-data", s.handleSharedData)

	r.Route("/webhook/topic", func(r chi.Router) {
		r.Post("/connections", s.handleConnectionsWebhook)
		r.Post("/out_of_band", s.handleOutOfBandWebhook)
		r.Post("/present_proof", s.handlePresentProofWebhook)
		r.Post("/issue_credential", s.handleIssueCredentialWebhook)
		r.Post("/basicmessages", s.handleBasicMessagesWebhook)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

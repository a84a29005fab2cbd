// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Correlation registry metrics
	pendingRegistered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holdgate_pending_registered_total",
		Help: "Pending continuations registered, by registry",
	}, []string{"registry"})

	pendingResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holdgate_pending_resolved_total",
		Help: "Pending continuations resolved, by registry and outcome",
	}, []string{"registry", "outcome"}) // outcome=resolved|failed|orphan|expired|cancelled

	pendingInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "holdgate_pending_in_flight",
		Help: "Currently registered pending continuations, by registry",
	}, []string{"registry"})

	// Distribution metrics
	distributionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holdgate_distributions_total",
		Help: "Distribution runs by outcome",
	}, []string{"outcome"}) // outcome=success|no_data|failure

	providerPushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holdgate_provider_pushes_total",
		Help: "Per-provider push attempts by outcome",
	}, []string{"outcome"}) // outcome=success|failure

	// Dedup/cache ledger metrics
	ledgerChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holdgate_ledger_checks_total",
		Help: "Dedup ledger lookups by result",
	}, []string{"result"}) // result=duplicate|new

	cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holdgate_cache_lookups_total",
		Help: "Pulled-data cache lookups by result",
	}, []string{"result"}) // result=hit|miss

	// Webhook metrics
	webhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holdgate_webhook_events_total",
		Help: "Inbound webhook events by topic",
	}, []string{"topic"})

	// Agent client metrics
	agentCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holdgate_agent_calls_total",
		Help: "Outbound identity-agent calls by operation and outcome",
	}, []string{"operation", "outcome"}) // outcome=success|failure
)

func IncPendingRegistered(registry string) {
	pendingRegistered.WithLabelValues(registry).Inc()
	pendingInFlight.WithLabelValues(registry).Inc()
}

func IncPendingResolved(registry, outcome string) {
	pendingResolved.WithLabelValues(registry, outcome).Inc()
	if outcome != "orphan" {
		pendingInFlight.WithLabelValues(registry).Dec()
	}
}

func IncDistribution(outcome string) { distributionsTotal.WithLabelValues(outcome).Inc() }

func IncProviderPush(outcome string) { providerPushesTotal.WithLabelValues(outcome).Inc() }

func IncLedgerCheck(result string) { ledgerChecksTotal.WithLabelValues(result).Inc() }

func IncCacheLookup(result string) { cacheLookupsTotal.WithLabelValues(result).Inc() }

func IncWebhookEvent(topic string) { webhookEventsTotal.WithLabelValues(topic).Inc() }

func IncAgentCall(op, outcome string) { agentCallsTotal.WithLabelValues(op, outcome).Inc() }

// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/holdernet/holdgate/internal/agent"
	"github.com/holdernet/holdgate/internal/datastore"
	"github.com/holdernet/holdgate/internal/distribute"
	"github.com/holdernet/holdgate/internal/exchange"
	"github.com/holdernet/holdgate/internal/policy"
	"github.com/holdernet/holdgate/internal/provider"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorStatus(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeError maps domain errors onto HTTP statuses: malformed input is the
// caller's fault, missing records are 404, an unreachable agent is 502, and
// everything else is a 500.
func writeError(w http.ResponseWriter, err error) {
	var invalid exchange.ErrInvalidTransition
	switch {
	case errors.Is(err, agent.ErrInvalidInvitation),
		errors.Is(err, distribute.ErrTransform),
		errors.Is(err, exchange.ErrNoOpenExchange),
		errors.Is(err, agent.ErrUnknownMessageType),
		errors.Is(err, datastore.ErrInvalidNamespace):
		writeErrorStatus(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &invalid):
		writeErrorStatus(w, http.StatusConflict, err.Error())
	case errors.Is(err, provider.ErrNotFound), errors.Is(err, policy.ErrNotFound):
		writeErrorStatus(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agent.ErrUnavailable):
		writeErrorStatus(w, http.StatusBadGateway, err.Error())
	default:
		writeErrorStatus(w, http.StatusInternalServerError, err.Error())
	}
}

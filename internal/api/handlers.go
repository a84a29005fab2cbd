// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/holdernet/holdgate/internal/datastore"
	"github.com/holdernet/holdgate/internal/distribute"
	"github.com/holdernet/holdgate/internal/exchange"
	"github.com/holdernet/holdgate/internal/policy"
)

type invitationRequest struct {
	InvitationURL string `json:"invitationUrl"`
}

func (s *Server) handleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	var req invitationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InvitationURL == "" {
		writeErrorStatus(w, http.StatusBadRequest, "invitationUrl is required")
		return
	}

	detail, err := s.coordinator.AcceptInvitation(r.Context(), req.InvitationURL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, detail)
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	details, err := s.coordinator.ListProviders(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if details == nil {
		details = []exchange.Detail{}
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleProviderDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := s.coordinator.ProviderDetail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleRemoveProvider(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.RemoveProvider(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type verifyRequest struct {
	ServiceProviderID string `json:"serviceProviderId"`
	CredentialID      string `json:"credentialId"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ServiceProviderID == "" || req.CredentialID == "" {
		writeErrorStatus(w, http.StatusBadRequest, "serviceProviderId and credentialId are required")
		return
	}

	verified, err := s.coordinator.Verify(r.Context(), req.ServiceProviderID, req.CredentialID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": verified})
}

func (s *Server) handleGetDataMenu(w http.ResponseWriter, r *http.Request) {
	menu, err := s.engine.DataMenu(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if menu == nil {
		menu = []distribute.MenuItem{}
	}
	writeJSON(w, http.StatusOK, menu)
}

func (s *Server) handleSetDataMenu(w http.ResponseWriter, r *http.Request) {
	var menu []distribute.MenuItem
	if err := json.NewDecoder(r.Body).Decode(&menu); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "body must be a menu item array")
		return
	}

	report, err := s.engine.SetDataMenu(r.Context(), chi.URLParam(r, "id"), menu)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type policyRequest struct {
	Version    int64      `json:"version"`
	Operations []string   `json:"operations"`
	Resources  [][]string `json:"resources"`
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "invalid policy body")
		return
	}
	if len(req.Operations) != len(req.Resources) {
		writeErrorStatus(w, http.StatusBadRequest, "operations and resources must pair up")
		return
	}

	ops := make([]policy.Operation, 0, len(req.Operations))
	for _, raw := range req.Operations {
		op, err := policy.ParseOperation(raw)
		if err != nil {
			writeErrorStatus(w, http.StatusBadRequest, err.Error())
			return
		}
		ops = append(ops, op)
	}

	p := policy.Policy{
		ServiceProviderID: chi.URLParam(r, "id"),
		Version:           req.Version,
		Operations:        ops,
		Resources:         req.Resources,
	}
	if err := s.policies.Upsert(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.policies.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.coordinator.ListCredentials(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": creds})
}

func (s *Server) handleAddCredential(w http.ResponseWriter, r *http.Request) {
	var req invitationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InvitationURL == "" {
		writeErrorStatus(w, http.StatusBadRequest, "invitationUrl is required")
		return
	}

	credentialID, err := s.coordinator.AddCredential(r.Context(), req.InvitationURL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"credentialId": credentialID})
}

func (s *Server) handlePushNewData(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "unreadable body")
		return
	}

	report, err := s.engine.Distribute(r.Context(), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	if report.Pushed == nil {
		report.Pushed = []distribute.PushResult{}
	}
	writeJSON(w, http.StatusOK, report)
}

// handleGetData reads back stored data for the namespaces named by the keys
// of the request object, each as the full history of saved payloads.
func (s *Server) handleGetData(w http.ResponseWriter, r *http.Request) {
	var requested map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&requested); err != nil || requested == nil {
		writeErrorStatus(w, http.StatusBadRequest, "request body must be a JSON object keyed by namespace")
		return
	}

	out := make(map[string][]json.RawMessage, len(requested))
	for namespace := range requested {
		data, err := s.data.NamespaceData(r.Context(), namespace)
		if err != nil {
			writeError(w, err)
			return
		}
		if data == nil {
			data = []json.RawMessage{}
		}
		out[namespace] = data
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSharedData(w http.ResponseWriter, r *http.Request) {
	activities, err := s.data.Activities(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if activities == nil {
		activities = []datastore.Activity{}
	}
	writeJSON(w, http.StatusOK, activities)
}

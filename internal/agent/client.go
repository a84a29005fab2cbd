// SPDX-License-Identifier: MIT

// Package agent wraps the identity agent's admin HTTP API and decodes the
// webhook events it delivers. The agent owns connections, presentation
// exchanges, and the basic-message transport; holdgate only drives them.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/holdernet/holdgate/internal/metrics"
)

var (
	// ErrUnavailable wraps transport-level failures reaching the agent.
	ErrUnavailable = errors.New("agent: unavailable")

	// ErrCall wraps non-2xx admin API responses.
	ErrCall = errors.New("agent: call failed")
)

// Caller is the narrow surface the coordinator and distribution engine need.
type Caller interface {
	ReceiveInvitation(ctx context.Context, invitation json.RawMessage) (string, error)
	SendPresentation(ctx context.Context, presentationExchangeID, credentialID string) (string, error)
	SendBasicMessage(ctx context.Context, connectionID, content string) error
	RemoveConnection(ctx context.Context, connectionID string) error
	PresentationRecord(ctx context.Context, presentationExchangeID string) (PresentationRecord, error)
	RelevantCredential(ctx context.Context, presentationExchangeID string) (string, error)
	ListCredentials(ctx context.Context) ([]Credential, error)
}

// Client talks to the agent admin API.
type Client struct {
	base    string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey attaches an admin API key to every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout overrides the default request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithRateLimit caps outbound requests per second. n <= 0 disables limiting.
func WithRateLimit(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(n), n)
		}
	}
}

// New creates a Client for the given admin API base URL.
func New(base string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PresentationRecord is the subset of a presentation-exchange record the
// coordinator consumes. The request name carries the provider's banner JSON.
type PresentationRecord struct {
	PresentationExchangeID string `json:"presentation_exchange_id"`
	ConnectionID           string `json:"connection_id"`
	RequestName            string `json:"request_name"`
}

// Credential is a held credential as listed by the agent.
type Credential struct {
	Referent               string `json:"referent"`
	CredentialDefinitionID string `json:"cred_def_id"`
}

// ReceiveInvitation hands a decoded out-of-band invitation to the agent and
// returns the connection ID of the trust relationship it establishes.
func (c *Client) ReceiveInvitation(ctx context.Context, invitation json.RawMessage) (string, error) {
	var out struct {
		ConnectionID string `json:"connection_id"`
	}
	err := c.do(ctx, http.MethodPost, "/out-of-band/receive-invitation?auto_accept=true", invitation, &out)
	if err != nil {
		metrics.IncAgentCall("receive_invitation", "failure")
		return "", err
	}
	metrics.IncAgentCall("receive_invitation", "success")
	return out.ConnectionID, nil
}

// SendPresentation triggers a credential presentation for the given exchange
// and returns the connection ID the exchange runs over.
func (c *Client) SendPresentation(ctx context.Context, presentationExchangeID, credentialID string) (string, error) {
	body := map[string]any{
		"auto_remove": true,
		"requested_attributes": map[string]any{
			"credential_referent": map[string]any{
				"cred_id":  credentialID,
				"revealed": true,
			},
		},
	}
	var out struct {
		ConnectionID string `json:"connection_id"`
	}
	path := "/present-proof/records/" + url.PathEscape(presentationExchangeID) + "/send-presentation"
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		metrics.IncAgentCall("send_presentation", "failure")
		return "", err
	}
	metrics.IncAgentCall("send_presentation", "success")
	return out.ConnectionID, nil
}

// SendBasicMessage sends free-form string content over a connection.
func (c *Client) SendBasicMessage(ctx context.Context, connectionID, content string) error {
	body := map[string]string{"content": content}
	path := "/connections/" + url.PathEscape(connectionID) + "/send-message"
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		metrics.IncAgentCall("send_basic_message", "failure")
		return err
	}
	metrics.IncAgentCall("send_basic_message", "success")
	return nil
}

// RemoveConnection deletes the agent-side connection record.
func (c *Client) RemoveConnection(ctx context.Context, connectionID string) error {
	path := "/connections/" + url.PathEscape(connectionID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		metrics.IncAgentCall("remove_connection", "failure")
		return err
	}
	metrics.IncAgentCall("remove_connection", "success")
	return nil
}

// PresentationRecord fetches a presentation-exchange record by ID.
func (c *Client) PresentationRecord(ctx context.Context, presentationExchangeID string) (PresentationRecord, error) {
	var out struct {
		PresentationExchangeID string `json:"presentation_exchange_id"`
		ConnectionID           string `json:"connection_id"`
		PresentationRequest    struct {
			Name string `json:"name"`
		} `json:"presentation_request"`
	}
	path := "/present-proof/records/" + url.PathEscape(presentationExchangeID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		metrics.IncAgentCall("presentation_record", "failure")
		return PresentationRecord{}, err
	}
	metrics.IncAgentCall("presentation_record", "success")
	return PresentationRecord{
		PresentationExchangeID: out.PresentationExchangeID,
		ConnectionID:           out.ConnectionID,
		RequestName:            out.PresentationRequest.Name,
	}, nil
}

// RelevantCredential returns the first held credential matching the
// presentation request, or "" when none matches.
func (c *Client) RelevantCredential(ctx context.Context, presentationExchangeID string) (string, error) {
	var out []struct {
		CredentialInfo struct {
			Referent string `json:"referent"`
		} `json:"cred_info"`
	}
	path := "/present-proof/records/" + url.PathEscape(presentationExchangeID) + "/credentials"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		metrics.IncAgentCall("relevant_credential", "failure")
		return "", err
	}
	metrics.IncAgentCall("relevant_credential", "success")
	if len(out) == 0 {
		return "", nil
	}
	return out[0].CredentialInfo.Referent, nil
}

// ListCredentials returns all credentials held by the agent wallet.
func (c *Client) ListCredentials(ctx context.Context) ([]Credential, error) {
	var out struct {
		Results []Credential `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "/credentials", nil, &out); err != nil {
		metrics.IncAgentCall("list_credentials", "failure")
		return nil, err
	}
	metrics.IncAgentCall("list_credentials", "success")
	return out.Results, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("agent: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("agent: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrCall, method, path, res.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s %s: decode response: %w", ErrCall, method, path, err)
	}
	return nil
}

// SPDX-License-Identifier: MIT

package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Webhook envelopes. Field names follow the agent's wire format and must not
// be renamed.

// ConnectionEvent is a connection-record state update.
type ConnectionEvent struct {
	ConnectionID  string `json:"connection_id"`
	State         string `json:"state"`
	InvitationKey string `json:"invitation_key"`
}

// CredentialEvent is a credential-issuance state update. A "deleted" state
// means the credential landed in the wallet and the exchange record was
// cleaned up.
type CredentialEvent struct {
	ConnectionID string `json:"connection_id"`
	State        string `json:"state"`
	CredentialID string `json:"credential_id"`
}

// PresentProofEvent is a presentation-exchange state update.
type PresentProofEvent struct {
	State                  string `json:"state"`
	PresentationExchangeID string `json:"presentation_exchange_id"`
	ConnectionID           string `json:"connection_id"`
}

// BasicMessageEvent wraps an application-level envelope: content is itself a
// JSON string carrying messageId/messageTypeId/payload.
type BasicMessageEvent struct {
	ConnectionID string `json:"connection_id"`
	Content      string `json:"content"`
}

// Credential-event and present-proof states the engine reacts to.
const (
	CredentialStateDeleted    = "deleted"
	ProofStateRequestReceived = "request_received"
)

// Message type identifiers on the basic-message envelope.
const (
	TypeInfoRequest    = "INFO_REQUEST"
	TypeInfoResponse   = "INFO_RESPONSE"
	TypeVerifyResponse = "VERIFY_RESPONSE"
	TypeSharedData     = "SHARED_DATA"
	TypeSharedDataAck  = "SHARED_DATA_ACK"
)

// ErrUnknownMessageType marks a basic-message envelope with an unrecognised
// messageTypeId.
var ErrUnknownMessageType = errors.New("agent: unknown message type")

// Message is the closed set of application messages carried over the
// basic-message transport. Payloads are decoded once, at this boundary.
type Message interface {
	messageType() string
}

// InfoRequest asks the peer for its descriptive metadata (data menu).
type InfoRequest struct{}

// InfoResponse answers an InfoRequest with arbitrary JSON metadata.
type InfoResponse struct {
	Payload json.RawMessage
}

// VerifyResponse reports the outcome of a presentation verification.
type VerifyResponse struct {
	Verified bool
}

// SharedItem is one data item in a SharedData batch.
type SharedItem struct {
	DataSourceID string          `json:"dataSourceId"`
	DataItemID   string          `json:"dataItemId"`
	Data         json.RawMessage `json:"data"`
}

// SharedData pushes a batch of data items to the peer.
type SharedData struct {
	Items []SharedItem
}

// SharedDataAck acknowledges a SharedData batch with the count of accepted
// items. Negative counts signal rejection.
type SharedDataAck struct {
	Count int
}

func (InfoRequest) messageType() string    { return TypeInfoRequest }
func (InfoResponse) messageType() string   { return TypeInfoResponse }
func (VerifyResponse) messageType() string { return TypeVerifyResponse }
func (SharedData) messageType() string     { return TypeSharedData }
func (SharedDataAck) messageType() string  { return TypeSharedDataAck }

// Envelope is a decoded basic-message content.
type Envelope struct {
	MessageID string
	Message   Message
}

type wireEnvelope struct {
	MessageID     string          `json:"messageId"`
	MessageTypeID string          `json:"messageTypeId"`
	Payload       json.RawMessage `json:"payload"`
}

// DecodeContent parses the content string of a basic-message webhook into a
// typed envelope.
func DecodeContent(content string) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal([]byte(content), &wire); err != nil {
		return Envelope{}, fmt.Errorf("agent: decode basic message: %w", err)
	}

	env := Envelope{MessageID: wire.MessageID}
	switch wire.MessageTypeID {
	case TypeInfoRequest:
		env.Message = InfoRequest{}
	case TypeInfoResponse:
		env.Message = InfoResponse{Payload: wire.Payload}
	case TypeVerifyResponse:
		var verified bool
		if err := json.Unmarshal(wire.Payload, &verified); err != nil {
			return Envelope{}, fmt.Errorf("agent: decode %s payload: %w", wire.MessageTypeID, err)
		}
		env.Message = VerifyResponse{Verified: verified}
	case TypeSharedData:
		var items []SharedItem
		if err := json.Unmarshal(wire.Payload, &items); err != nil {
			return Envelope{}, fmt.Errorf("agent: decode %s payload: %w", wire.MessageTypeID, err)
		}
		env.Message = SharedData{Items: items}
	case TypeSharedDataAck:
		var count int
		if err := json.Unmarshal(wire.Payload, &count); err != nil {
			return Envelope{}, fmt.Errorf("agent: decode %s payload: %w", wire.MessageTypeID, err)
		}
		env.Message = SharedDataAck{Count: count}
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, wire.MessageTypeID)
	}
	return env, nil
}

// EncodeContent serialises a typed message into basic-message content.
func EncodeContent(messageID string, msg Message) (string, error) {
	var payload json.RawMessage
	var err error
	switch m := msg.(type) {
	case InfoRequest:
		payload = json.RawMessage("null")
	case InfoResponse:
		payload = m.Payload
	case VerifyResponse:
		payload, err = json.Marshal(m.Verified)
	case SharedData:
		payload, err = json.Marshal(m.Items)
	case SharedDataAck:
		payload, err = json.Marshal(m.Count)
	default:
		return "", fmt.Errorf("%w: %T", ErrUnknownMessageType, msg)
	}
	if err != nil {
		return "", fmt.Errorf("agent: encode %s payload: %w", msg.messageType(), err)
	}

	data, err := json.Marshal(wireEnvelope{
		MessageID:     messageID,
		MessageTypeID: msg.messageType(),
		Payload:       payload,
	})
	if err != nil {
		return "", fmt.Errorf("agent: encode basic message: %w", err)
	}
	return string(data), nil
}

// NewMessageID builds a correlation key for one message thread on a
// connection. The random nonce keeps concurrent threads on the same
// connection from colliding.
func NewMessageID(connectionID string) string {
	nonce := strings.Split(uuid.NewString(), "-")[0]
	return connectionID + "-" + nonce
}

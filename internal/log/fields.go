// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID     = "request_id"
	FieldCorrelationID = "correlation_id"
	FieldConnectionID  = "connection_id"
	FieldProviderID    = "service_provider_id"
	FieldMessageID     = "message_id"
	FieldExchangeID    = "presentation_exchange_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Data fields
	FieldNamespace  = "namespace"
	FieldDataSource = "data_source_id"
	FieldDataItem   = "data_item_id"
)

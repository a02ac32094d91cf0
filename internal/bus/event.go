package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the simulator. Subscribers typically use a
// namespace prefix ("message.", "transport.") rather than an exact kind.
const (
	KindMessageAccepted      = "message.accepted"
	KindMessageStatusChanged = "message.status_changed"
	KindMessageFailed        = "message.failed"

	KindConversationUpdated = "conversation.updated"
	KindOptStateChanged     = "conversation.opt_changed"

	KindTransportChanged = "transport.status_changed"

	KindWebhookDelivered = "webhook.delivered"
	KindWebhookFailed    = "webhook.failed"
	KindWebhookSkipped   = "webhook.skipped"
)

package store

import (
	"strings"

	"github.com/google/uuid"
)

// OptInState is a conversation's consent state. The only legal transitions
// are pending -> opted_in (first inbound) and opted_in <-> opted_out
// (STOP/START commands); pending -> opted_out is unreachable.
type OptInState string

const (
	OptPending OptInState = "pending"
	OptedIn    OptInState = "opted_in"
	OptedOut   OptInState = "opted_out"
)

// Message delivery statuses, matching the provider lifecycle.
const (
	StatusQueued    = "queued"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Webhook event types.
const (
	EventInboundMessage = "inbound_message"
	EventStatusCallback = "status_callback"
	EventAPIResponse    = "api_response"
)

// Conversation identifies a customer/business pair. Created on first
// inbound message, archived on reset, never deleted.
type Conversation struct {
	WaID           string // customer number, e.g. "whatsapp:+5511999990000"
	BusinessNumber string
	LastInboundAt  int64 // unix ms; 0 = no inbound yet, no session window open
	OptInState     OptInState
	Blocked        bool
	Archived       bool

	// Per-conversation webhook overrides; empty = use the configured defaults.
	InboundURL        string
	StatusCallbackURL string
	FallbackURL       string

	CreatedAt int64
	UpdatedAt int64
}

// Message is a single inbound or outbound message. Outbound status is
// mutated only by the delivery status machine; inbound messages are
// finalized as delivered on insert.
type Message struct {
	ID         int64
	SID        string
	WaID       string
	Direction  string
	Body       string
	IsTemplate bool
	Status     string
	ErrorCode  int // provider error code; 0 = none
	// Submitted is false while the message is parked in the offline outbox;
	// the status machine only advances submitted messages.
	Submitted bool
	CreatedAt int64
	UpdatedAt int64
}

// WebhookEvent is a write-once record of one webhook delivery attempt.
type WebhookEvent struct {
	ID         int64
	Type       string
	MessageSID string
	URL        string
	Payload    string
	StatusCode int // 0 = delivery failed before an HTTP response
	CreatedAt  int64
}

// OutboxEntry is a message pending transmission while the transport is
// offline, flushed FIFO on reconnect.
type OutboxEntry struct {
	ID         int64
	MessageSID string
	CreatedAt  int64
}

// NewSID returns a provider-shaped message SID ("SM" + 32 hex chars).
func NewSID() string {
	return "SM" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

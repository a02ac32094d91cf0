package webhook

import "github.com/pcoelho/wasim/internal/store"

// Enqueuer hands events to the delivery worker. Satisfied by *Emitter;
// tests substitute a recorder.
type Enqueuer interface {
	Enqueue(Event)
}

// Destinations holds the default callback URLs from configuration.
// Per-conversation overrides in the store take precedence.
type Destinations struct {
	InboundURL        string
	StatusCallbackURL string
	FallbackURL       string
}

// Notifier builds provider-shaped events and hands them to the emitter,
// resolving the destination URL per conversation.
type Notifier struct {
	builder  *PayloadBuilder
	emitter  Enqueuer
	defaults Destinations
}

// NewNotifier creates a notifier.
func NewNotifier(builder *PayloadBuilder, emitter Enqueuer, defaults Destinations) *Notifier {
	return &Notifier{builder: builder, emitter: emitter, defaults: defaults}
}

// InboundMessage emits one inbound_message event for a customer message.
func (n *Notifier) InboundMessage(m store.Message, c store.Conversation) {
	n.emitter.Enqueue(Event{
		Type:        store.EventInboundMessage,
		MessageSID:  m.SID,
		URL:         pick(c.InboundURL, n.defaults.InboundURL),
		FallbackURL: pick(c.FallbackURL, n.defaults.FallbackURL),
		ContentType: ContentTypeForm,
		Body:        n.builder.InboundMessage(m, c),
	})
}

// StatusCallback emits one status_callback event for a delivery status
// transition.
func (n *Notifier) StatusCallback(m store.Message, c store.Conversation) {
	n.emitter.Enqueue(Event{
		Type:        store.EventStatusCallback,
		MessageSID:  m.SID,
		URL:         pick(c.StatusCallbackURL, n.defaults.StatusCallbackURL),
		FallbackURL: pick(c.FallbackURL, n.defaults.FallbackURL),
		ContentType: ContentTypeForm,
		Body:        n.builder.StatusCallback(m, c),
	})
}

// APIResponse emits one api_response event for an accepted outbound send.
func (n *Notifier) APIResponse(m store.Message, c store.Conversation) {
	n.emitter.Enqueue(Event{
		Type:        store.EventAPIResponse,
		MessageSID:  m.SID,
		URL:         pick(c.StatusCallbackURL, n.defaults.StatusCallbackURL),
		FallbackURL: pick(c.FallbackURL, n.defaults.FallbackURL),
		ContentType: ContentTypeJSON,
		Body:        n.builder.APIResponse(m, c),
	})
}

// Builder exposes the payload builder for API handlers that return the
// api_response body synchronously.
func (n *Notifier) Builder() *PayloadBuilder {
	return n.builder
}

func pick(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}

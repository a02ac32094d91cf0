// Package gateway orchestrates the simulator's two entry points: inbound
// customer messages and outbound business sends. It applies compliance and
// session policy, persists the resulting state, and produces the webhook
// events the provider contract promises.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/pcoelho/wasim/internal/bus"
	"github.com/pcoelho/wasim/internal/metrics"
	"github.com/pcoelho/wasim/internal/policy"
	"github.com/pcoelho/wasim/internal/store"
	"github.com/pcoelho/wasim/internal/transport"
	"github.com/pcoelho/wasim/internal/webhook"
	"go.uber.org/zap"
)

// ErrCodeForcedFailure is the provider error code stamped on messages
// created with the error-injection flag.
const ErrCodeForcedFailure = 30008

// ErrConversationNotFound is returned for operations on unknown customers.
var ErrConversationNotFound = errors.New("conversation not found")

// SendOptions control an outbound send.
type SendOptions struct {
	// Template marks a pre-approved template message, which bypasses the
	// session window policy.
	Template bool
	// ForceFail injects a terminal failure at creation time.
	ForceFail bool
}

// SendResult is the outcome of an outbound send. A policy denial is a
// normal negative result: Denied is set and Message is nil.
type SendResult struct {
	Message *store.Message
	Denied  bool
	Reason  policy.DenyReason
	// Parked is true when the transport was offline and the message went to
	// the outbox instead of the delivery pipeline.
	Parked bool
}

// Service wires policy, store, transport, and webhooks together.
type Service struct {
	db             *store.DB
	policy         *policy.Engine
	transport      *transport.Machine
	notifier       *webhook.Notifier
	bus            *bus.Bus
	metrics        *metrics.Metrics
	logger         *zap.Logger
	businessNumber string
}

// New creates the gateway service.
func New(db *store.DB, pe *policy.Engine, tm *transport.Machine, n *webhook.Notifier, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, businessNumber string) *Service {
	return &Service{
		db:             db,
		policy:         pe,
		transport:      tm,
		notifier:       n,
		bus:            b,
		metrics:        m,
		logger:         logger,
		businessNumber: businessNumber,
	}
}

// ReceiveInbound processes a customer message: the conversation is created
// on first contact, compliance keywords are handled before anything else,
// the session window reopens, and one inbound_message webhook goes out.
// Inbound messages are finalized as delivered immediately.
func (s *Service) ReceiveInbound(_ context.Context, from, body string, now time.Time) (*store.Message, error) {
	conv, err := s.db.GetConversation(from)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		conv = &store.Conversation{
			WaID:           from,
			BusinessNumber: s.businessNumber,
			OptInState:     store.OptPending,
		}
	}

	// Compliance first: classify before any further handling so a STOP is
	// honored even if downstream processing changes later.
	cmd := policy.Classify(body)

	updated := policy.RecordInbound(*conv, now)
	updated, optChanged := s.policy.Apply(updated, cmd)
	// An inbound message reopens an archived conversation as a fresh
	// session; its pre-reset messages were retired at reset time and stay
	// frozen.
	updated.Archived = false
	if err := s.db.UpsertConversation(&updated); err != nil {
		return nil, err
	}

	msg := &store.Message{
		WaID:      updated.WaID,
		Direction: store.DirectionInbound,
		Body:      body,
		Status:    store.StatusDelivered,
		Submitted: true,
		CreatedAt: now.UnixMilli(),
	}
	if err := s.db.InsertMessage(msg); err != nil {
		return nil, err
	}

	s.notifier.InboundMessage(*msg, updated)
	if s.metrics != nil {
		s.metrics.InboundMessages.Inc()
	}

	s.bus.Publish(bus.Event{
		Kind:      bus.KindConversationUpdated,
		Timestamp: now,
		Payload:   map[string]string{"wa_id": updated.WaID},
	})
	if optChanged {
		s.logger.Info("opt state changed",
			zap.String("wa_id", updated.WaID),
			zap.String("state", string(updated.OptInState)))
		s.bus.Publish(bus.Event{
			Kind:      bus.KindOptStateChanged,
			Timestamp: now,
			Payload:   map[string]string{"wa_id": updated.WaID, "state": string(updated.OptInState)},
		})
	}

	return msg, nil
}

// SendOutbound processes a business send. Free-form messages pass through
// the session policy; template messages bypass it. Accepted messages enter
// the delivery pipeline (or the offline outbox) and produce an api_response
// webhook on acceptance.
func (s *Service) SendOutbound(_ context.Context, to, body string, opts SendOptions, now time.Time) (*SendResult, error) {
	conv, err := s.db.GetConversation(to)
	if err != nil {
		return nil, err
	}
	created := false
	if conv == nil {
		// Business-initiated contact: only templates can open it.
		conv = &store.Conversation{
			WaID:           to,
			BusinessNumber: s.businessNumber,
			OptInState:     store.OptPending,
		}
		created = true
	}

	if !opts.Template {
		ok, reason := s.policy.CanSendFreeForm(*conv, now)
		if !ok {
			if s.metrics != nil {
				s.metrics.PolicyDenials.WithLabelValues(string(reason)).Inc()
			}
			s.logger.Info("free-form send denied",
				zap.String("wa_id", to), zap.String("reason", string(reason)))
			return &SendResult{Denied: true, Reason: reason}, nil
		}
	}

	if created {
		if err := s.db.UpsertConversation(conv); err != nil {
			return nil, err
		}
	}

	msg := &store.Message{
		WaID:       conv.WaID,
		Direction:  store.DirectionOutbound,
		Body:       body,
		IsTemplate: opts.Template,
		CreatedAt:  now.UnixMilli(),
	}

	switch {
	case opts.ForceFail:
		return s.acceptFailed(msg, *conv, now)
	case !s.transport.Online():
		return s.park(msg, now)
	default:
		return s.accept(msg, *conv, now)
	}
}

// acceptFailed finalizes an injected failure: terminal at creation, one
// api_response carrying the error code, exactly one failed status_callback.
func (s *Service) acceptFailed(msg *store.Message, conv store.Conversation, now time.Time) (*SendResult, error) {
	msg.Status = store.StatusFailed
	msg.ErrorCode = ErrCodeForcedFailure
	msg.Submitted = true
	if err := s.db.InsertMessage(msg); err != nil {
		return nil, err
	}

	s.notifier.APIResponse(*msg, conv)
	s.notifier.StatusCallback(*msg, conv)
	if s.metrics != nil {
		s.metrics.OutboundMessages.WithLabelValues("failed").Inc()
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageFailed,
		Timestamp: now,
		Payload:   map[string]string{"sid": msg.SID, "error_code": "30008"},
	})
	return &SendResult{Message: msg}, nil
}

// park stores the message unsubmitted and queues it for replay; the
// api_response is deferred until the flusher hands it off, so acceptance
// order matches enqueue order.
func (s *Service) park(msg *store.Message, now time.Time) (*SendResult, error) {
	msg.Status = store.StatusQueued
	msg.Submitted = false
	if err := s.db.InsertMessage(msg); err != nil {
		return nil, err
	}
	if err := s.db.EnqueueOutbox(msg.SID); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.OutboundMessages.WithLabelValues("parked").Inc()
		if depth, err := s.db.OutboxDepth(); err == nil {
			s.metrics.OutboxDepth.Set(float64(depth))
		}
	}
	s.logger.Info("transport offline, message parked", zap.String("sid", msg.SID))
	return &SendResult{Message: msg, Parked: true}, nil
}

// accept hands the message to the delivery pipeline. The row is inserted
// unsubmitted and flipped only after the api_response is enqueued, so the
// acceptance webhook always precedes the first status_callback even when a
// tick lands in between.
func (s *Service) accept(msg *store.Message, conv store.Conversation, now time.Time) (*SendResult, error) {
	msg.Status = store.StatusQueued
	msg.Submitted = false
	if err := s.db.InsertMessage(msg); err != nil {
		return nil, err
	}

	s.notifier.APIResponse(*msg, conv)
	if err := s.db.MarkSubmitted(msg.SID); err != nil {
		return nil, err
	}
	msg.Submitted = true
	if s.metrics != nil {
		s.metrics.OutboundMessages.WithLabelValues("accepted").Inc()
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageAccepted,
		Timestamp: now,
		Payload:   map[string]string{"sid": msg.SID, "wa_id": msg.WaID},
	})
	return &SendResult{Message: msg}, nil
}

// ResetConversation archives a conversation and permanently retires its
// in-flight and parked messages, so a fresh session opened by a later
// inbound never sees stale status updates or replayed sends.
func (s *Service) ResetConversation(_ context.Context, waID string) error {
	conv, err := s.db.GetConversation(waID)
	if err != nil {
		return err
	}
	if conv == nil {
		return ErrConversationNotFound
	}
	if err := s.db.ArchiveConversation(waID); err != nil {
		return err
	}
	retired, err := s.db.RetireInFlight(waID)
	if err != nil {
		return err
	}
	purged, err := s.db.PurgeOutbox(waID)
	if err != nil {
		return err
	}
	if retired > 0 || purged > 0 {
		s.logger.Info("conversation reset",
			zap.String("wa_id", waID),
			zap.Int64("retired", retired),
			zap.Int64("purged", purged))
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.KindConversationUpdated,
		Timestamp: time.Now(),
		Payload:   map[string]string{"wa_id": waID, "archived": "true"},
	})
	return nil
}

// ConversationConfig carries partial updates to a conversation's routing
// and blocking. Nil fields are left unchanged.
type ConversationConfig struct {
	InboundURL        *string
	StatusCallbackURL *string
	FallbackURL       *string
	Blocked           *bool
}

// Configure updates per-conversation webhook routing and the blocked flag,
// returning the new conversation value.
func (s *Service) Configure(_ context.Context, waID string, cfg ConversationConfig) (*store.Conversation, error) {
	conv, err := s.db.GetConversation(waID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}

	updated := *conv
	if cfg.InboundURL != nil {
		updated.InboundURL = *cfg.InboundURL
	}
	if cfg.StatusCallbackURL != nil {
		updated.StatusCallbackURL = *cfg.StatusCallbackURL
	}
	if cfg.FallbackURL != nil {
		updated.FallbackURL = *cfg.FallbackURL
	}
	if cfg.Blocked != nil {
		updated.Blocked = *cfg.Blocked
	}
	if err := s.db.UpsertConversation(&updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

package webhook

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pcoelho/wasim/internal/bus"
	"github.com/pcoelho/wasim/internal/metrics"
	"github.com/pcoelho/wasim/internal/store"
	"go.uber.org/zap"
)

// DeliveryResult describes the outcome of one webhook delivery.
type DeliveryResult struct {
	URL        string
	StatusCode int // 0 when no HTTP response was obtained
	Err        error
}

// Emitter posts callback events to the business backend. A single worker
// goroutine drains a buffered channel so events go out in the order they
// were produced; callers never block on the HTTP round trip. Failures are
// logged and recorded, not retried: this models a best-effort notification
// channel, and a dead webhook endpoint must never stall message delivery.
type Emitter struct {
	db      *store.DB
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	client  *http.Client

	ch     chan Event
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEmitter creates an emitter. The metrics handle may be nil in tests.
func NewEmitter(db *store.DB, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Emitter {
	return &Emitter{
		db:      db,
		bus:     b,
		metrics: m,
		logger:  logger,
		client:  &http.Client{Timeout: 10 * time.Second},
		ch:      make(chan Event, 256),
	}
}

// Start launches the delivery worker.
func (e *Emitter) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go e.loop(ctx)
}

// Stop cancels the worker and waits for it to finish the in-flight event.
func (e *Emitter) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// Enqueue hands an event to the delivery worker without blocking. When the
// buffer is full the event is dropped and logged; droppage means the
// consumer is far behind, and this channel is best-effort.
func (e *Emitter) Enqueue(ev Event) {
	select {
	case e.ch <- ev:
	default:
		e.logger.Warn("webhook buffer full, dropping event",
			zap.String("type", ev.Type), zap.String("message_sid", ev.MessageSID))
	}
}

func (e *Emitter) loop(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case ev := <-e.ch:
			e.process(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

// process delivers one event and records the write-once WebhookEvent row.
func (e *Emitter) process(ctx context.Context, ev Event) {
	result := e.Deliver(ctx, ev)

	record := &store.WebhookEvent{
		Type:       ev.Type,
		MessageSID: ev.MessageSID,
		URL:        result.URL,
		Payload:    ev.Body,
		StatusCode: result.StatusCode,
	}
	if err := e.db.InsertWebhookEvent(record); err != nil {
		e.logger.Error("failed to record webhook event", zap.Error(err), zap.String("type", ev.Type))
	}

	outcome := "delivered"
	kind := bus.KindWebhookDelivered
	switch {
	case result.Err != nil:
		outcome = "failed"
		kind = bus.KindWebhookFailed
		e.logger.Warn("webhook delivery failed",
			zap.Error(result.Err), zap.String("type", ev.Type), zap.String("url", result.URL))
	case result.URL == "":
		// No destination configured: recorded in the log but never posted,
		// and subscribers must not see it as a delivery.
		outcome = "skipped"
		kind = bus.KindWebhookSkipped
	}
	if e.metrics != nil {
		e.metrics.WebhookDeliveries.WithLabelValues(ev.Type, outcome).Inc()
	}
	e.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"type":        ev.Type,
			"message_sid": ev.MessageSID,
			"outcome":     outcome,
		},
	})
}

// Deliver POSTs the event to its URL, falling back to the fallback URL once
// when the primary fails. No URL configured means the event is only
// recorded, never posted.
func (e *Emitter) Deliver(ctx context.Context, ev Event) DeliveryResult {
	if ev.URL == "" {
		return DeliveryResult{}
	}

	code, err := e.post(ctx, ev.URL, ev.ContentType, ev.Body)
	if err == nil && code < 400 {
		return DeliveryResult{URL: ev.URL, StatusCode: code}
	}

	if ev.FallbackURL != "" {
		fbCode, fbErr := e.post(ctx, ev.FallbackURL, ev.ContentType, ev.Body)
		if fbErr == nil && fbCode < 400 {
			return DeliveryResult{URL: ev.FallbackURL, StatusCode: fbCode}
		}
	}

	if err == nil {
		err = &statusError{code: code}
	}
	return DeliveryResult{URL: ev.URL, StatusCode: code, Err: err}
}

func (e *Emitter) post(ctx context.Context, url, contentType, body string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return http.StatusText(e.code) + " from webhook endpoint"
}

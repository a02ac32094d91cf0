// Package lifecycle implements the delivery status machine: every tick,
// each submitted outbound message advances exactly one step along
// queued -> sent -> delivered -> read, and each transition produces exactly
// one status_callback webhook.
package lifecycle

import (
	"context"
	"time"

	"github.com/pcoelho/wasim/internal/bus"
	"github.com/pcoelho/wasim/internal/metrics"
	"github.com/pcoelho/wasim/internal/store"
	"github.com/pcoelho/wasim/internal/webhook"
	"go.uber.org/zap"
)

// next returns the following status on the delivery ladder. Terminal states
// have no successor.
func next(status string) (string, bool) {
	switch status {
	case store.StatusQueued:
		return store.StatusSent, true
	case store.StatusSent:
		return store.StatusDelivered, true
	case store.StatusDelivered:
		return store.StatusRead, true
	}
	return "", false
}

// Engine drives the status machine from a single ticker. Tick is exported
// so tests advance the machine deterministically without wall-clock timers.
type Engine struct {
	db       *store.DB
	notifier *webhook.Notifier
	bus      *bus.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a status machine engine with the given tick interval.
func New(db *store.DB, notifier *webhook.Notifier, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, interval time.Duration) *Engine {
	return &Engine{
		db:       db,
		notifier: notifier,
		bus:      b,
		metrics:  m,
		logger:   logger,
		interval: interval,
	}
}

// Start begins ticking on the configured interval.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go e.loop(ctx)
}

// Stop stops the ticker loop and waits for the in-flight tick.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Tick(ctx, time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// Tick advances every eligible message by exactly one step. Messages parked
// in the offline outbox, terminal messages, and messages in archived
// conversations are left alone. Transitions for distinct messages carry no
// ordering guarantee; transitions for one message are strictly ordered by
// the guarded store update.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	msgs, err := e.db.Advanceable()
	if err != nil {
		e.logger.Error("failed to load advanceable messages", zap.Error(err))
		return
	}

	convs := make(map[string]*store.Conversation)
	for _, m := range msgs {
		if ctx.Err() != nil {
			return
		}
		to, ok := next(m.Status)
		if !ok {
			continue
		}
		advanced, err := e.db.AdvanceStatus(m.SID, m.Status, to)
		if err != nil {
			e.logger.Error("failed to advance status", zap.Error(err), zap.String("sid", m.SID))
			continue
		}
		if !advanced {
			// Lost a race with a concurrent writer; the next tick resumes
			// from whatever status the row holds now.
			continue
		}

		from := m.Status
		m.Status = to

		conv := convs[m.WaID]
		if conv == nil {
			conv, err = e.db.GetConversation(m.WaID)
			if err != nil || conv == nil {
				e.logger.Error("conversation missing for message", zap.Error(err), zap.String("wa_id", m.WaID))
				continue
			}
			convs[m.WaID] = conv
		}

		e.notifier.StatusCallback(m, *conv)
		if e.metrics != nil {
			e.metrics.StatusTransitions.WithLabelValues(to).Inc()
		}
		e.bus.Publish(bus.Event{
			Kind:      bus.KindMessageStatusChanged,
			Timestamp: now,
			Payload: StatusChange{
				SID:  m.SID,
				From: from,
				To:   to,
			},
		})
	}
}

// StatusChange is the payload for message status change events.
type StatusChange struct {
	SID  string
	From string
	To   string
}

// Package outbox replays sends that were accepted while the simulated
// transport was offline. Draining is strictly FIFO so the provider-side
// ordering guarantee holds, and it pauses when the link drops mid-flush.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/pcoelho/wasim/internal/bus"
	"github.com/pcoelho/wasim/internal/metrics"
	"github.com/pcoelho/wasim/internal/store"
	"github.com/pcoelho/wasim/internal/transport"
	"github.com/pcoelho/wasim/internal/webhook"
	"go.uber.org/zap"
)

// Flusher drains the offline outbox whenever the transport comes online.
// It subscribes to transport events on the bus rather than being called
// directly, so nothing else needs to know it exists.
type Flusher struct {
	db        *store.DB
	transport *transport.Machine
	notifier  *webhook.Notifier
	bus       *bus.Bus
	metrics   *metrics.Metrics
	logger    *zap.Logger
	cancel    context.CancelFunc
	done      chan struct{}

	// flushMu serializes drains; an online flip during an active drain must
	// not start a second one.
	flushMu sync.Mutex
}

// NewFlusher creates a flusher.
func NewFlusher(db *store.DB, tm *transport.Machine, notifier *webhook.Notifier, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Flusher {
	return &Flusher{
		db:        db,
		transport: tm,
		notifier:  notifier,
		bus:       b,
		metrics:   m,
		logger:    logger,
	}
}

// Start subscribes to transport transitions. If the transport is already
// online, leftovers from a previous run are drained immediately.
func (f *Flusher) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	ch, unsub := f.bus.Subscribe("transport.", 16)

	go func() {
		defer close(f.done)
		defer unsub()

		if f.transport.Online() {
			f.Flush(ctx)
		}

		for {
			select {
			case evt := <-ch:
				change, ok := evt.Payload.(transport.StatusChange)
				if !ok {
					continue
				}
				if change.To == transport.Online {
					f.Flush(ctx)
				}
				f.updateGauges()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the flusher.
func (f *Flusher) Stop() {
	if f.cancel != nil {
		f.cancel()
		<-f.done
	}
}

// Flush drains pending entries strictly in enqueue order, handing each
// message to the delivery status machine before touching the next. The
// drain pauses as soon as the transport drops; the remaining entries keep
// their order and are picked up on the next online transition.
func (f *Flusher) Flush(ctx context.Context) {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	entries, err := f.db.PendingOutbox()
	if err != nil {
		f.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if !f.transport.Online() {
			f.logger.Info("transport dropped mid-flush, pausing",
				zap.Int64("next_entry", entry.ID))
			break
		}

		msg, err := f.db.GetMessage(entry.MessageSID)
		if err != nil {
			f.logger.Error("failed to load outbox message", zap.Error(err), zap.String("sid", entry.MessageSID))
			break
		}
		if msg == nil {
			// Orphaned entry; drop it and keep draining.
			_ = f.db.DeleteOutbox(entry.ID)
			continue
		}

		conv, err := f.db.GetConversation(msg.WaID)
		if err != nil || conv == nil {
			f.logger.Error("conversation missing for outbox message", zap.Error(err), zap.String("wa_id", msg.WaID))
			_ = f.db.DeleteOutbox(entry.ID)
			continue
		}

		// api_response goes into the emitter queue before the row becomes
		// advanceable, so it always precedes the first status_callback.
		f.notifier.APIResponse(*msg, *conv)
		if err := f.db.MarkSubmitted(msg.SID); err != nil {
			f.logger.Error("failed to submit message", zap.Error(err), zap.String("sid", msg.SID))
			break
		}
		// Removed only after successful hand-off: no loss on crash, and the
		// unique message_sid column prevents duplication on replay.
		if err := f.db.DeleteOutbox(entry.ID); err != nil {
			f.logger.Error("failed to delete outbox entry", zap.Error(err), zap.Int64("id", entry.ID))
			break
		}
		msg.Submitted = true
		f.bus.Publish(bus.Event{
			Kind:      bus.KindMessageAccepted,
			Timestamp: time.Now(),
			Payload:   map[string]string{"sid": msg.SID, "wa_id": msg.WaID},
		})
		f.logger.Info("outbox message submitted", zap.String("sid", msg.SID))
	}

	f.updateGauges()
}

func (f *Flusher) updateGauges() {
	if f.metrics == nil {
		return
	}
	if depth, err := f.db.OutboxDepth(); err == nil {
		f.metrics.OutboxDepth.Set(float64(depth))
	}
	if f.transport.Online() {
		f.metrics.TransportOnline.Set(1)
	} else {
		f.metrics.TransportOnline.Set(0)
	}
}

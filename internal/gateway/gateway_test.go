package gateway

import (
	"context"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pcoelho/wasim/internal/bus"
	"github.com/pcoelho/wasim/internal/lifecycle"
	"github.com/pcoelho/wasim/internal/policy"
	"github.com/pcoelho/wasim/internal/store"
	"github.com/pcoelho/wasim/internal/transport"
	"github.com/pcoelho/wasim/internal/webhook"
	"go.uber.org/zap"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// recordingEmitter captures enqueued webhook events; an optional hook runs
// after each capture so tests can inspect state at enqueue time.
type recordingEmitter struct {
	mu     sync.Mutex
	events []webhook.Event
	hook   func(ev webhook.Event)
}

func (r *recordingEmitter) Enqueue(ev webhook.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if r.hook != nil {
		r.hook(ev)
	}
}

func (r *recordingEmitter) byType(t string) []webhook.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []webhook.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testService(t *testing.T, initial transport.State) (*Service, *store.DB, *transport.Machine, *recordingEmitter) {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	tm := transport.NewMachine(initial, b)
	rec := &recordingEmitter{}
	notifier := webhook.NewNotifier(webhook.NewPayloadBuilder("AC123", "2010-04-01"), rec, webhook.Destinations{
		InboundURL:        "http://backend/inbound",
		StatusCallbackURL: "http://backend/status",
	})
	pe := policy.NewEngine(24*time.Hour, true)
	logger, _ := zap.NewDevelopment()
	svc := New(db, pe, tm, notifier, b, nil, logger, "whatsapp:+14155238886")
	return svc, db, tm, rec
}

const customer = "whatsapp:+5511999990000"

func TestFirstInboundCreatesConversation(t *testing.T) {
	svc, db, _, rec := testService(t, transport.Online)

	msg, err := svc.ReceiveInbound(context.Background(), customer, "hi there", now)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != store.StatusDelivered {
		t.Errorf("inbound status = %s, want delivered (finalized immediately)", msg.Status)
	}

	conv, err := db.GetConversation(customer)
	if err != nil {
		t.Fatal(err)
	}
	if conv == nil {
		t.Fatal("conversation not created on first inbound")
	}
	if conv.OptInState != store.OptedIn {
		t.Errorf("opt state = %s, want opted_in after first inbound", conv.OptInState)
	}
	if conv.LastInboundAt != now.UnixMilli() {
		t.Errorf("last_inbound_at = %d, want %d", conv.LastInboundAt, now.UnixMilli())
	}
	if conv.BusinessNumber != "whatsapp:+14155238886" {
		t.Errorf("business number = %q", conv.BusinessNumber)
	}

	inbound := rec.byType(store.EventInboundMessage)
	if len(inbound) != 1 {
		t.Fatalf("got %d inbound_message events, want 1", len(inbound))
	}
	v, _ := url.ParseQuery(inbound[0].Body)
	if v.Get("Body") != "hi there" {
		t.Errorf("webhook Body = %q", v.Get("Body"))
	}
	if inbound[0].URL != "http://backend/inbound" {
		t.Errorf("webhook url = %q", inbound[0].URL)
	}
}

func TestStopKeywordOptsOut(t *testing.T) {
	svc, db, _, rec := testService(t, transport.Online)

	if _, err := svc.ReceiveInbound(context.Background(), customer, "hello", now); err != nil {
		t.Fatal(err)
	}
	// Mixed case and whitespace still classify.
	if _, err := svc.ReceiveInbound(context.Background(), customer, "  Stop  ", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	conv, _ := db.GetConversation(customer)
	if conv.OptInState != store.OptedOut {
		t.Errorf("opt state = %s, want opted_out", conv.OptInState)
	}

	// The STOP message is itself an inbound message: webhook still emitted.
	if n := len(rec.byType(store.EventInboundMessage)); n != 2 {
		t.Errorf("got %d inbound_message events, want 2", n)
	}

	// Free-form now denied until START.
	res, err := svc.SendOutbound(context.Background(), customer, "promo", SendOptions{}, now.Add(2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Denied || res.Reason != policy.ReasonOptedOut {
		t.Errorf("result = %+v, want denial with reason opted_out", res)
	}

	// START restores messaging.
	if _, err := svc.ReceiveInbound(context.Background(), customer, "START", now.Add(3*time.Minute)); err != nil {
		t.Fatal(err)
	}
	res, err = svc.SendOutbound(context.Background(), customer, "welcome back", SendOptions{}, now.Add(4*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if res.Denied {
		t.Errorf("send denied after START: %+v", res)
	}
}

func TestExpiredWindowDeniesFreeFormButNotTemplate(t *testing.T) {
	svc, db, _, _ := testService(t, transport.Online)

	conv := &store.Conversation{
		WaID:           customer,
		BusinessNumber: "whatsapp:+14155238886",
		OptInState:     store.OptedIn,
		LastInboundAt:  now.Add(-25 * time.Hour).UnixMilli(),
	}
	if err := db.UpsertConversation(conv); err != nil {
		t.Fatal(err)
	}

	res, err := svc.SendOutbound(context.Background(), customer, "free form", SendOptions{}, now)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Denied || res.Reason != policy.ReasonWindowExpired {
		t.Errorf("result = %+v, want denial with reason window_expired", res)
	}

	res, err = svc.SendOutbound(context.Background(), customer, "template body", SendOptions{Template: true}, now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Denied {
		t.Errorf("template send denied: %+v", res)
	}
	if res.Message.Status != store.StatusQueued {
		t.Errorf("template status = %s, want queued", res.Message.Status)
	}
}

func TestFreeFormToUnknownCustomerDenied(t *testing.T) {
	svc, db, _, _ := testService(t, transport.Online)

	res, err := svc.SendOutbound(context.Background(), customer, "hello?", SendOptions{}, now)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Denied || res.Reason != policy.ReasonNoInbound {
		t.Errorf("result = %+v, want denial with reason no_inbound", res)
	}
	// Denied sends must not create conversations.
	conv, _ := db.GetConversation(customer)
	if conv != nil {
		t.Error("denied send created a conversation")
	}

	// A template opens the conversation.
	res, err = svc.SendOutbound(context.Background(), customer, "opening template", SendOptions{Template: true}, now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Denied {
		t.Fatalf("template denied: %+v", res)
	}
	conv, _ = db.GetConversation(customer)
	if conv == nil {
		t.Fatal("template send did not create the conversation")
	}
	if conv.OptInState != store.OptPending {
		t.Errorf("opt state = %s, want pending until first inbound", conv.OptInState)
	}
}

func TestForceFailIsTerminalWithOneCallback(t *testing.T) {
	svc, db, _, rec := testService(t, transport.Online)

	if _, err := svc.ReceiveInbound(context.Background(), customer, "hi", now); err != nil {
		t.Fatal(err)
	}
	res, err := svc.SendOutbound(context.Background(), customer, "doomed", SendOptions{ForceFail: true}, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if res.Message.Status != store.StatusFailed || res.Message.ErrorCode != ErrCodeForcedFailure {
		t.Fatalf("message = %s/%d, want failed/%d", res.Message.Status, res.Message.ErrorCode, ErrCodeForcedFailure)
	}

	callbacks := rec.byType(store.EventStatusCallback)
	if len(callbacks) != 1 {
		t.Fatalf("got %d status callbacks, want exactly 1", len(callbacks))
	}
	v, _ := url.ParseQuery(callbacks[0].Body)
	if v.Get("ErrorCode") != "30008" {
		t.Errorf("ErrorCode = %q, want 30008", v.Get("ErrorCode"))
	}

	// Ticks never touch it.
	notifier := webhook.NewNotifier(webhook.NewPayloadBuilder("AC123", "2010-04-01"), rec, webhook.Destinations{})
	logger, _ := zap.NewDevelopment()
	engine := lifecycle.New(db, notifier, bus.New(), nil, logger, time.Second)
	for range 3 {
		engine.Tick(context.Background(), now.Add(time.Hour))
	}
	got, _ := db.GetMessage(res.Message.SID)
	if got.Status != store.StatusFailed {
		t.Errorf("status after ticks = %s, want failed", got.Status)
	}
	if n := len(rec.byType(store.EventStatusCallback)); n != 1 {
		t.Errorf("callbacks after ticks = %d, want still 1", n)
	}
}

func TestOfflineSendIsParked(t *testing.T) {
	svc, db, _, rec := testService(t, transport.Offline)

	if _, err := svc.ReceiveInbound(context.Background(), customer, "hi", now); err != nil {
		t.Fatal(err)
	}
	res, err := svc.SendOutbound(context.Background(), customer, "later", SendOptions{}, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Parked {
		t.Fatal("send while offline not parked")
	}
	if res.Message.Submitted {
		t.Error("parked message marked submitted")
	}

	depth, _ := db.OutboxDepth()
	if depth != 1 {
		t.Errorf("outbox depth = %d, want 1", depth)
	}
	// api_response deferred until the flusher hands it off.
	if n := len(rec.byType(store.EventAPIResponse)); n != 0 {
		t.Errorf("got %d api_response events while parked, want 0", n)
	}
}

func TestAcceptEmitsAPIResponse(t *testing.T) {
	svc, db, _, rec := testService(t, transport.Online)

	if _, err := svc.ReceiveInbound(context.Background(), customer, "hi", now); err != nil {
		t.Fatal(err)
	}

	// The acceptance webhook must be in the emitter queue before the row
	// can be picked up by a tick.
	rec.hook = func(ev webhook.Event) {
		if ev.Type != store.EventAPIResponse {
			return
		}
		m, err := db.GetMessage(ev.MessageSID)
		if err != nil {
			t.Errorf("load message at enqueue time: %v", err)
			return
		}
		if m == nil || m.Submitted {
			t.Error("message entered the delivery pipeline before its api_response was enqueued")
		}
	}

	res, err := svc.SendOutbound(context.Background(), customer, "reply", SendOptions{}, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if res.Denied || res.Parked {
		t.Fatalf("unexpected result: %+v", res)
	}
	if n := len(rec.byType(store.EventAPIResponse)); n != 1 {
		t.Errorf("got %d api_response events, want 1", n)
	}
	got, _ := db.GetMessage(res.Message.SID)
	if !got.Submitted {
		t.Error("accepted message not submitted after send")
	}
}

func TestResetConversation(t *testing.T) {
	svc, db, _, _ := testService(t, transport.Online)

	if _, err := svc.ReceiveInbound(context.Background(), customer, "hi", now); err != nil {
		t.Fatal(err)
	}
	if err := svc.ResetConversation(context.Background(), customer); err != nil {
		t.Fatal(err)
	}
	conv, _ := db.GetConversation(customer)
	if !conv.Archived {
		t.Error("conversation not archived")
	}

	if err := svc.ResetConversation(context.Background(), "whatsapp:+000"); err != ErrConversationNotFound {
		t.Errorf("reset unknown = %v, want ErrConversationNotFound", err)
	}
}

func TestInboundAfterResetStartsFreshSession(t *testing.T) {
	svc, db, _, rec := testService(t, transport.Online)

	if _, err := svc.ReceiveInbound(context.Background(), customer, "hi", now); err != nil {
		t.Fatal(err)
	}
	stale, err := svc.SendOutbound(context.Background(), customer, "old session", SendOptions{}, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.ResetConversation(context.Background(), customer); err != nil {
		t.Fatal(err)
	}

	// The pre-reset in-flight message is retired, not just paused.
	got, _ := db.GetMessage(stale.Message.SID)
	if got.Submitted {
		t.Error("pre-reset message still in the delivery pipeline")
	}

	// A new inbound reopens the conversation.
	if _, err := svc.ReceiveInbound(context.Background(), customer, "hello again", now.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	conv, _ := db.GetConversation(customer)
	if conv.Archived {
		t.Fatal("conversation still archived after new inbound")
	}

	fresh, err := svc.SendOutbound(context.Background(), customer, "new session", SendOptions{}, now.Add(3*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Denied || fresh.Parked {
		t.Fatalf("send after reopen: %+v", fresh)
	}

	// Ticks walk the new message to read; the retired one never moves.
	engine := lifecycle.New(db, webhook.NewNotifier(webhook.NewPayloadBuilder("AC123", "2010-04-01"), rec, webhook.Destinations{StatusCallbackURL: "http://backend/status"}), bus.New(), nil, zap.NewNop(), time.Second)
	for range 4 {
		engine.Tick(context.Background(), now.Add(time.Hour))
	}

	gotFresh, _ := db.GetMessage(fresh.Message.SID)
	if gotFresh.Status != store.StatusRead {
		t.Errorf("reopened-session message status = %s, want read", gotFresh.Status)
	}
	gotStale, _ := db.GetMessage(stale.Message.SID)
	if gotStale.Status != store.StatusQueued {
		t.Errorf("retired message status = %s, want frozen at queued", gotStale.Status)
	}

	callbacks := rec.byType(store.EventStatusCallback)
	if len(callbacks) != 3 {
		t.Errorf("got %d status callbacks, want 3 (fresh message only)", len(callbacks))
	}
	for _, cb := range callbacks {
		if cb.MessageSID != fresh.Message.SID {
			t.Errorf("callback for %s, want only %s", cb.MessageSID, fresh.Message.SID)
		}
	}
}

func TestResetPurgesParkedMessages(t *testing.T) {
	svc, db, _, _ := testService(t, transport.Offline)

	if _, err := svc.ReceiveInbound(context.Background(), customer, "hi", now); err != nil {
		t.Fatal(err)
	}
	parked, err := svc.SendOutbound(context.Background(), customer, "stuck", SendOptions{}, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if !parked.Parked {
		t.Fatal("send while offline not parked")
	}

	if err := svc.ResetConversation(context.Background(), customer); err != nil {
		t.Fatal(err)
	}

	// The parked entry is gone: it must not replay when the link returns.
	depth, _ := db.OutboxDepth()
	if depth != 0 {
		t.Errorf("outbox depth = %d, want 0 after reset", depth)
	}
	got, _ := db.GetMessage(parked.Message.SID)
	if got.Submitted || got.Status != store.StatusQueued {
		t.Errorf("parked message = %s/submitted=%v, want frozen queued", got.Status, got.Submitted)
	}
}

func TestConfigurePartialUpdate(t *testing.T) {
	svc, db, _, _ := testService(t, transport.Online)

	if _, err := svc.ReceiveInbound(context.Background(), customer, "hi", now); err != nil {
		t.Fatal(err)
	}

	statusURL := "http://other/status"
	blocked := true
	updated, err := svc.Configure(context.Background(), customer, ConversationConfig{
		StatusCallbackURL: &statusURL,
		Blocked:           &blocked,
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.StatusCallbackURL != statusURL || !updated.Blocked {
		t.Errorf("updated = %+v", updated)
	}
	// Untouched fields survive.
	if updated.OptInState != store.OptedIn {
		t.Errorf("opt state = %s, want opted_in", updated.OptInState)
	}

	conv, _ := db.GetConversation(customer)
	if conv.StatusCallbackURL != statusURL {
		t.Error("override not persisted")
	}

	// Blocked conversations are denied.
	res, err := svc.SendOutbound(context.Background(), customer, "x", SendOptions{}, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Denied || res.Reason != policy.ReasonBlocked {
		t.Errorf("result = %+v, want denial with reason blocked", res)
	}
}

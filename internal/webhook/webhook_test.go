package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pcoelho/wasim/internal/bus"
	"github.com/pcoelho/wasim/internal/store"
	"go.uber.org/zap"
)

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

var (
	testConv = store.Conversation{
		WaID:           "whatsapp:+5511999990000",
		BusinessNumber: "whatsapp:+14155238886",
	}
	testMsg = store.Message{
		SID:       "SM00000000000000000000000000000001",
		Body:      "hello",
		Status:    store.StatusQueued,
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
	}
)

func TestInboundMessageFields(t *testing.T) {
	b := NewPayloadBuilder("AC123", "2010-04-01")
	body := b.InboundMessage(testMsg, testConv)

	v, err := url.ParseQuery(body)
	if err != nil {
		t.Fatalf("payload is not form encoded: %v", err)
	}

	want := map[string]string{
		"SmsMessageSid": testMsg.SID,
		"SmsSid":        testMsg.SID,
		"WaId":          "5511999990000",
		"SmsStatus":     "received",
		"Body":          "hello",
		"To":            "whatsapp:+14155238886",
		"From":          "whatsapp:+5511999990000",
		"MessageSid":    testMsg.SID,
		"AccountSid":    "AC123",
		"ApiVersion":    "2010-04-01",
	}
	for field, wantVal := range want {
		if got := v.Get(field); got != wantVal {
			t.Errorf("%s = %q, want %q", field, got, wantVal)
		}
	}
	if len(v) != len(want) {
		t.Errorf("payload has %d fields, want exactly %d", len(v), len(want))
	}
}

func TestStatusCallbackFields(t *testing.T) {
	b := NewPayloadBuilder("AC123", "2010-04-01")

	m := testMsg
	m.Status = store.StatusDelivered
	v, err := url.ParseQuery(b.StatusCallback(m, testConv))
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]string{
		"SmsSid":        m.SID,
		"SmsStatus":     "delivered",
		"MessageStatus": "delivered",
		"To":            "whatsapp:+5511999990000",
		"MessageSid":    m.SID,
		"AccountSid":    "AC123",
		"From":          "whatsapp:+14155238886",
		"ApiVersion":    "2010-04-01",
	}
	for field, wantVal := range want {
		if got := v.Get(field); got != wantVal {
			t.Errorf("%s = %q, want %q", field, got, wantVal)
		}
	}
	if v.Has("ErrorCode") {
		t.Error("ErrorCode present on a successful status callback")
	}
}

func TestStatusCallbackCarriesErrorCode(t *testing.T) {
	b := NewPayloadBuilder("AC123", "2010-04-01")

	m := testMsg
	m.Status = store.StatusFailed
	m.ErrorCode = 30008
	v, err := url.ParseQuery(b.StatusCallback(m, testConv))
	if err != nil {
		t.Fatal(err)
	}
	if v.Get("ErrorCode") != "30008" {
		t.Errorf("ErrorCode = %q, want 30008", v.Get("ErrorCode"))
	}
	if v.Get("MessageStatus") != "failed" {
		t.Errorf("MessageStatus = %q, want failed", v.Get("MessageStatus"))
	}
}

func TestAPIResponseShape(t *testing.T) {
	b := NewPayloadBuilder("AC123", "2010-04-01")
	body := b.APIResponse(testMsg, testConv)

	var parsed map[string]any
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}

	for _, field := range []string{
		"account_sid", "api_version", "body", "date_created", "direction",
		"error_code", "from", "num_media", "num_segments", "sid", "status", "to",
	} {
		if _, ok := parsed[field]; !ok {
			t.Errorf("missing field %q", field)
		}
	}
	if parsed["error_code"] != nil {
		t.Errorf("error_code = %v, want null", parsed["error_code"])
	}
	if parsed["direction"] != "outbound-api" {
		t.Errorf("direction = %v, want outbound-api", parsed["direction"])
	}
	if parsed["status"] != "queued" {
		t.Errorf("status = %v, want queued", parsed["status"])
	}
}

func TestEmitterDeliversInOrder(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	logger, _ := zap.NewDevelopment()

	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		mu.Lock()
		bodies = append(bodies, r.PostForm.Get("Body"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEmitter(db, b, nil, logger)
	e.Start(context.Background())
	defer e.Stop()

	ch, unsub := b.Subscribe("webhook.", 10)
	defer unsub()

	pb := NewPayloadBuilder("AC123", "2010-04-01")
	for _, text := range []string{"A", "B", "C"} {
		m := testMsg
		m.Body = text
		e.Enqueue(Event{
			Type:        store.EventInboundMessage,
			MessageSID:  m.SID,
			URL:         srv.URL,
			ContentType: ContentTypeForm,
			Body:        pb.InboundMessage(m, testConv),
		})
	}

	for range 3 {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for webhook.delivered events")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 3 {
		t.Fatalf("got %d deliveries, want 3", len(bodies))
	}
	for i, want := range []string{"A", "B", "C"} {
		if bodies[i] != want {
			t.Errorf("delivery %d = %q, want %q (enqueue order)", i, bodies[i], want)
		}
	}

	events, err := db.ListWebhookEvents("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d recorded events, want 3", len(events))
	}
	for _, ev := range events {
		if ev.StatusCode != http.StatusOK {
			t.Errorf("recorded status = %d, want 200", ev.StatusCode)
		}
	}
}

func TestDeliverFallsBack(t *testing.T) {
	db := testDB(t)
	logger, _ := zap.NewDevelopment()

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer fallback.Close()

	e := NewEmitter(db, bus.New(), nil, logger)
	result := e.Deliver(context.Background(), Event{
		Type:        store.EventStatusCallback,
		URL:         primary.URL,
		FallbackURL: fallback.URL,
		ContentType: ContentTypeForm,
		Body:        "MessageStatus=sent",
	})

	if result.Err != nil {
		t.Fatalf("Deliver() error = %v, want fallback success", result.Err)
	}
	if result.URL != fallback.URL {
		t.Errorf("delivered to %q, want fallback %q", result.URL, fallback.URL)
	}
	if result.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", result.StatusCode)
	}
}

func TestEmitterRecordsFailure(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	logger, _ := zap.NewDevelopment()

	// A server that is immediately closed: connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	deadURL := srv.URL
	srv.Close()

	e := NewEmitter(db, b, nil, logger)
	e.Start(context.Background())
	defer e.Stop()

	ch, unsub := b.Subscribe(bus.KindWebhookFailed, 10)
	defer unsub()

	e.Enqueue(Event{
		Type:        store.EventStatusCallback,
		MessageSID:  testMsg.SID,
		URL:         deadURL,
		ContentType: ContentTypeForm,
		Body:        "MessageStatus=sent",
	})

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for webhook.failed event")
	}

	events, err := db.ListWebhookEvents("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d recorded events, want 1", len(events))
	}
	if events[0].StatusCode != 0 {
		t.Errorf("status code = %d, want 0 for connection failure", events[0].StatusCode)
	}
}

func TestEmitterPublishesSkippedWithoutURL(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	logger, _ := zap.NewDevelopment()

	e := NewEmitter(db, b, nil, logger)
	e.Start(context.Background())
	defer e.Stop()

	ch, unsub := b.Subscribe("webhook.", 10)
	defer unsub()

	e.Enqueue(Event{Type: store.EventAPIResponse, MessageSID: testMsg.SID, Body: "{}"})

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindWebhookSkipped {
			t.Errorf("kind = %q, want %q for an event with no URL", evt.Kind, bus.KindWebhookSkipped)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for webhook event")
	}

	// Still recorded in the log.
	events, err := db.ListWebhookEvents("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].URL != "" {
		t.Fatalf("recorded events = %+v, want one record with empty URL", events)
	}
}

func TestDeliverNoURLIsRecordOnly(t *testing.T) {
	db := testDB(t)
	logger, _ := zap.NewDevelopment()
	e := NewEmitter(db, bus.New(), nil, logger)

	result := e.Deliver(context.Background(), Event{Type: store.EventAPIResponse, Body: "{}"})
	if result.Err != nil {
		t.Errorf("Deliver() with no URL should not fail, got %v", result.Err)
	}
	if result.StatusCode != 0 || result.URL != "" {
		t.Errorf("result = %+v, want zero result", result)
	}
}

// Package api exposes the simulator's HTTP control plane: injecting
// inbound messages, sending outbound ones, inspecting conversations and
// webhook history, and toggling the simulated transport.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pcoelho/wasim/internal/gateway"
	"github.com/pcoelho/wasim/internal/store"
	"github.com/pcoelho/wasim/internal/transport"
	"go.uber.org/zap"
)

// Handlers holds the dependencies shared by all HTTP handlers.
type Handlers struct {
	gateway   *gateway.Service
	db        *store.DB
	transport *transport.Machine
	logger    *zap.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(gw *gateway.Service, db *store.DB, tm *transport.Machine, logger *zap.Logger) *Handlers {
	return &Handlers{gateway: gw, db: db, transport: tm, logger: logger}
}

// ErrorPayload is the JSON error body. Reason carries the policy denial
// reason when a send was refused.
type ErrorPayload struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// ConversationPayload is the JSON shape of a conversation.
type ConversationPayload struct {
	WaID              string `json:"wa_id"`
	BusinessNumber    string `json:"business_number"`
	LastInboundAt     int64  `json:"last_inbound_at"`
	OptInState        string `json:"opt_in_state"`
	Blocked           bool   `json:"blocked"`
	Archived          bool   `json:"archived"`
	InboundURL        string `json:"inbound_url,omitempty"`
	StatusCallbackURL string `json:"status_callback_url,omitempty"`
	FallbackURL       string `json:"fallback_url,omitempty"`
	CreatedAt         int64  `json:"created_at"`
	UpdatedAt         int64  `json:"updated_at"`
}

// MessagePayload is the JSON shape of a message. ErrorCode is null unless
// the message failed.
type MessagePayload struct {
	SID        string `json:"sid"`
	WaID       string `json:"wa_id"`
	Direction  string `json:"direction"`
	Body       string `json:"body"`
	IsTemplate bool   `json:"is_template"`
	Status     string `json:"status"`
	ErrorCode  *int   `json:"error_code"`
	Parked     bool   `json:"parked,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

// WebhookEventPayload is one entry of the webhook delivery log.
type WebhookEventPayload struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	MessageSID string          `json:"message_sid"`
	URL        string          `json:"url"`
	Payload    json.RawMessage `json:"payload"`
	StatusCode int             `json:"status_code"`
	CreatedAt  int64           `json:"created_at"`
}

func toConversation(c store.Conversation) ConversationPayload {
	return ConversationPayload{
		WaID:              c.WaID,
		BusinessNumber:    c.BusinessNumber,
		LastInboundAt:     c.LastInboundAt,
		OptInState:        string(c.OptInState),
		Blocked:           c.Blocked,
		Archived:          c.Archived,
		InboundURL:        c.InboundURL,
		StatusCallbackURL: c.StatusCallbackURL,
		FallbackURL:       c.FallbackURL,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}
}

func toMessage(m store.Message, parked bool) MessagePayload {
	resp := MessagePayload{
		SID:        m.SID,
		WaID:       m.WaID,
		Direction:  m.Direction,
		Body:       m.Body,
		IsTemplate: m.IsTemplate,
		Status:     m.Status,
		Parked:     parked,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
	if m.ErrorCode != 0 {
		code := m.ErrorCode
		resp.ErrorCode = &code
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, reason string) {
	writeJSON(w, status, ErrorPayload{Error: msg, Reason: reason})
}

// Healthz reports liveness.
func (h *Handlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// InboundRequest injects a customer message.
type InboundRequest struct {
	From string `json:"from"`
	Body string `json:"body"`
}

// PostInbound injects a customer message into the simulator.
func (h *Handlers) PostInbound(w http.ResponseWriter, r *http.Request) {
	var req InboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if req.From == "" {
		writeError(w, http.StatusBadRequest, "from is required", "")
		return
	}

	msg, err := h.gateway.ReceiveInbound(r.Context(), req.From, req.Body, time.Now())
	if err != nil {
		h.logger.Error("inbound failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	writeJSON(w, http.StatusCreated, toMessage(*msg, false))
}

// SendRequest sends an outbound business message.
type SendRequest struct {
	To        string `json:"to"`
	Body      string `json:"body"`
	Template  bool   `json:"template"`
	ForceFail bool   `json:"force_fail"`
}

// PostMessage sends an outbound business message. A policy denial maps to
// 403 with the reason; a message parked while the transport is offline maps
// to 202; an accepted (or failed-on-injection) message maps to 201.
func (h *Handlers) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if req.To == "" {
		writeError(w, http.StatusBadRequest, "to is required", "")
		return
	}

	res, err := h.gateway.SendOutbound(r.Context(), req.To, req.Body, gateway.SendOptions{
		Template:  req.Template,
		ForceFail: req.ForceFail,
	}, time.Now())
	if err != nil {
		h.logger.Error("send failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	if res.Denied {
		writeError(w, http.StatusForbidden, "send not allowed", string(res.Reason))
		return
	}
	status := http.StatusCreated
	if res.Parked {
		status = http.StatusAccepted
	}
	writeJSON(w, status, toMessage(*res.Message, res.Parked))
}

// GetMessage returns a single message by SID.
func (h *Handlers) GetMessage(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	msg, err := h.db.GetMessage(sid)
	if err != nil {
		h.logger.Error("get message failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	if msg == nil {
		writeError(w, http.StatusNotFound, "message not found", "")
		return
	}
	writeJSON(w, http.StatusOK, toMessage(*msg, false))
}

// ListConversations returns known conversations, newest first.
func (h *Handlers) ListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.db.ListConversations(parseLimit(r, 100))
	if err != nil {
		h.logger.Error("list conversations failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	out := make([]ConversationPayload, 0, len(convs))
	for _, c := range convs {
		out = append(out, toConversation(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetConversation returns one conversation.
func (h *Handlers) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.db.GetConversation(chi.URLParam(r, "waID"))
	if err != nil {
		h.logger.Error("get conversation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	if conv == nil {
		writeError(w, http.StatusNotFound, "conversation not found", "")
		return
	}
	writeJSON(w, http.StatusOK, toConversation(*conv))
}

// ConfigureRequest is a partial conversation update; nil fields are left
// unchanged.
type ConfigureRequest struct {
	InboundURL        *string `json:"inbound_url"`
	StatusCallbackURL *string `json:"status_callback_url"`
	FallbackURL       *string `json:"fallback_url"`
	Blocked           *bool   `json:"blocked"`
}

// PatchConversation applies a partial update to webhook routing and the
// blocked flag. Absent fields are left untouched.
func (h *Handlers) PatchConversation(w http.ResponseWriter, r *http.Request) {
	var req ConfigureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	conv, err := h.gateway.Configure(r.Context(), chi.URLParam(r, "waID"), gateway.ConversationConfig{
		InboundURL:        req.InboundURL,
		StatusCallbackURL: req.StatusCallbackURL,
		FallbackURL:       req.FallbackURL,
		Blocked:           req.Blocked,
	})
	if errors.Is(err, gateway.ErrConversationNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found", "")
		return
	}
	if err != nil {
		h.logger.Error("configure failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	writeJSON(w, http.StatusOK, toConversation(*conv))
}

// DeleteConversation archives a conversation, freezing its in-flight
// messages. History is retained.
func (h *Handlers) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	err := h.gateway.ResetConversation(r.Context(), chi.URLParam(r, "waID"))
	if errors.Is(err, gateway.ErrConversationNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found", "")
		return
	}
	if err != nil {
		h.logger.Error("reset failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListConversationMessages returns a conversation's message history.
func (h *Handlers) ListConversationMessages(w http.ResponseWriter, r *http.Request) {
	waID := chi.URLParam(r, "waID")
	conv, err := h.db.GetConversation(waID)
	if err != nil {
		h.logger.Error("get conversation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	if conv == nil {
		writeError(w, http.StatusNotFound, "conversation not found", "")
		return
	}
	msgs, err := h.db.ListMessages(waID, parseLimit(r, 100))
	if err != nil {
		h.logger.Error("list messages failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	out := make([]MessagePayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessage(m, false))
	}
	writeJSON(w, http.StatusOK, out)
}

// ListWebhookEvents returns the webhook delivery log, optionally filtered
// by ?type=.
func (h *Handlers) ListWebhookEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.db.ListWebhookEvents(r.URL.Query().Get("type"), parseLimit(r, 100))
	if err != nil {
		h.logger.Error("list webhook events failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	out := make([]WebhookEventPayload, 0, len(events))
	for _, e := range events {
		payload := json.RawMessage(e.Payload)
		if !json.Valid(payload) {
			// Form-encoded payloads go out as JSON strings.
			encoded, _ := json.Marshal(e.Payload)
			payload = encoded
		}
		out = append(out, WebhookEventPayload{
			ID:         e.ID,
			Type:       e.Type,
			MessageSID: e.MessageSID,
			URL:        e.URL,
			Payload:    payload,
			StatusCode: e.StatusCode,
			CreatedAt:  e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// TransportPayload reports the simulated link state.
type TransportPayload struct {
	State string `json:"state"`
}

// GetTransport returns the simulated link state.
func (h *Handlers) GetTransport(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, TransportPayload{State: string(h.transport.Current())})
}

// TransportRequest flips the simulated link.
type TransportRequest struct {
	State string `json:"state"`
}

// PutTransport flips the simulated link. Self-transitions are rejected with
// 409 so callers notice redundant flips instead of silently re-flushing.
func (h *Handlers) PutTransport(w http.ResponseWriter, r *http.Request) {
	var req TransportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	state, err := transport.ParseState(req.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	if err := h.transport.Transition(state); err != nil {
		writeError(w, http.StatusConflict, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, TransportPayload{State: string(h.transport.Current())})
}

func parseLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

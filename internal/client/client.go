// Package client is a thin HTTP client for the daemon's control API, used
// by wasimctl.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pcoelho/wasim/internal/api"
)

// Client talks to a running wasimd instance.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the daemon at the given address (host:port or a
// full http:// URL).
func New(addr string) *Client {
	base := addr
	if len(base) < 7 || base[:7] != "http://" {
		base = "http://" + base
	}
	return &Client{
		base: base,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
	Reason     string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Reason)
	}
	return e.Message
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var ep api.ErrorPayload
		if err := json.NewDecoder(resp.Body).Decode(&ep); err != nil || ep.Error == "" {
			ep.Error = resp.Status
		}
		return &APIError{StatusCode: resp.StatusCode, Message: ep.Error, Reason: ep.Reason}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func convPath(waID string) string {
	return "/v1/conversations/" + url.PathEscape(waID)
}

// Inbound injects a customer message.
func (c *Client) Inbound(ctx context.Context, from, body string) (*api.MessagePayload, error) {
	var out api.MessagePayload
	err := c.do(ctx, http.MethodPost, "/v1/inbound", api.InboundRequest{From: from, Body: body}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Send sends an outbound business message.
func (c *Client) Send(ctx context.Context, req api.SendRequest) (*api.MessagePayload, error) {
	var out api.MessagePayload
	if err := c.do(ctx, http.MethodPost, "/v1/messages", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Message fetches one message by SID.
func (c *Client) Message(ctx context.Context, sid string) (*api.MessagePayload, error) {
	var out api.MessagePayload
	if err := c.do(ctx, http.MethodGet, "/v1/messages/"+url.PathEscape(sid), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Conversations lists known conversations.
func (c *Client) Conversations(ctx context.Context) ([]api.ConversationPayload, error) {
	var out []api.ConversationPayload
	if err := c.do(ctx, http.MethodGet, "/v1/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Conversation fetches one conversation.
func (c *Client) Conversation(ctx context.Context, waID string) (*api.ConversationPayload, error) {
	var out api.ConversationPayload
	if err := c.do(ctx, http.MethodGet, convPath(waID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Configure applies a partial conversation update.
func (c *Client) Configure(ctx context.Context, waID string, req api.ConfigureRequest) (*api.ConversationPayload, error) {
	var out api.ConversationPayload
	if err := c.do(ctx, http.MethodPatch, convPath(waID), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reset archives a conversation.
func (c *Client) Reset(ctx context.Context, waID string) error {
	return c.do(ctx, http.MethodDelete, convPath(waID), nil, nil)
}

// Messages lists a conversation's message history.
func (c *Client) Messages(ctx context.Context, waID string) ([]api.MessagePayload, error) {
	var out []api.MessagePayload
	if err := c.do(ctx, http.MethodGet, convPath(waID)+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WebhookEvents lists the webhook delivery log, optionally filtered by type.
func (c *Client) WebhookEvents(ctx context.Context, eventType string) ([]api.WebhookEventPayload, error) {
	path := "/v1/webhook-events"
	if eventType != "" {
		path += "?type=" + url.QueryEscape(eventType)
	}
	var out []api.WebhookEventPayload
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Transport returns the simulated link state.
func (c *Client) Transport(ctx context.Context) (string, error) {
	var out api.TransportPayload
	if err := c.do(ctx, http.MethodGet, "/v1/transport", nil, &out); err != nil {
		return "", err
	}
	return out.State, nil
}

// SetTransport flips the simulated link.
func (c *Client) SetTransport(ctx context.Context, state string) (string, error) {
	var out api.TransportPayload
	if err := c.do(ctx, http.MethodPut, "/v1/transport", api.TransportRequest{State: state}, &out); err != nil {
		return "", err
	}
	return out.State, nil
}

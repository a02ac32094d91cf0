package webhook

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pcoelho/wasim/internal/store"
)

// Content types used on the wire. Inbound and status callbacks are form
// encoded the way the real provider posts them; the API response record is
// JSON like the REST API body it mirrors.
const (
	ContentTypeForm = "application/x-www-form-urlencoded"
	ContentTypeJSON = "application/json"
)

// Event is one callback awaiting delivery to the business backend.
type Event struct {
	Type        string
	MessageSID  string
	URL         string
	FallbackURL string
	ContentType string
	Body        string
}

// PayloadBuilder synthesizes provider-shaped callback payloads. Field names
// mirror the provider contract byte for byte; integrations pattern-match on
// them.
type PayloadBuilder struct {
	accountSID string
	apiVersion string
}

// NewPayloadBuilder creates a builder stamping the given account SID and
// API version onto every payload.
func NewPayloadBuilder(accountSID, apiVersion string) *PayloadBuilder {
	return &PayloadBuilder{accountSID: accountSID, apiVersion: apiVersion}
}

// InboundMessage builds the webhook body for a customer message arriving at
// the business number.
func (b *PayloadBuilder) InboundMessage(m store.Message, c store.Conversation) string {
	v := url.Values{}
	v.Set("SmsMessageSid", m.SID)
	v.Set("SmsSid", m.SID)
	v.Set("WaId", waID(c.WaID))
	v.Set("SmsStatus", "received")
	v.Set("Body", m.Body)
	v.Set("To", c.BusinessNumber)
	v.Set("From", c.WaID)
	v.Set("MessageSid", m.SID)
	v.Set("AccountSid", b.accountSID)
	v.Set("ApiVersion", b.apiVersion)
	return v.Encode()
}

// StatusCallback builds the webhook body for one delivery status transition
// of an outbound message.
func (b *PayloadBuilder) StatusCallback(m store.Message, c store.Conversation) string {
	v := url.Values{}
	v.Set("SmsSid", m.SID)
	v.Set("SmsStatus", m.Status)
	v.Set("MessageStatus", m.Status)
	v.Set("To", c.WaID)
	v.Set("MessageSid", m.SID)
	v.Set("AccountSid", b.accountSID)
	v.Set("From", c.BusinessNumber)
	v.Set("ApiVersion", b.apiVersion)
	if m.ErrorCode != 0 {
		v.Set("ErrorCode", strconv.Itoa(m.ErrorCode))
	}
	return v.Encode()
}

type apiResponse struct {
	AccountSID  string `json:"account_sid"`
	APIVersion  string `json:"api_version"`
	Body        string `json:"body"`
	DateCreated string `json:"date_created"`
	Direction   string `json:"direction"`
	ErrorCode   *int   `json:"error_code"`
	From        string `json:"from"`
	NumMedia    string `json:"num_media"`
	NumSegments string `json:"num_segments"`
	SID         string `json:"sid"`
	Status      string `json:"status"`
	To          string `json:"to"`
}

// APIResponse builds the REST-API-shaped JSON body recorded when an
// outbound send is accepted.
func (b *PayloadBuilder) APIResponse(m store.Message, c store.Conversation) string {
	var errCode *int
	if m.ErrorCode != 0 {
		code := m.ErrorCode
		errCode = &code
	}
	body, _ := json.Marshal(apiResponse{
		AccountSID:  b.accountSID,
		APIVersion:  b.apiVersion,
		Body:        m.Body,
		DateCreated: time.UnixMilli(m.CreatedAt).UTC().Format(time.RFC1123Z),
		Direction:   "outbound-api",
		ErrorCode:   errCode,
		From:        c.BusinessNumber,
		NumMedia:    "0",
		NumSegments: "1",
		SID:         m.SID,
		Status:      m.Status,
		To:          c.WaID,
	})
	return string(body)
}

// waID strips the channel prefix and plus sign: "whatsapp:+5511999990000"
// becomes "5511999990000", matching the provider's WaId field.
func waID(number string) string {
	s := strings.TrimPrefix(number, "whatsapp:")
	return strings.TrimPrefix(s, "+")
}

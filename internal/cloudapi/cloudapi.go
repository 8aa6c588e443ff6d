// Package cloudapi is a client for the WhatsApp Business Cloud API (Meta Graph).
//
// It sends text and interactive button messages, marks inbound messages as
// read and parses webhook deliveries into channel-neutral inbound events.
package cloudapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	DefaultBaseURL    = "https://graph.facebook.com"
	DefaultAPIVersion = "v18.0"
	DefaultTimeout    = 10 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryWait  = 500 * time.Millisecond
	// MaxButtonTitleLength is the Cloud API limit for reply button titles.
	MaxButtonTitleLength = 20
	// MaxButtons is the Cloud API limit of reply buttons per message.
	MaxButtons = 3
)

// Opts holds configuration for the Cloud API client.
type Opts struct {
	BaseURL       string
	APIVersion    string
	PhoneNumberID string
	AccessToken   string
	Timeout       time.Duration
	MaxRetries    int
	RetryWait     time.Duration
}

// Option defines a configuration option for the Cloud API client.
type Option func(*Opts)

// WithBaseURL overrides the Graph API host, mainly for tests.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithAPIVersion sets the Graph API version path segment.
func WithAPIVersion(v string) Option {
	return func(o *Opts) { o.APIVersion = v }
}

// WithPhoneNumberID sets the business phone number id messages are sent from.
func WithPhoneNumberID(id string) Option {
	return func(o *Opts) { o.PhoneNumberID = id }
}

// WithAccessToken sets the bearer token.
func WithAccessToken(token string) Option {
	return func(o *Opts) { o.AccessToken = token }
}

// WithTimeout bounds every HTTP attempt.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithRetries sets how many times a 429 or 5xx response is retried and the
// initial wait between attempts.
func WithRetries(n int, wait time.Duration) Option {
	return func(o *Opts) {
		o.MaxRetries = n
		o.RetryWait = wait
	}
}

// Button is an interactive reply button.
type Button struct {
	ID    string
	Title string
}

// APIError is a non-success response from the Graph API.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cloud api status %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// Client sends messages through the Cloud API.
type Client struct {
	http    *resty.Client
	phoneID string
}

// NewClient creates a Client. Missing credentials fall back to
// WHATSAPP_PHONE_ID and WHATSAPP_ACCESS_TOKEN.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		BaseURL:    DefaultBaseURL,
		APIVersion: DefaultAPIVersion,
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
		RetryWait:  DefaultRetryWait,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PhoneNumberID == "" {
		cfg.PhoneNumberID = os.Getenv("WHATSAPP_PHONE_ID")
	}
	if cfg.AccessToken == "" {
		cfg.AccessToken = os.Getenv("WHATSAPP_ACCESS_TOKEN")
	}
	if cfg.PhoneNumberID == "" || cfg.AccessToken == "" {
		return nil, fmt.Errorf("phone number id and access token must be provided")
	}

	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/"+cfg.APIVersion).
		SetAuthToken(cfg.AccessToken).
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(8 * cfg.RetryWait).
		AddRetryCondition(retryable)

	slog.Debug("cloudapi.NewClient: configured", "apiVersion", cfg.APIVersion, "maxRetries", cfg.MaxRetries)
	return &Client{http: c, phoneID: cfg.PhoneNumberID}, nil
}

// retryable retries transport errors, rate limiting and server errors.
func retryable(resp *resty.Response, err error) bool {
	if err != nil || resp == nil {
		return true
	}
	code := resp.StatusCode()
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

type textBody struct {
	Body string `json:"body"`
}

type replyButton struct {
	Type  string `json:"type"`
	Reply struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"reply"`
}

type interactiveBody struct {
	Type   string   `json:"type"`
	Body   textBody `json:"body"`
	Action struct {
		Buttons []replyButton `json:"buttons"`
	} `json:"action"`
}

type outboundMessage struct {
	MessagingProduct string           `json:"messaging_product"`
	RecipientType    string           `json:"recipient_type,omitempty"`
	To               string           `json:"to,omitempty"`
	Type             string           `json:"type,omitempty"`
	Text             *textBody        `json:"text,omitempty"`
	Interactive      *interactiveBody `json:"interactive,omitempty"`
	Status           string           `json:"status,omitempty"`
	MessageID        string           `json:"message_id,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Success bool `json:"success"`
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// normalizePhone strips a leading "+" from an E.164 number.
func normalizePhone(to string) string {
	return strings.TrimPrefix(strings.TrimSpace(to), "+")
}

// SendText sends a plain text message and returns the created message id.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	if body == "" {
		return "", fmt.Errorf("message body cannot be empty")
	}
	msg := outboundMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               normalizePhone(to),
		Type:             "text",
		Text:             &textBody{Body: body},
	}
	return c.post(ctx, "SendText", msg)
}

// SendMessage sends a plain text message.
func (c *Client) SendMessage(ctx context.Context, to, body string) error {
	_, err := c.SendText(ctx, to, body)
	return err
}

// SendButtons sends an interactive message with up to three reply buttons.
func (c *Client) SendButtons(ctx context.Context, to, body string, buttons []Button) (string, error) {
	if len(buttons) == 0 || len(buttons) > MaxButtons {
		return "", fmt.Errorf("interactive messages need 1 to %d buttons, got %d", MaxButtons, len(buttons))
	}
	ib := &interactiveBody{Type: "button", Body: textBody{Body: body}}
	for _, b := range buttons {
		if b.ID == "" || b.Title == "" {
			return "", fmt.Errorf("button id and title are required")
		}
		if len([]rune(b.Title)) > MaxButtonTitleLength {
			return "", fmt.Errorf("button title %q exceeds %d characters", b.Title, MaxButtonTitleLength)
		}
		var rb replyButton
		rb.Type = "reply"
		rb.Reply.ID = b.ID
		rb.Reply.Title = b.Title
		ib.Action.Buttons = append(ib.Action.Buttons, rb)
	}
	msg := outboundMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               normalizePhone(to),
		Type:             "interactive",
		Interactive:      ib,
	}
	return c.post(ctx, "SendButtons", msg)
}

// MarkRead marks an inbound message as read, which also shows the blue ticks
// to the sender.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	if messageID == "" {
		return fmt.Errorf("message id cannot be empty")
	}
	msg := outboundMessage{MessagingProduct: "whatsapp", Status: "read", MessageID: messageID}
	_, err := c.post(ctx, "MarkRead", msg)
	return err
}

func (c *Client) post(ctx context.Context, op string, msg outboundMessage) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(&msg).
		Post("/" + c.phoneID + "/messages")
	if err != nil {
		slog.Error("Client."+op+": request failed", "to", msg.To, "error", err)
		return "", fmt.Errorf("cloud api %s: %w", op, err)
	}
	if resp.IsError() {
		apiErr := &APIError{StatusCode: resp.StatusCode(), Message: resp.String()}
		var env errorEnvelope
		if json.Unmarshal(resp.Body(), &env) == nil && env.Error.Message != "" {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		slog.Error("Client."+op+": rejected", "to", msg.To, "status", apiErr.StatusCode, "code", apiErr.Code)
		return "", apiErr
	}

	var sr sendResponse
	if err := json.Unmarshal(resp.Body(), &sr); err != nil {
		return "", fmt.Errorf("cloud api %s: decode response: %w", op, err)
	}
	var id string
	if len(sr.Messages) > 0 {
		id = sr.Messages[0].ID
	}
	slog.Debug("Client."+op+": ok", "to", msg.To, "messageID", id)
	return id, nil
}

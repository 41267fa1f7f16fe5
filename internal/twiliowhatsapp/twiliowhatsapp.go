// Package twiliowhatsapp wraps the Twilio API for WhatsApp delivery in FlowPipe.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// WhatsAppPrefix is the Twilio address prefix for WhatsApp numbers.
const WhatsAppPrefix = "whatsapp:"

// Sender sends WhatsApp messages through Twilio (real or mock).
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
	SendMedia(ctx context.Context, to string, mediaURL string, caption string) error
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number, with or without the whatsapp: prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps the Twilio REST API for WhatsApp.
type Client struct {
	client    *twilio.RestClient
	fromWhats string
}

var _ Sender = (*Client)(nil)

// NewClient creates a Twilio client. Missing options fall back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{client: client, fromWhats: Address(cfg.FromWhats)}, nil
}

// Address returns the Twilio WhatsApp address of a number.
func Address(number string) string {
	if len(number) >= len(WhatsAppPrefix) && number[:len(WhatsAppPrefix)] == WhatsAppPrefix {
		return number
	}
	return WhatsAppPrefix + number
}

// SendMessage sends a text message.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(Address(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)
	return c.create(to, params)
}

// SendMedia sends one attachment by URL; Twilio fetches it. The caption travels as the body.
func (c *Client) SendMedia(ctx context.Context, to string, mediaURL string, caption string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(Address(to))
	params.SetFrom(c.fromWhats)
	params.SetMediaUrl([]string{mediaURL})
	if caption != "" {
		params.SetBody(caption)
	}
	return c.create(to, params)
}

func (c *Client) create(to string, params *twilioApi.CreateMessageParams) error {
	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio CreateMessage failed", "to", to, "error", err)
		return classify(fmt.Errorf("failed to send message to %s: %w", to, err))
	}
	if resp != nil && resp.Sid != nil {
		slog.Debug("Twilio message sent", "to", to, "sid", *resp.Sid)
	}
	return nil
}

// classify marks client-side rejections (bad number, unsupported media) as permanent.
func classify(err error) error {
	var restErr *twilioClient.TwilioRestError
	if errors.As(err, &restErr) && restErr.Status >= 400 && restErr.Status < 500 && restErr.Status != 429 {
		return models.Permanent(err)
	}
	return err
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To       string
	Body     string
	MediaURL string
}

// MockClient records messages instead of calling Twilio. Err, when set, is returned by every send.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Err          error
}

var _ Sender = (*MockClient)(nil)

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	return m.record(SentMessage{To: to, Body: body})
}

func (m *MockClient) SendMedia(ctx context.Context, to string, mediaURL string, caption string) error {
	return m.record(SentMessage{To: to, Body: caption, MediaURL: mediaURL})
}

func (m *MockClient) record(msg SentMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, msg)
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}

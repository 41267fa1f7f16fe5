package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
	twilioClient "github.com/twilio/twilio-go/client"
)

// SignatureHeader carries the Twilio request signature.
const SignatureHeader = "X-Twilio-Signature"

// TwilioOpts configures a TwilioService.
type TwilioOpts struct {
	AuthToken  string
	WebhookURL string
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioOpts)

// WithWebhookValidation rejects webhook requests whose signature does not match the public
// webhook URL signed with authToken.
func WithWebhookValidation(authToken, webhookURL string) TwilioOption {
	return func(o *TwilioOpts) {
		o.AuthToken = authToken
		o.WebhookURL = webhookURL
	}
}

// TwilioService implements Service using the Twilio API.
type TwilioService struct {
	client     twiliowhatsapp.Sender
	responses  *responseQueue
	validator  *twilioClient.RequestValidator
	webhookURL string
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a TwilioService around a real or mock Twilio client.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &TwilioService{client: client, responses: newResponseQueue()}
	if cfg.AuthToken != "" && cfg.WebhookURL != "" {
		v := twilioClient.NewRequestValidator(cfg.AuthToken)
		s.validator = &v
		s.webhookURL = cfg.WebhookURL
		slog.Debug("TwilioService webhook signature validation enabled", "url", cfg.WebhookURL)
	}
	return s
}

// ValidateAndCanonicalizeRecipient reduces a number (optionally prefixed with whatsapp:) to digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := CanonicalizePhoneNumber(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op; inbound messages arrive through TwilioWebhookHandler.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the Responses channel.
func (s *TwilioService) Stop() error {
	s.responses.close()
	return nil
}

// Send delivers a text or media message via Twilio.
func (s *TwilioService) Send(ctx context.Context, channelRef string, msg models.OutboundMessage) error {
	if s.responses.isStopped() {
		return ErrServiceStopped
	}
	to, err := s.ValidateAndCanonicalizeRecipient(channelRef)
	if err != nil {
		slog.Error("TwilioService Send validation error", "error", err, "to", channelRef)
		return models.Permanent(err)
	}
	to = "+" + to

	if msg.Type.IsMedia() {
		return s.client.SendMedia(ctx, to, msg.MediaURL, msg.Caption)
	}
	return s.client.SendMessage(ctx, to, msg.Text)
}

// Responses returns the channel of inbound webhook messages.
func (s *TwilioService) Responses() <-chan models.InboundMessage {
	return s.responses.ch
}

// TwilioWebhookHandler handles inbound Twilio webhook requests and emits them into Responses().
// An interactive reply's ButtonPayload takes precedence over its Body.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Twilio webhook received")

	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil && !s.validSignature(r) {
		slog.Warn("Twilio webhook signature mismatch", "remote", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	from := r.PostFormValue("From")
	if from == "" {
		slog.Warn("Twilio webhook missing From field")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	text := r.PostFormValue("ButtonPayload")
	if text == "" {
		text = r.PostFormValue("Body")
	}

	msg := models.InboundMessage{
		ID:   r.PostFormValue("MessageSid"),
		From: from,
		Text: text,
		Time: time.Now().Unix(),
	}
	slog.Info("Inbound WhatsApp message from Twilio", "from", from, "id", msg.ID, "text_length", len(text))
	s.responses.emit("TwilioService", msg)

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *TwilioService) validSignature(r *http.Request) bool {
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return s.validator.Validate(s.webhookURL, params, r.Header.Get(SignatureHeader))
}

package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client    whatsapp.WhatsAppSender
	waClient  *whatsapp.Client // set when client is the real client, for event handling
	responses *responseQueue
	handlerID uint32
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a new WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{client: client, responses: newResponseQueue()}
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return service
}

// ValidateAndCanonicalizeRecipient reduces a phone number to digits, the JID user part.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhoneNumber(recipient)
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
		return nil
	}
	s.handlerID = s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if v, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(v)
		}
	})
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop removes the event handler, disconnects and closes the Responses channel.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked")
	if s.waClient != nil && s.waClient.GetClient() != nil {
		s.waClient.GetClient().RemoveEventHandler(s.handlerID)
		s.waClient.Disconnect()
	}
	s.responses.close()
	return nil
}

// Send delivers a text or media message.
func (s *WhatsAppService) Send(ctx context.Context, channelRef string, msg models.OutboundMessage) error {
	if s.responses.isStopped() {
		return ErrServiceStopped
	}
	to, err := s.ValidateAndCanonicalizeRecipient(channelRef)
	if err != nil {
		slog.Error("WhatsAppService Send validation error", "error", err, "to", channelRef)
		return models.Permanent(err)
	}
	slog.Debug("WhatsAppService Send invoked", "to", to, "type", msg.Type)
	if msg.Type.IsMedia() {
		return s.client.SendMedia(ctx, to, msg)
	}
	return s.client.SendMessage(ctx, to, msg.Text)
}

// Responses returns a channel of incoming participant messages.
func (s *WhatsAppService) Responses() <-chan models.InboundMessage {
	return s.responses.ch
}

// handleIncomingMessage forwards participant text and interactive replies.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return
	}
	text, ok := messageText(evt.Message)
	if !ok {
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}
	s.responses.emit("WhatsAppService", models.InboundMessage{
		ID:   evt.Info.ID,
		From: evt.Info.Sender.User,
		Text: text,
		Time: evt.Info.Timestamp.Unix(),
	})
}

// messageText extracts the reply text; for button and list replies it is the selected id.
func messageText(m *waE2E.Message) (string, bool) {
	switch {
	case m.Conversation != nil:
		return m.GetConversation(), true
	case m.GetExtendedTextMessage() != nil:
		return m.GetExtendedTextMessage().GetText(), true
	case m.GetButtonsResponseMessage() != nil:
		return m.GetButtonsResponseMessage().GetSelectedButtonID(), true
	case m.GetListResponseMessage() != nil:
		return m.GetListResponseMessage().GetSingleSelectReply().GetSelectedRowID(), true
	case m.GetTemplateButtonReplyMessage() != nil:
		return m.GetTemplateButtonReplyMessage().GetSelectedID(), true
	case m.GetImageMessage() != nil:
		return m.GetImageMessage().GetCaption(), true
	}
	return "", false
}

package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func TestWhatsAppService_Send(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	ctx := context.Background()

	require.NoError(t, svc.Send(ctx, "+55 11 99999-0000", models.TextMessage("hello")))
	require.NoError(t, svc.Send(ctx, "5511999990000", models.OutboundMessage{Type: models.MessageTypeImage, MediaURL: "https://example.com/a.png"}))

	sent := mockClient.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, []string{"5511999990000", "5511999990000"}, mockClient.To)
	assert.Equal(t, "hello", sent[0].Text)
	assert.Equal(t, models.MessageTypeImage, sent[1].Type)
}

func TestWhatsAppService_InvalidRecipientIsPermanent(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	err := svc.Send(context.Background(), "abc", models.TextMessage("x"))
	require.Error(t, err)
	assert.True(t, models.IsPermanent(err))
}

func TestWhatsAppService_StartStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Stop())
	require.NoError(t, svc.Stop())

	_, ok := <-svc.Responses()
	assert.False(t, ok, "responses channel should be closed")
	assert.ErrorIs(t, svc.Send(context.Background(), "5511999990000", models.TextMessage("x")), ErrServiceStopped)
}

func incoming(id string, msg *waE2E.Message) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Sender: types.NewJID("5511999990000", types.DefaultUserServer)},
			ID:            id,
			Timestamp:     time.Unix(1700000000, 0),
		},
		Message: msg,
	}
}

func TestWhatsAppService_HandleIncomingMessage(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())

	svc.handleIncomingMessage(incoming("m1", &waE2E.Message{Conversation: proto.String("Olá")}))
	svc.handleIncomingMessage(incoming("m2", &waE2E.Message{ButtonsResponseMessage: &waE2E.ButtonsResponseMessage{
		SelectedButtonID: proto.String("yes"),
	}}))
	svc.handleIncomingMessage(incoming("m3", &waE2E.Message{ListResponseMessage: &waE2E.ListResponseMessage{
		SingleSelectReply: &waE2E.ListResponseMessage_SingleSelectReply{SelectedRowID: proto.String("plan_b")},
	}}))
	svc.handleIncomingMessage(incoming("m4", &waE2E.Message{}))
	svc.handleIncomingMessage(incoming("m5", nil))

	var got []models.InboundMessage
	for len(svc.Responses()) > 0 {
		got = append(got, <-svc.Responses())
	}
	require.Len(t, got, 3)
	assert.Equal(t, models.InboundMessage{ID: "m1", From: "5511999990000", Text: "Olá", Time: 1700000000}, got[0])
	assert.Equal(t, "yes", got[1].Text)
	assert.Equal(t, "plan_b", got[2].Text)
}

func TestWhatsAppService_IgnoresOwnMessages(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	evt := incoming("m1", &waE2E.Message{Conversation: proto.String("echo")})
	evt.Info.IsFromMe = true
	svc.handleIncomingMessage(evt)
	assert.Equal(t, 0, len(svc.Responses()))
}

package messaging

import (
	"context"
	"fmt"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	conversationID, flowID, text, channelRef string
}

type recordingHandler struct {
	mu    sync.Mutex
	calls []call
}

func (h *recordingHandler) HandleInbound(_ context.Context, conversationID, flowID, text, channelRef string) ([]models.OutboundMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call{conversationID, flowID, text, channelRef})
	return []models.OutboundMessage{models.TextMessage("ack")}, nil
}

func (h *recordingHandler) snapshot() []call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]call(nil), h.calls...)
}

func TestShardFor(t *testing.T) {
	assert.Equal(t, 0, ShardFor("5511999990000", 1))
	assert.Equal(t, 0, ShardFor("5511999990000", 0))
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("55119999%05d", i)
		s := ShardFor(id, 8)
		assert.GreaterOrEqual(t, s, 0)
		assert.Less(t, s, 8)
		assert.Equal(t, s, ShardFor(id, 8))
	}
}

func TestRouter_PreservesPerConversationOrder(t *testing.T) {
	h := &recordingHandler{}
	r := NewRouter(NewTwilioService(twiliowhatsapp.NewMockClient()), h, WithWorkers(4), WithQueueSize(2), WithDefaultFlow("welcome"))
	ctx := context.Background()
	r.Start(ctx)

	convs := []string{"5511900000001", "5511900000002", "5511900000003"}
	for i := 0; i < 10; i++ {
		for _, c := range convs {
			require.NoError(t, r.Submit(ctx, models.InboundMessage{From: "whatsapp:+" + c, Text: fmt.Sprint(i)}))
		}
	}
	r.Stop()

	calls := h.snapshot()
	require.Len(t, calls, 30)
	perConv := map[string][]string{}
	for _, c := range calls {
		assert.Equal(t, "welcome", c.flowID)
		assert.Equal(t, c.conversationID, c.channelRef)
		perConv[c.conversationID] = append(perConv[c.conversationID], c.text)
	}
	for _, c := range convs {
		assert.Equal(t, []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}, perConv[c])
	}
}

func TestRouter_DropsDuplicates(t *testing.T) {
	h := &recordingHandler{}
	dedup := store.NewInMemoryStore()
	r := NewRouter(NewTwilioService(twiliowhatsapp.NewMockClient()), h, WithDedup(dedup), WithDefaultFlow("f"))
	ctx := context.Background()
	r.Start(ctx)

	msg := models.InboundMessage{ID: "SM1", From: "+5511999990000", Text: "Oi"}
	require.NoError(t, r.Submit(ctx, msg))
	require.NoError(t, r.Submit(ctx, msg))
	require.NoError(t, r.Submit(ctx, models.InboundMessage{From: "+5511999990000", Text: "no id"}))
	r.Stop()

	assert.Len(t, h.snapshot(), 2)
	dup, err := dedup.IsDuplicate(ctx, "SM1")
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestRouter_RejectsInvalidSender(t *testing.T) {
	r := NewRouter(NewTwilioService(twiliowhatsapp.NewMockClient()), &recordingHandler{})
	assert.Error(t, r.Submit(context.Background(), models.InboundMessage{From: "??", Text: "x"}))
}

func TestRouter_ReadsServiceResponses(t *testing.T) {
	h := &recordingHandler{}
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	r := NewRouter(svc, h, WithDefaultFlow("welcome"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	rec := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rec, webhookRequest(url.Values{
		"From": {"whatsapp:+5511999990000"}, "Body": {"Olá"}, "MessageSid": {"SM7"},
	}))

	assert.Eventually(t, func() bool { return len(h.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	r.Stop()
	assert.Equal(t, call{"5511999990000", "welcome", "Olá", "5511999990000"}, h.snapshot()[0])

	assert.ErrorIs(t, r.Submit(context.Background(), models.InboundMessage{From: "+5511999990000"}), ErrRouterStopped)
	r.Stop()
}

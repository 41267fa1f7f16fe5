package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.data[key], nil
}

func (m *memStore) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

type memLoader map[string]*models.Flow

func (l memLoader) GetFlow(_ context.Context, id string) (*models.Flow, error) {
	if f, ok := l[id]; ok {
		return f, nil
	}
	return nil, models.ErrFlowNotFound
}

type sentMessage struct {
	to  string
	msg models.OutboundMessage
}

type recordingSender struct {
	mu       sync.Mutex
	sent     []sentMessage
	attempts int
	failures int
	err      error
}

func (s *recordingSender) Send(_ context.Context, to string, msg models.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		if s.err != nil {
			return s.err
		}
		return errors.New("transient send failure")
	}
	s.sent = append(s.sent, sentMessage{to: to, msg: msg})
	return nil
}

func (s *recordingSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		if m.msg.Text != "" {
			out = append(out, m.msg.Text)
		} else {
			out = append(out, m.msg.Caption)
		}
	}
	return out
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.ExecutionEvent
}

func (s *recordingSink) Emit(e models.ExecutionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) outcomes(nodeID string) []models.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Outcome
	for _, e := range s.events {
		if nodeID == "" || e.NodeID == nodeID {
			out = append(out, e.Outcome)
		}
	}
	return out
}

func (s *recordingSink) count(outcome models.Outcome) int {
	n := 0
	for _, o := range s.outcomes("") {
		if o == outcome {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func noSleep(context.Context, time.Duration) error { return nil }

// graph builds a flow from nodes and "source->target[:label]" edges.
func graph(t *testing.T, id string, nodes []models.Node, edges ...models.Edge) *models.Flow {
	t.Helper()
	f, err := models.NewFlow(models.FlowDefinition{ID: id, Nodes: nodes, Edges: edges})
	require.NoError(t, err)
	return f
}

func edge(source, target string) models.Edge { return models.Edge{Source: source, Target: target} }

func labeled(source, target, label string) models.Edge {
	return models.Edge{Source: source, Target: target, Label: label}
}

func startNode(id string) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeStart, Data: &models.StartData{}}
}

func messageNode(id, text string) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeMessage, Data: &models.MessageData{Text: text}}
}

func questionNode(id, text, variable string, rt models.ResponseType) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeQuestion, Data: &models.QuestionData{Text: text, OutputVariable: variable, ResponseType: rt}}
}

func conditionNode(id string, clauses ...models.Clause) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeCondition, Data: &models.ConditionData{Clauses: clauses}}
}

func endNode(id, text string) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeEnd, Data: &models.EndData{Text: text}}
}

func handoffNode(id, text string) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeHandoff, Data: &models.HandoffData{Text: text}}
}

type testEngine struct {
	*Engine
	store  *memStore
	sender *recordingSender
	sink   *recordingSink
	clock  *fakeClock
}

func newTestEngine(loader FlowLoader, opts ...Option) *testEngine {
	te := &testEngine{store: newMemStore(), sender: &recordingSender{}, sink: &recordingSink{}, clock: newFakeClock()}
	base := []Option{WithClock(te.clock.Now), WithSleep(noSleep), WithEventSink(te.sink)}
	te.Engine = NewEngine(loader, te.store, te.sender, append(base, opts...)...)
	return te
}

func (te *testEngine) handle(t *testing.T, conv, flowID, text string) []models.OutboundMessage {
	t.Helper()
	out, err := te.HandleInbound(context.Background(), conv, flowID, text, conv)
	require.NoError(t, err)
	return out
}

func (te *testEngine) state(t *testing.T, conv, flowID string) *models.ConversationState {
	t.Helper()
	st, err := te.State(context.Background(), conv, flowID)
	require.NoError(t, err)
	return st
}

func texts(msgs []models.OutboundMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

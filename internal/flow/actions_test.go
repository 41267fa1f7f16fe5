package flow

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func actionFlow(t *testing.T, required bool, actions ...models.SubAction) *models.Flow {
	return graph(t, "actions",
		[]models.Node{
			startNode("start"),
			{ID: "act", Type: models.NodeTypeAction, Data: &models.ActionData{Actions: actions, Required: required}},
			endNode("end", "count={{count}} status={{status}} id={{ticket}}"),
		},
		edge("start", "act"), edge("act", "end"),
	)
}

func TestAction_WebhookTimeoutContinuesWithNextSubAction(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := actionFlow(t, false,
		models.SubAction{Kind: models.ActionWebhook, URL: srv.URL, TimeoutSeconds: 1, ResponseVariable: "ticket"},
		models.SubAction{Kind: models.ActionIncrementVariable, Variable: "count"},
		models.SubAction{Kind: models.ActionSetVariable, Variable: "status", Value: "done"},
	)
	te := newTestEngine(memLoader{"actions": f})

	start := time.Now()
	out := te.handle(t, "c1", "actions", "hi")

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []string{"count=1 status=done id="}, texts(out))
	assert.Equal(t, models.StatusCompleted, te.state(t, "c1", "actions").Status)
}

func TestAction_WebhookCapturesResponsePath(t *testing.T) {
	var gotBody, gotAuth, gotMethod, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody, gotAuth, gotMethod, gotType = string(b), r.Header.Get("Authorization"), r.Method, r.Header.Get("Content-Type")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":{"id":42,"tags":["a","b"]}}`)
	}))
	defer srv.Close()

	f := actionFlow(t, true,
		models.SubAction{Kind: models.ActionSetVariable, Variable: "status", Value: "new"},
		models.SubAction{
			Kind:             models.ActionWebhook,
			URL:              srv.URL + "/tickets",
			Headers:          map[string]string{"Authorization": "Bearer {{token}}"},
			Body:             `{"status":"{{status}}"}`,
			ResponseVariable: "ticket",
			ResponsePath:     "$.data.id",
		},
	)
	te := newTestEngine(memLoader{"actions": f})
	te.handle(t, "c1", "actions", "hi")

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, `{"status":"new"}`, gotBody)
	assert.Equal(t, "Bearer ", gotAuth)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "42", te.state(t, "c1", "actions").Variables["ticket"])
}

func TestAction_RequiredFailureHandsOff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := actionFlow(t, true,
		models.SubAction{Kind: models.ActionWebhook, URL: srv.URL},
		models.SubAction{Kind: models.ActionSetVariable, Variable: "status", Value: "unreachable"},
	)
	te := newTestEngine(memLoader{"actions": f})

	out := te.handle(t, "c1", "actions", "hi")

	assert.Equal(t, []string{DefaultGuardMessages().Unavailable}, texts(out))
	st := te.state(t, "c1", "actions")
	assert.Equal(t, models.StatusHandedOff, st.Status)
	assert.Empty(t, st.Variables["status"])
	assert.Contains(t, st.Handoff.Reason, models.ErrExternalCallFailed.Error())
}

type fakeContacts struct{ fields map[string]string }

func (f *fakeContacts) UpdateContact(_ context.Context, _ string, fields map[string]string) error {
	f.fields = fields
	return nil
}

type fakeGenerator struct {
	system, prompt string
	err            error
}

func (f *fakeGenerator) GenerateText(_ context.Context, system, prompt string) (string, error) {
	f.system, f.prompt = system, prompt
	return "generated", f.err
}

func TestActionRunner_VariableActions(t *testing.T) {
	contacts := &fakeContacts{}
	gen := &fakeGenerator{}
	r := &actionRunner{contacts: contacts, generator: gen}
	st := models.NewConversationState("c1", "f", time.Now())
	st.Variables["name"] = "Ana"
	st.Variables["count"] = "2.5"
	amount := 2.0

	failures := r.run(context.Background(), st, models.Node{ID: "act"}, &models.ActionData{Actions: []models.SubAction{
		{Kind: models.ActionAppendVariable, Variable: "tags", Value: "new"},
		{Kind: models.ActionAppendVariable, Variable: "tags", Value: "vip", Separator: "|"},
		{Kind: models.ActionIncrementVariable, Variable: "count", Amount: &amount},
		{Kind: models.ActionIncrementVariable, Variable: "name"},
		{Kind: models.ActionUpdateContact, Fields: map[string]string{"first_name": "{{name}}"}},
		{Kind: models.ActionGenerateText, Variable: "reply", SystemPrompt: "Be brief", Prompt: "Greet {{name}}"},
		{Kind: models.ActionWebhook, URL: "http://example.invalid"},
	}})

	require.Len(t, failures, 2)
	for _, err := range failures {
		assert.True(t, errors.Is(err, models.ErrExternalCallFailed))
	}
	assert.Equal(t, "new|vip", st.Variables["tags"])
	assert.Equal(t, "4.5", st.Variables["count"])
	assert.Equal(t, "Ana", st.Variables["contact.first_name"])
	assert.Equal(t, map[string]string{"first_name": "Ana"}, contacts.fields)
	assert.Equal(t, "generated", st.Variables["reply"])
	assert.Equal(t, "Greet Ana", gen.prompt)
	assert.Equal(t, "Be brief", gen.system)
}

func TestActionRunner_GenerateTextWithoutGenerator(t *testing.T) {
	r := &actionRunner{}
	st := models.NewConversationState("c1", "f", time.Now())
	failures := r.run(context.Background(), st, models.Node{ID: "act"}, &models.ActionData{Actions: []models.SubAction{
		{Kind: models.ActionGenerateText, Variable: "reply", Prompt: "hi"},
	}})
	require.Len(t, failures, 1)
	assert.Empty(t, st.Variables["reply"])
}

func TestLookupJSONPath(t *testing.T) {
	doc := []byte(`{"user":{"name":"Ana","age":31,"active":true,"roles":["admin"]}}`)

	v, err := lookupJSONPath(doc, "$.user.name")
	require.NoError(t, err)
	assert.Equal(t, "Ana", v)

	v, err = lookupJSONPath(doc, "user.age")
	require.NoError(t, err)
	assert.Equal(t, "31", v)

	v, err = lookupJSONPath(doc, "$.user.active")
	require.NoError(t, err)
	assert.Equal(t, "true", v)

	v, err = lookupJSONPath(doc, "$.user.roles")
	require.NoError(t, err)
	assert.Equal(t, `["admin"]`, v)

	_, err = lookupJSONPath([]byte("not json"), "$.x")
	assert.Error(t, err)
}

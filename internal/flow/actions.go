package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oliveagle/jsonpath"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// maxWebhookResponseBytes limits how much of a webhook response is read.
const maxWebhookResponseBytes = 1 << 20

// HTTPDoer performs webhook requests. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ContactUpdater persists contact fields collected by update_contact sub-actions.
type ContactUpdater interface {
	UpdateContact(ctx context.Context, conversationID string, fields map[string]string) error
}

// TextGenerator produces text for generate_text sub-actions.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, prompt string) (string, error)
}

// actionRunner executes the sub-actions of action nodes.
type actionRunner struct {
	http      HTTPDoer
	contacts  ContactUpdater
	generator TextGenerator
}

// run executes every sub-action in order. Failures are logged and skipped, except
// for required actions where the first failure stops the node.
func (r *actionRunner) run(ctx context.Context, state *models.ConversationState, node models.Node, data *models.ActionData) []error {
	var failures []error
	for i, sa := range data.Actions {
		if err := r.runOne(ctx, state, sa); err != nil {
			err = fmt.Errorf("%w: %s action %d: %v", models.ErrExternalCallFailed, sa.Kind, i, err)
			slog.Warn("Engine action failed", "conversationID", state.ConversationID, "nodeID", node.ID, "action", sa.Kind, "error", err)
			failures = append(failures, err)
			if data.Required {
				return failures
			}
		}
	}
	return failures
}

func (r *actionRunner) runOne(ctx context.Context, state *models.ConversationState, sa models.SubAction) error {
	vars := state.Variables
	switch sa.Kind {
	case models.ActionWebhook:
		return r.webhook(ctx, state, sa)
	case models.ActionSetVariable:
		vars[sa.Variable] = Resolve(sa.Value, vars)
		return nil
	case models.ActionAppendVariable:
		value := Resolve(sa.Value, vars)
		sep := sa.Separator
		if sep == "" {
			sep = ","
		}
		if cur := vars[sa.Variable]; cur != "" {
			value = cur + sep + value
		}
		vars[sa.Variable] = value
		return nil
	case models.ActionIncrementVariable:
		return increment(vars, sa)
	case models.ActionUpdateContact:
		fields := resolveMap(sa.Fields, vars)
		for k, v := range fields {
			vars["contact."+k] = v
		}
		if r.contacts == nil {
			return nil
		}
		return r.contacts.UpdateContact(ctx, state.ConversationID, fields)
	case models.ActionGenerateText:
		if r.generator == nil {
			return errors.New("no text generator configured")
		}
		text, err := r.generator.GenerateText(ctx, Resolve(sa.SystemPrompt, vars), Resolve(sa.Prompt, vars))
		if err != nil {
			return err
		}
		vars[sa.Variable] = text
		return nil
	}
	return fmt.Errorf("unknown action type %q", sa.Kind)
}

func increment(vars map[string]string, sa models.SubAction) error {
	amount := 1.0
	if sa.Amount != nil {
		amount = *sa.Amount
	}
	current := 0.0
	if raw := strings.TrimSpace(vars[sa.Variable]); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("variable %q is not numeric: %q", sa.Variable, raw)
		}
		current = v
	}
	vars[sa.Variable] = strconv.FormatFloat(current+amount, 'f', -1, 64)
	return nil
}

func (r *actionRunner) webhook(ctx context.Context, state *models.ConversationState, sa models.SubAction) error {
	if r.http == nil {
		return errors.New("no HTTP client configured")
	}
	vars := state.Variables

	timeout := time.Duration(sa.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = models.DefaultWebhookTimeoutSeconds * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := Resolve(sa.Body, vars)
	method := strings.ToUpper(strings.TrimSpace(sa.Method))
	if method == "" {
		method = http.MethodGet
		if body != "" {
			method = http.MethodPost
		}
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, Resolve(sa.URL, vars), reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range resolveMap(sa.Headers, vars) {
		req.Header.Set(k, v)
	}

	slog.Debug("Engine webhook request", "conversationID", state.ConversationID, "method", method, "url", req.URL.String())
	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if sa.ResponseVariable == "" {
		return nil
	}

	if sa.ResponsePath == "" {
		vars[sa.ResponseVariable] = strings.TrimSpace(string(payload))
		return nil
	}
	value, err := lookupJSONPath(payload, sa.ResponsePath)
	if err != nil {
		return err
	}
	vars[sa.ResponseVariable] = value
	return nil
}

// lookupJSONPath extracts path from a JSON document and renders it as a string.
func lookupJSONPath(payload []byte, path string) (string, error) {
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "", fmt.Errorf("response is not JSON: %w", err)
	}
	if !strings.HasPrefix(path, "$") {
		path = "$." + strings.TrimPrefix(path, ".")
	}
	value, err := jsonpath.JsonPathLookup(doc, path)
	if err != nil {
		return "", fmt.Errorf("response path %s: %w", path, err)
	}
	return stringify(value), nil
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

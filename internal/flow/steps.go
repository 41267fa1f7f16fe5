package flow

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// OptionFormat renders one entry of a question's option list.
const OptionFormat = "\n%d. %s"

// stepResult tells the traversal loop where to go after a node executed.
// An empty next without halt is an implicit end.
type stepResult struct {
	next   string
	halt   bool
	detail string
}

// step is the behavior of one node type.
type step interface {
	execute(r *run, node models.Node) (stepResult, error)
}

type (
	startStep     struct{}
	messageStep   struct{ data *models.MessageData }
	questionStep  struct{ data *models.QuestionData }
	conditionStep struct{ data *models.ConditionData }
	actionStep    struct{ data *models.ActionData }
	delayStep     struct{ data *models.DelayData }
	jumpStep      struct{ data *models.JumpData }
	handoffStep   struct{ data *models.HandoffData }
	endStep       struct{ data *models.EndData }
)

// stepFor maps a node payload to its step. Node payloads are a closed set, so an
// unknown payload only happens for hand-built nodes that bypassed models.NewFlow.
func stepFor(node models.Node) (step, error) {
	switch d := node.Data.(type) {
	case *models.StartData:
		return startStep{}, nil
	case *models.MessageData:
		return messageStep{d}, nil
	case *models.QuestionData:
		return questionStep{d}, nil
	case *models.ConditionData:
		return conditionStep{d}, nil
	case *models.ActionData:
		return actionStep{d}, nil
	case *models.DelayData:
		return delayStep{d}, nil
	case *models.JumpData:
		return jumpStep{d}, nil
	case *models.HandoffData:
		return handoffStep{d}, nil
	case *models.EndData:
		return endStep{d}, nil
	}
	return nil, &models.MalformedFlowError{Reason: fmt.Sprintf("node %q has no executable payload", node.ID)}
}

func (startStep) execute(r *run, node models.Node) (stepResult, error) {
	return stepResult{next: singleEdge(r.flow, node.ID)}, nil
}

func (s messageStep) execute(r *run, node models.Node) (stepResult, error) {
	r.sendContent(node, Resolve(s.data.Text, r.state.Variables), s.data.Media)
	return stepResult{next: singleEdge(r.flow, node.ID)}, nil
}

func (s questionStep) execute(r *run, node models.Node) (stepResult, error) {
	r.sendContent(node, renderPrompt(s.data, r.state.Variables), s.data.Media)
	r.state.AwaitingInput = true
	r.state.LastPromptedAt = r.now
	delete(r.state.RetryCounts, node.ID)
	return stepResult{halt: true, detail: "awaiting input"}, nil
}

func (s conditionStep) execute(r *run, node models.Node) (stepResult, error) {
	result := Evaluate(s.data, r.state.Variables)
	return stepResult{next: conditionEdge(r.flow, node.ID, result), detail: strconv.FormatBool(result)}, nil
}

func (s actionStep) execute(r *run, node models.Node) (stepResult, error) {
	failures := r.engine.actions.run(r.ctx, r.state, node, s.data)
	if len(failures) > 0 && s.data.Required {
		return stepResult{}, failures[0]
	}
	res := stepResult{next: singleEdge(r.flow, node.ID)}
	if len(failures) > 0 {
		res.detail = fmt.Sprintf("%d of %d actions failed", len(failures), len(s.data.Actions))
	}
	return res, nil
}

func (s delayStep) execute(r *run, node models.Node) (stepResult, error) {
	if text := Resolve(s.data.Text, r.state.Variables); text != "" {
		r.send(node, models.TextMessage(text))
	}
	next := singleEdge(r.flow, node.ID)
	pause := time.Duration(s.data.Pause()) * time.Second
	if next == "" || pause == 0 {
		return stepResult{next: next}, nil
	}

	resumeAt := r.now.Add(pause)
	r.state.CurrentNodeID = next
	r.state.ResumeAt = &resumeAt
	r.resumeAfter = pause
	if r.engine.timer == nil {
		return stepResult{halt: true, detail: "sleeping"}, nil
	}
	return stepResult{halt: true, detail: "resume scheduled"}, nil
}

func (s jumpStep) execute(r *run, node models.Node) (stepResult, error) {
	target := s.data.TargetFlowID
	if target == "" || target == r.flow.ID() {
		if s.data.TargetNodeID == "" {
			return stepResult{next: r.flow.EntryNodeID()}, nil
		}
		return stepResult{next: s.data.TargetNodeID}, nil
	}

	fl, err := r.engine.loader.GetFlow(r.ctx, target)
	if err != nil {
		return stepResult{}, fmt.Errorf("jump %q to flow %q: %w", node.ID, target, err)
	}
	next := fl.EntryNodeID()
	if s.data.TargetNodeID != "" {
		if !fl.HasNode(s.data.TargetNodeID) {
			return stepResult{}, &models.MalformedFlowError{FlowID: target, Reason: fmt.Sprintf("jump target node %q does not exist", s.data.TargetNodeID)}
		}
		next = s.data.TargetNodeID
	}
	slog.Info("Engine switching flow", "conversationID", r.state.ConversationID, "from", r.flow.ID(), "to", fl.ID(), "node", next)
	r.flow = fl
	r.state.FlowID = fl.ID()
	return stepResult{next: next, detail: "flow " + fl.ID()}, nil
}

func (s handoffStep) execute(r *run, node models.Node) (stepResult, error) {
	priority := s.data.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	r.handoff(node, priority, s.data.Queue, "handoff node", Resolve(s.data.Text, r.state.Variables))
	return stepResult{halt: true}, nil
}

func (s endStep) execute(r *run, node models.Node) (stepResult, error) {
	if text := Resolve(s.data.Text, r.state.Variables); text != "" {
		r.send(node, models.TextMessage(text))
	}
	r.complete()
	return stepResult{halt: true}, nil
}

// renderPrompt resolves the question text and appends the numbered option list.
func renderPrompt(q *models.QuestionData, vars map[string]string) string {
	var b strings.Builder
	b.WriteString(Resolve(q.Text, vars))
	for i, opt := range q.Options {
		fmt.Fprintf(&b, OptionFormat, i+1, Resolve(optionLabel(opt), vars))
	}
	return b.String()
}

// singleEdge follows the first unlabeled edge, falling back to the first edge.
func singleEdge(fl *models.Flow, nodeID string) string {
	edges := fl.OutgoingEdges(nodeID)
	for _, e := range edges {
		if e.Unlabeled() {
			return e.Target
		}
	}
	if len(edges) > 0 {
		return edges[0].Target
	}
	return ""
}

// conditionEdge follows the edge labeled with the result, else the unlabeled edge.
func conditionEdge(fl *models.Flow, nodeID string, result bool) string {
	edges := fl.OutgoingEdges(nodeID)
	label := strconv.FormatBool(result)
	for _, e := range edges {
		if e.Matches(label) {
			return e.Target
		}
	}
	for _, e := range edges {
		if e.Unlabeled() {
			return e.Target
		}
	}
	return ""
}

// answerEdge follows the edge labeled with one of the answer's forms, else the unlabeled
// edge, else a "default" edge, else the only edge.
func answerEdge(fl *models.Flow, nodeID string, answers ...string) string {
	edges := fl.OutgoingEdges(nodeID)
	for _, answer := range answers {
		if answer == "" {
			continue
		}
		for _, e := range edges {
			if !e.Unlabeled() && e.Matches(answer) {
				return e.Target
			}
		}
	}
	for _, e := range edges {
		if e.Unlabeled() {
			return e.Target
		}
	}
	for _, e := range edges {
		if e.Matches("default") {
			return e.Target
		}
	}
	if len(edges) == 1 {
		return edges[0].Target
	}
	return ""
}

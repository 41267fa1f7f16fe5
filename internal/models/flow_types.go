// Package models defines the flow graph, conversation state and message types shared across FlowPipe.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// NodeType is the tag of a node in a flow graph.
type NodeType string

// Node type constants.
const (
	NodeTypeStart     NodeType = "start"
	NodeTypeMessage   NodeType = "message"
	NodeTypeQuestion  NodeType = "question"
	NodeTypeCondition NodeType = "condition"
	NodeTypeAction    NodeType = "action"
	NodeTypeHandoff   NodeType = "handoff"
	NodeTypeDelay     NodeType = "delay"
	NodeTypeJump      NodeType = "jump"
	NodeTypeEnd       NodeType = "end"
)

// ResponseType is the kind of answer a question node expects.
type ResponseType string

// Response type constants.
const (
	ResponseTypeText    ResponseType = "text"
	ResponseTypeNumber  ResponseType = "number"
	ResponseTypeEmail   ResponseType = "email"
	ResponseTypePhone   ResponseType = "phone"
	ResponseTypeOptions ResponseType = "options"
)

// LogicOperator combines the clauses of a condition node.
type LogicOperator string

const (
	LogicAnd LogicOperator = "AND"
	LogicOr  LogicOperator = "OR"
)

// ActionKind identifies a sub-action of an action node.
type ActionKind string

const (
	ActionWebhook           ActionKind = "webhook"
	ActionSetVariable       ActionKind = "set_variable"
	ActionAppendVariable    ActionKind = "append_variable"
	ActionIncrementVariable ActionKind = "increment_variable"
	ActionUpdateContact     ActionKind = "update_contact"
	ActionGenerateText      ActionKind = "generate_text"
)

// Priority is the urgency attached to a handoff.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Node defaults
const (
	// DefaultMaxAttempts is the number of invalid replies a question tolerates before advancing.
	DefaultMaxAttempts = 3
	// MaxDelaySeconds caps the pause of a delay node.
	MaxDelaySeconds = 60
	// DefaultWebhookTimeoutSeconds applies to webhook sub-actions without an explicit timeout.
	DefaultWebhookTimeoutSeconds = 10
)

// NodeData is the type-specific payload of a node. The set of implementations is closed:
// one per NodeType, all declared in this package.
type NodeData interface {
	NodeType() NodeType
	validate() error
}

// Media describes an attachment sent with a message or question.
type Media struct {
	Type     MessageType `json:"type" yaml:"type"`
	URL      string      `json:"url" yaml:"url"`
	Caption  string      `json:"caption,omitempty" yaml:"caption,omitempty"`
	Filename string      `json:"filename,omitempty" yaml:"filename,omitempty"`
}

// StartData marks the entry of a flow.
type StartData struct{}

// MessageData sends a text and/or media message.
type MessageData struct {
	Text  string `json:"text,omitempty"`
	Media *Media `json:"media,omitempty"`
}

// Option is a fixed choice offered by a question.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// QuestionData renders a prompt and suspends until the participant answers.
type QuestionData struct {
	Text           string       `json:"text"`
	OutputVariable string       `json:"output_variable"`
	ResponseType   ResponseType `json:"response_type"`
	Options        []Option     `json:"options,omitempty"`
	Required       *bool        `json:"required,omitempty"`
	MaxAttempts    int          `json:"max_attempts,omitempty"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	DefaultValue   string       `json:"default_value,omitempty"`
	Media          *Media       `json:"media,omitempty"`
}

// IsRequired reports whether an empty answer is rejected. Questions are required unless told otherwise.
func (q *QuestionData) IsRequired() bool {
	return q.Required == nil || *q.Required
}

// Attempts returns the configured attempt ceiling.
func (q *QuestionData) Attempts() int {
	if q.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return q.MaxAttempts
}

// Clause is one comparison of a condition node.
type Clause struct {
	Variable string `json:"variable"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// ConditionData branches on collected variables.
type ConditionData struct {
	Clauses       []Clause      `json:"clauses"`
	LogicOperator LogicOperator `json:"logic_operator,omitempty"`
}

// Logic returns the normalized logic operator, AND when unset.
func (c *ConditionData) Logic() LogicOperator {
	if LogicOperator(strings.ToUpper(string(c.LogicOperator))) == LogicOr {
		return LogicOr
	}
	return LogicAnd
}

// SubAction is one step of an action node. Which fields apply depends on Kind.
type SubAction struct {
	Kind ActionKind `json:"type"`

	Method           string            `json:"method,omitempty"`
	URL              string            `json:"url,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	Body             string            `json:"body,omitempty"`
	TimeoutSeconds   int               `json:"timeout_seconds,omitempty"`
	ResponseVariable string            `json:"response_variable,omitempty"`
	ResponsePath     string            `json:"response_path,omitempty"`

	Variable  string   `json:"variable,omitempty"`
	Value     string   `json:"value,omitempty"`
	Separator string   `json:"separator,omitempty"`
	Amount    *float64 `json:"amount,omitempty"`

	Fields map[string]string `json:"fields,omitempty"`

	SystemPrompt string `json:"system_prompt,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
}

// ActionData runs sub-actions in order. When Required is set any failing sub-action aborts the flow.
type ActionData struct {
	Actions  []SubAction `json:"actions"`
	Required bool        `json:"required,omitempty"`
}

// DelayData pauses traversal, optionally after a filler message.
type DelayData struct {
	Seconds int    `json:"seconds"`
	Text    string `json:"text,omitempty"`
}

// Pause returns the delay in seconds after applying the cap.
func (d *DelayData) Pause() int {
	switch {
	case d.Seconds < 0:
		return 0
	case d.Seconds > MaxDelaySeconds:
		return MaxDelaySeconds
	}
	return d.Seconds
}

// JumpData moves traversal to another node or to another flow.
type JumpData struct {
	TargetNodeID string `json:"target_node_id,omitempty"`
	TargetFlowID string `json:"target_flow_id,omitempty"`
}

// HandoffData transfers the conversation to a human operator.
type HandoffData struct {
	Text     string   `json:"text,omitempty"`
	Priority Priority `json:"priority,omitempty"`
	Queue    string   `json:"queue,omitempty"`
}

// EndData terminates the flow.
type EndData struct {
	Text string `json:"text,omitempty"`
}

func (*StartData) NodeType() NodeType     { return NodeTypeStart }
func (*MessageData) NodeType() NodeType   { return NodeTypeMessage }
func (*QuestionData) NodeType() NodeType  { return NodeTypeQuestion }
func (*ConditionData) NodeType() NodeType { return NodeTypeCondition }
func (*ActionData) NodeType() NodeType    { return NodeTypeAction }
func (*DelayData) NodeType() NodeType     { return NodeTypeDelay }
func (*JumpData) NodeType() NodeType      { return NodeTypeJump }
func (*HandoffData) NodeType() NodeType   { return NodeTypeHandoff }
func (*EndData) NodeType() NodeType       { return NodeTypeEnd }

func (*StartData) validate() error   { return nil }
func (*MessageData) validate() error { return nil }
func (*DelayData) validate() error   { return nil }
func (*HandoffData) validate() error { return nil }
func (*EndData) validate() error     { return nil }

func (q *QuestionData) validate() error {
	if q.OutputVariable == "" {
		return fmt.Errorf("question requires output_variable")
	}
	switch q.ResponseType {
	case ResponseTypeText, ResponseTypeNumber, ResponseTypeEmail, ResponseTypePhone:
	case ResponseTypeOptions:
		if len(q.Options) == 0 {
			return fmt.Errorf("options question requires at least one option")
		}
	case "":
		return fmt.Errorf("question requires response_type")
	default:
		return fmt.Errorf("unknown response_type %q", q.ResponseType)
	}
	return nil
}

func (c *ConditionData) validate() error {
	if len(c.Clauses) == 0 {
		return fmt.Errorf("condition requires at least one clause")
	}
	switch LogicOperator(strings.ToUpper(string(c.LogicOperator))) {
	case "", LogicAnd, LogicOr:
	default:
		return fmt.Errorf("unknown logic_operator %q", c.LogicOperator)
	}
	for i, cl := range c.Clauses {
		if cl.Variable == "" {
			return fmt.Errorf("clause %d has no variable", i)
		}
	}
	return nil
}

func (a *ActionData) validate() error {
	for i, sa := range a.Actions {
		switch sa.Kind {
		case ActionWebhook:
			if sa.URL == "" {
				return fmt.Errorf("webhook action %d requires url", i)
			}
		case ActionSetVariable, ActionAppendVariable, ActionIncrementVariable:
			if sa.Variable == "" {
				return fmt.Errorf("%s action %d requires variable", sa.Kind, i)
			}
		case ActionUpdateContact:
		case ActionGenerateText:
			if sa.Variable == "" || sa.Prompt == "" {
				return fmt.Errorf("generate_text action %d requires variable and prompt", i)
			}
		default:
			return fmt.Errorf("unknown action type %q", sa.Kind)
		}
	}
	return nil
}

func (j *JumpData) validate() error {
	if j.TargetNodeID == "" && j.TargetFlowID == "" {
		return fmt.Errorf("jump requires target_node_id or target_flow_id")
	}
	return nil
}

// newNodeData returns an empty payload for the given node type.
func newNodeData(t NodeType) (NodeData, error) {
	switch t {
	case NodeTypeStart:
		return &StartData{}, nil
	case NodeTypeMessage:
		return &MessageData{}, nil
	case NodeTypeQuestion:
		return &QuestionData{}, nil
	case NodeTypeCondition:
		return &ConditionData{}, nil
	case NodeTypeAction:
		return &ActionData{}, nil
	case NodeTypeDelay:
		return &DelayData{}, nil
	case NodeTypeJump:
		return &JumpData{}, nil
	case NodeTypeHandoff:
		return &HandoffData{}, nil
	case NodeTypeEnd:
		return &EndData{}, nil
	}
	return nil, fmt.Errorf("unknown node type %q", t)
}

// Node is one step of a flow.
type Node struct {
	ID   string
	Type NodeType
	Data NodeData
}

type rawNode struct {
	ID   string          `json:"id"`
	Type NodeType        `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON decodes the payload according to the node type.
func (n *Node) UnmarshalJSON(b []byte) error {
	var raw rawNode
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	data, err := newNodeData(raw.Type)
	if err != nil {
		return fmt.Errorf("node %q: %w", raw.ID, err)
	}
	if len(raw.Data) > 0 && string(raw.Data) != "null" {
		if err := json.Unmarshal(raw.Data, data); err != nil {
			return fmt.Errorf("node %q: invalid %s data: %w", raw.ID, raw.Type, err)
		}
	}
	n.ID, n.Type, n.Data = raw.ID, raw.Type, data
	return nil
}

// MarshalJSON encodes the node with its payload under "data".
func (n Node) MarshalJSON() ([]byte, error) {
	var data json.RawMessage
	if n.Data != nil {
		b, err := json.Marshal(n.Data)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(rawNode{ID: n.ID, Type: n.Type, Data: data})
}

// Edge is a directed, optionally labeled connection between two nodes.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// UnmarshalJSON accepts both short and editor-style field names.
func (e *Edge) UnmarshalJSON(b []byte) error {
	var raw struct {
		Source       string `json:"source"`
		Target       string `json:"target"`
		SourceNodeID string `json:"source_node_id"`
		TargetNodeID string `json:"target_node_id"`
		Label        Scalar `json:"label"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.Source, e.Target, e.Label = raw.Source, raw.Target, string(raw.Label)
	if e.Source == "" {
		e.Source = raw.SourceNodeID
	}
	if e.Target == "" {
		e.Target = raw.TargetNodeID
	}
	return nil
}

// Unlabeled reports whether the edge carries no label.
func (e Edge) Unlabeled() bool {
	return strings.TrimSpace(e.Label) == ""
}

// Matches reports whether the edge label equals label, ignoring case and surrounding space.
func (e Edge) Matches(label string) bool {
	return strings.EqualFold(strings.TrimSpace(e.Label), strings.TrimSpace(label))
}

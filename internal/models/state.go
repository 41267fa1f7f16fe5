package models

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle status of a conversation state.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusHandedOff SessionStatus = "handed_off"
	StatusExpired   SessionStatus = "expired"
)

// ExecutionPathCapacity is the number of node visits remembered for loop detection.
const ExecutionPathCapacity = 50

// ExecutionPath is a fixed-capacity ring of the most recent node visits.
type ExecutionPath struct {
	buf  [ExecutionPathCapacity]string
	next int
	size int
}

// Push records a visit, evicting the oldest one when full.
func (p *ExecutionPath) Push(nodeID string) {
	p.buf[p.next] = nodeID
	p.next = (p.next + 1) % ExecutionPathCapacity
	if p.size < ExecutionPathCapacity {
		p.size++
	}
}

// Count returns how many times nodeID appears in the window.
func (p *ExecutionPath) Count(nodeID string) int {
	n := 0
	for _, id := range p.IDs() {
		if id == nodeID {
			n++
		}
	}
	return n
}

// Len returns the number of remembered visits.
func (p *ExecutionPath) Len() int { return p.size }

// IDs returns the remembered visits, oldest first.
func (p *ExecutionPath) IDs() []string {
	out := make([]string, 0, p.size)
	start := (p.next - p.size + ExecutionPathCapacity) % ExecutionPathCapacity
	for i := 0; i < p.size; i++ {
		out = append(out, p.buf[(start+i)%ExecutionPathCapacity])
	}
	return out
}

// MarshalJSON encodes the path as a plain list, oldest first.
func (p ExecutionPath) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.IDs())
}

// UnmarshalJSON restores the path, keeping only the newest entries that fit.
func (p *ExecutionPath) UnmarshalJSON(b []byte) error {
	var ids []string
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	*p = ExecutionPath{}
	for _, id := range ids {
		p.Push(id)
	}
	return nil
}

// Handoff records why and how a conversation was routed to a human.
type Handoff struct {
	Priority Priority  `json:"priority"`
	Queue    string    `json:"queue,omitempty"`
	Reason   string    `json:"reason"`
	NodeID   string    `json:"node_id,omitempty"`
	At       time.Time `json:"at"`
}

// ConversationState is the persisted progress of one conversation through a flow.
// An empty CurrentNodeID means the flow has not started yet.
type ConversationState struct {
	ConversationID string            `json:"conversation_id"`
	FlowID         string            `json:"flow_id"`
	RootFlowID     string            `json:"root_flow_id"`
	CurrentNodeID  string            `json:"current_node_id,omitempty"`
	Variables      map[string]string `json:"variables"`
	ExecutionPath  ExecutionPath     `json:"execution_path"`
	RetryCounts    map[string]int    `json:"retry_counts"`
	LastPromptedAt time.Time         `json:"last_prompted_at"`
	AwaitingInput  bool              `json:"awaiting_input"`
	ResumeAt       *time.Time        `json:"resume_at,omitempty"`
	Status         SessionStatus     `json:"status"`
	Handoff        *Handoff          `json:"handoff,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NewConversationState returns a fresh, not yet started, active state.
func NewConversationState(conversationID, flowID string, now time.Time) *ConversationState {
	return &ConversationState{
		ConversationID: conversationID,
		FlowID:         flowID,
		RootFlowID:     flowID,
		Variables:      make(map[string]string),
		RetryCounts:    make(map[string]int),
		Status:         StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Started reports whether traversal has begun.
func (s *ConversationState) Started() bool {
	return s.CurrentNodeID != ""
}

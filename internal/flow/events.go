package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// EventSink receives execution events. Emit must not block.
type EventSink interface {
	Emit(event models.ExecutionEvent)
}

// LogSink writes events to the default slog logger.
type LogSink struct{}

// Emit logs the event at debug level, or warn for non-success outcomes.
func (LogSink) Emit(e models.ExecutionEvent) {
	level := slog.LevelDebug
	if e.Outcome != models.OutcomeSuccess {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "ExecutionEvent", "conversationID", e.ConversationID, "flowID", e.FlowID,
		"nodeID", e.NodeID, "nodeType", e.NodeType, "outcome", e.Outcome, "detail", e.Detail)
}

// MultiSink fans events out to several sinks.
type MultiSink []EventSink

// Emit forwards e to every sink.
func (m MultiSink) Emit(e models.ExecutionEvent) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// newEvent stamps an event with a fresh id.
func newEvent(conversationID, flowID string, node models.Node, outcome models.Outcome, detail string, now time.Time) models.ExecutionEvent {
	return models.ExecutionEvent{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		FlowID:         flowID,
		NodeID:         node.ID,
		NodeType:       node.Type,
		Outcome:        outcome,
		Detail:         detail,
		Timestamp:      now,
	}
}

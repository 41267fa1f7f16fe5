package models

import "time"

// MessageType enumerates the outbound message kinds a channel must support.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeDocument MessageType = "document"
	MessageTypeAudio    MessageType = "audio"
)

// IsMedia reports whether the type carries an attachment.
func (t MessageType) IsMedia() bool {
	switch t {
	case MessageTypeImage, MessageTypeVideo, MessageTypeDocument, MessageTypeAudio:
		return true
	}
	return false
}

// OutboundMessage is a resolved message ready for delivery.
type OutboundMessage struct {
	Type     MessageType `json:"type"`
	Text     string      `json:"text,omitempty"`
	MediaURL string      `json:"media_url,omitempty"`
	Caption  string      `json:"caption,omitempty"`
	Filename string      `json:"filename,omitempty"`
}

// TextMessage builds a text message.
func TextMessage(text string) OutboundMessage {
	return OutboundMessage{Type: MessageTypeText, Text: text}
}

// InboundMessage is a participant message received from a channel.
type InboundMessage struct {
	ID   string `json:"id,omitempty"`
	From string `json:"from"`
	Text string `json:"text"`
	Time int64  `json:"time"`
}

// Outcome classifies the result of executing a node.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeValidationFailed Outcome = "validation_failed"
	OutcomeRetryExhausted   Outcome = "retry_exhausted"
	OutcomeLoopDetected     Outcome = "loop_detected"
	OutcomeTimeout          Outcome = "timeout"
	OutcomeDispatchFailed   Outcome = "dispatch_failed"
)

// ExecutionEvent is emitted for observability and never persisted by the engine.
type ExecutionEvent struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	FlowID         string    `json:"flow_id"`
	NodeID         string    `json:"node_id"`
	NodeType       NodeType  `json:"node_type"`
	Outcome        Outcome   `json:"outcome"`
	Detail         string    `json:"detail,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

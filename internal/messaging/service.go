// Package messaging connects FlowPipe to chat channels: outbound delivery, inbound events,
// and the router that feeds inbound messages to the flow engine.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Constants for channel services
const (
	// DefaultChannelBufferSize defines the default buffer size for response channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
	// MinPhoneDigits is the shortest accepted recipient number
	MinPhoneDigits = 6
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// Send delivers one message to the recipient named by channelRef.
	Send(ctx context.Context, channelRef string, msg models.OutboundMessage) error

	// Start begins any background processing (e.g., listening for events).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the Responses channel.
	Stop() error

	// Responses returns a channel of incoming participant messages.
	Responses() <-chan models.InboundMessage
}

// CanonicalizePhoneNumber strips every non-digit and requires at least MinPhoneDigits digits.
func CanonicalizePhoneNumber(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < MinPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, MinPhoneDigits)
	}
	return canonical, nil
}

// responseQueue is the Responses channel of a service, safe to emit into after Stop.
type responseQueue struct {
	mu      sync.RWMutex
	ch      chan models.InboundMessage
	stopped bool
}

func newResponseQueue() *responseQueue {
	return &responseQueue{ch: make(chan models.InboundMessage, DefaultChannelBufferSize)}
}

// emit forwards msg, dropping it when the queue stays full for DefaultChannelTimeout.
func (q *responseQueue) emit(component string, msg models.InboundMessage) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		slog.Warn(component+" dropping inbound message (service stopped)", "from", msg.From)
		return false
	}
	select {
	case q.ch <- msg:
		slog.Debug(component+" emitted inbound message", "from", msg.From, "id", msg.ID)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(component+" responses channel blocked, dropping message", "from", msg.From, "timeout", DefaultChannelTimeout)
		return false
	}
}

func (q *responseQueue) isStopped() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.stopped
}

// close marks the queue stopped and closes the channel once.
func (q *responseQueue) close() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return false
	}
	q.stopped = true
	close(q.ch)
	return true
}

// LogService logs outbound messages instead of delivering them. It backs deployments where
// conversations only arrive through the JSON inbound endpoint.
type LogService struct {
	responses *responseQueue
}

var _ Service = (*LogService)(nil)

// NewLogService creates a LogService.
func NewLogService() *LogService {
	return &LogService{responses: newResponseQueue()}
}

// ValidateAndCanonicalizeRecipient accepts any non-empty reference unchanged.
func (s *LogService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	return recipient, nil
}

func (s *LogService) Send(_ context.Context, channelRef string, msg models.OutboundMessage) error {
	if s.responses.isStopped() {
		return ErrServiceStopped
	}
	slog.Info("LogService outbound message", "to", channelRef, "type", msg.Type, "text", msg.Text, "media_url", msg.MediaURL)
	return nil
}

func (s *LogService) Start(context.Context) error { return nil }

func (s *LogService) Stop() error {
	s.responses.close()
	return nil
}

func (s *LogService) Responses() <-chan models.InboundMessage {
	return s.responses.ch
}

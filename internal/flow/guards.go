package flow

import (
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Guard defaults
const (
	// DefaultMaxVisits is the visit count a node may reach inside the execution window.
	DefaultMaxVisits = 10
	// DefaultMaxSteps bounds the node executions of a single invocation.
	DefaultMaxSteps = 100
	// DefaultSessionTimeout is how long an unanswered question stays valid.
	DefaultSessionTimeout = time.Hour
)

// Guards applies the loop, timeout and retry policies to a conversation state.
type Guards struct {
	MaxVisits      int
	MaxSteps       int
	SessionTimeout time.Duration
}

// DefaultGuards returns the default guard policy.
func DefaultGuards() Guards {
	return Guards{MaxVisits: DefaultMaxVisits, MaxSteps: DefaultMaxSteps, SessionTimeout: DefaultSessionTimeout}
}

// Visit records nodeID in the execution path and in visits, the counts of the current
// invocation, and reports whether either count now exceeds MaxVisits. The window spans
// invocations but forgets the nodes of cycles longer than its capacity allows.
func (g Guards) Visit(state *models.ConversationState, visits map[string]int, nodeID string) (count int, loop bool) {
	state.ExecutionPath.Push(nodeID)
	count = state.ExecutionPath.Count(nodeID)
	if visits != nil {
		visits[nodeID]++
		if visits[nodeID] > count {
			count = visits[nodeID]
		}
	}
	return count, count > g.MaxVisits
}

// StepsExhausted reports whether an invocation has executed its maximum number of nodes.
func (g Guards) StepsExhausted(steps int) bool {
	return g.MaxSteps > 0 && steps >= g.MaxSteps
}

// Expired reports whether a pending question was prompted longer than SessionTimeout ago.
func (g Guards) Expired(state *models.ConversationState, now time.Time) bool {
	if !state.AwaitingInput || g.SessionTimeout <= 0 || state.LastPromptedAt.IsZero() {
		return false
	}
	return now.Sub(state.LastPromptedAt) > g.SessionTimeout
}

// RecordFailure increments the retry counter of nodeID and reports whether maxAttempts
// has been reached. The counter is cleared once exhausted.
func (g Guards) RecordFailure(state *models.ConversationState, nodeID string, maxAttempts int) (exhausted bool) {
	state.RetryCounts[nodeID]++
	if state.RetryCounts[nodeID] >= maxAttempts {
		delete(state.RetryCounts, nodeID)
		return true
	}
	return false
}

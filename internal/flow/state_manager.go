package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// StateKeyPrefix namespaces conversation states in the key-value store.
const StateKeyPrefix = "flowpipe:state:"

// StateStore is the key-value store the engine persists snapshots into.
// Get returns nil, nil when the key does not exist.
type StateStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

// StateKey returns the store key of the state bound to (conversationID, flowID).
func StateKey(conversationID, flowID string) string {
	return StateKeyPrefix + conversationID + ":" + flowID
}

// StateManager loads and saves whole ConversationState snapshots. Callers must serialize
// access per conversation; saves are last-writer-wins.
type StateManager struct {
	store StateStore
	now   func() time.Time
}

// NewStateManager creates a StateManager backed by store.
func NewStateManager(store StateStore, now func() time.Time) *StateManager {
	if now == nil {
		now = time.Now
	}
	slog.Debug("Creating StateManager")
	return &StateManager{store: store, now: now}
}

// Load returns the persisted state, or a fresh active state when none exists.
func (sm *StateManager) Load(ctx context.Context, conversationID, flowID string) (*models.ConversationState, error) {
	key := StateKey(conversationID, flowID)
	data, err := sm.store.Get(ctx, key)
	if err != nil {
		slog.Error("StateManager Load error", "error", err, "conversationID", conversationID, "flowID", flowID)
		return nil, fmt.Errorf("failed to load state %s: %w", key, err)
	}
	if data == nil {
		slog.Debug("StateManager Load: no state, starting fresh", "conversationID", conversationID, "flowID", flowID)
		return models.NewConversationState(conversationID, flowID, sm.now()), nil
	}

	var state models.ConversationState
	if err := json.Unmarshal(data, &state); err != nil {
		// A corrupt snapshot must not wedge the conversation forever.
		slog.Error("StateManager Load: corrupt snapshot, starting fresh", "error", err, "conversationID", conversationID, "flowID", flowID)
		return models.NewConversationState(conversationID, flowID, sm.now()), nil
	}
	if state.Variables == nil {
		state.Variables = make(map[string]string)
	}
	if state.RetryCounts == nil {
		state.RetryCounts = make(map[string]int)
	}
	if state.RootFlowID == "" {
		state.RootFlowID = flowID
	}
	if state.FlowID == "" {
		state.FlowID = flowID
	}
	slog.Debug("StateManager Load found", "conversationID", conversationID, "flowID", state.FlowID, "node", state.CurrentNodeID, "status", state.Status)
	return &state, nil
}

// Save overwrites the snapshot under the state's root flow key.
func (sm *StateManager) Save(ctx context.Context, state *models.ConversationState) error {
	state.UpdatedAt = sm.now()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	key := StateKey(state.ConversationID, state.RootFlowID)
	if err := sm.store.Put(ctx, key, data); err != nil {
		slog.Error("StateManager Save error", "error", err, "conversationID", state.ConversationID, "flowID", state.RootFlowID)
		return fmt.Errorf("failed to save state %s: %w", key, err)
	}
	slog.Debug("StateManager Save succeeded", "conversationID", state.ConversationID, "flowID", state.FlowID, "node", state.CurrentNodeID, "status", state.Status)
	return nil
}

// Archive stores a copy of a state that is being replaced by a fresh session.
func (sm *StateManager) Archive(ctx context.Context, state *models.ConversationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode archived state: %w", err)
	}
	key := StateKey(state.ConversationID, state.RootFlowID) + ":archived"
	return sm.store.Put(ctx, key, data)
}

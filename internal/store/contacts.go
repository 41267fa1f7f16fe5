package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// ContactKeyPrefix namespaces contact records in a Store.
const ContactKeyPrefix = "flowpipe:contact:"

// ContactBook keeps the contact fields collected by flows, one JSON object per conversation.
type ContactBook struct {
	store Store
	mu    sync.Mutex
}

// NewContactBook creates a ContactBook on top of store.
func NewContactBook(store Store) *ContactBook {
	return &ContactBook{store: store}
}

// UpdateContact merges fields into the conversation's contact record.
func (b *ContactBook) UpdateContact(ctx context.Context, conversationID string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	contact, err := b.Contact(ctx, conversationID)
	if err != nil {
		return err
	}
	for k, v := range fields {
		contact[k] = v
	}
	data, err := json.Marshal(contact)
	if err != nil {
		return fmt.Errorf("failed to encode contact: %w", err)
	}
	if err := b.store.Put(ctx, ContactKeyPrefix+conversationID, data); err != nil {
		return err
	}
	slog.Debug("ContactBook UpdateContact succeeded", "conversationID", conversationID, "fields", len(fields))
	return nil
}

// Contact returns the stored fields of a conversation, empty when none were recorded.
func (b *ContactBook) Contact(ctx context.Context, conversationID string) (map[string]string, error) {
	data, err := b.store.Get(ctx, ContactKeyPrefix+conversationID)
	if err != nil {
		return nil, err
	}
	contact := make(map[string]string)
	if data == nil {
		return contact, nil
	}
	if err := json.Unmarshal(data, &contact); err != nil {
		return nil, fmt.Errorf("failed to decode contact %s: %w", conversationID, err)
	}
	return contact, nil
}

// Package store provides the key-value backends FlowPipe persists conversation state in,
// plus inbound message deduplication.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Store is a key-value store for opaque snapshots. Get returns nil, nil for missing keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Opts holds configuration for store construction.
type Opts struct {
	DSN      string
	Driver   string
	RedisURL string
	TTL      time.Duration
}

// Option configures a store.
type Option func(*Opts)

// WithPostgresDSN selects the PostgreSQL backend.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN, o.Driver = dsn, "postgres" }
}

// WithSQLiteDSN selects the SQLite backend with a database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN, o.Driver = dsn, "sqlite3" }
}

// WithRedisURL selects the Redis backend, e.g. redis://localhost:6379/0.
func WithRedisURL(url string) Option {
	return func(o *Opts) { o.RedisURL = url }
}

// WithTTL expires Redis keys after d of inactivity. Zero keeps keys forever.
func WithTTL(d time.Duration) Option {
	return func(o *Opts) { o.TTL = d }
}

// DetectDSNType returns "postgres" for PostgreSQL URLs and keyword DSNs, and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Backend is a Store that also deduplicates inbound messages.
type Backend interface {
	Store
	DedupRepo
}

// New opens the backend selected by opts: Redis when a Redis URL is set, then PostgreSQL or
// SQLite depending on the DSN, and the in-memory store when nothing is configured.
func New(opts ...Option) (Backend, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	switch {
	case cfg.RedisURL != "":
		return NewRedisStore(opts...)
	case cfg.DSN == "":
		slog.Info("No database configured, using in-memory store")
		return NewInMemoryStore(), nil
	}

	driver := cfg.Driver
	if driver == "" {
		driver = DetectDSNType(cfg.DSN)
	}
	switch driver {
	case "postgres":
		return NewPostgresStore(opts...)
	case "sqlite3":
		return NewSQLiteStore(opts...)
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

// InMemoryStore keeps everything in process memory. It is used when no database is configured
// and in tests.
type InMemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	dedup  map[string]*DedupRecord
	closed bool
}

var _ Backend = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string][]byte), dedup: make(map[string]*DedupRecord)}
}

func (s *InMemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (s *InMemoryStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Keys returns the stored keys with the given prefix.
func (s *InMemoryStore) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (s *InMemoryStore) IsDuplicate(_ context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(_ context.Context, messageID, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, ConversationID: conversationID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		now := time.Now()
		rec.ProcessedAt = &now
	}
	return nil
}

func (s *InMemoryStore) PurgeDedup(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.dedup {
		if rec.ReceivedAt.Before(cutoff) {
			delete(s.dedup, id)
			n++
		}
	}
	return n, nil
}

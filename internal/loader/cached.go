package loader

import (
	"context"
	"log/slog"
	"time"

	c "github.com/patrickmn/go-cache"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// DefaultCacheTTL bounds how long a loaded flow is served without reloading.
const DefaultCacheTTL = 5 * time.Minute

// Source is anything that can load a flow by id.
type Source interface {
	GetFlow(ctx context.Context, flowID string) (*models.Flow, error)
}

// Cached decorates a Source with a TTL cache. Load errors are not cached.
type Cached struct {
	inner Source
	ttl   time.Duration
	cache *c.Cache
}

// NewCached wraps inner. A non-positive ttl uses DefaultCacheTTL.
func NewCached(inner Source, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{inner: inner, ttl: ttl, cache: c.New(ttl, 2*ttl)}
}

// GetFlow returns the cached flow or loads it from the inner source.
func (l *Cached) GetFlow(ctx context.Context, flowID string) (*models.Flow, error) {
	if v, found := l.cache.Get(flowID); found {
		return v.(*models.Flow), nil
	}
	f, err := l.inner.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	l.cache.Set(flowID, f, c.DefaultExpiration)
	slog.Debug("Cached.GetFlow: loaded flow", "flowID", flowID, "version", f.Version(), "ttl", l.ttl)
	return f, nil
}

// Invalidate drops flowID from the cache.
func (l *Cached) Invalidate(flowID string) {
	l.cache.Delete(flowID)
}

// Flush drops every cached flow.
func (l *Cached) Flush() {
	l.cache.Flush()
}

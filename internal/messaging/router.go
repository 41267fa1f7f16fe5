package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/spaolacci/murmur3"
)

// Router defaults
const (
	DefaultWorkers       = 8
	DefaultQueueSize     = 64
	DefaultHandleTimeout = 2 * time.Minute
)

// ErrRouterStopped is returned by Submit after Stop.
var ErrRouterStopped = errors.New("inbound router stopped")

// InboundHandler advances a conversation with one inbound message.
type InboundHandler interface {
	HandleInbound(ctx context.Context, conversationID, flowID, text, channelRef string) ([]models.OutboundMessage, error)
}

// RouterOpts configures a Router.
type RouterOpts struct {
	Workers       int
	QueueSize     int
	FlowID        string
	Dedup         store.DedupRepo
	HandleTimeout time.Duration
}

// RouterOption configures a Router.
type RouterOption func(*RouterOpts)

// WithWorkers sets the number of single-consumer queues.
func WithWorkers(n int) RouterOption { return func(o *RouterOpts) { o.Workers = n } }

// WithQueueSize sets the capacity of each queue.
func WithQueueSize(n int) RouterOption { return func(o *RouterOpts) { o.QueueSize = n } }

// WithDefaultFlow sets the flow inbound messages are routed to.
func WithDefaultFlow(flowID string) RouterOption { return func(o *RouterOpts) { o.FlowID = flowID } }

// WithDedup drops messages whose id was already recorded.
func WithDedup(d store.DedupRepo) RouterOption { return func(o *RouterOpts) { o.Dedup = d } }

// WithHandleTimeout bounds the handling of one message.
func WithHandleTimeout(d time.Duration) RouterOption {
	return func(o *RouterOpts) { o.HandleTimeout = d }
}

// Router reads a service's inbound messages and hands each one to the engine. Messages of one
// conversation always land on the same queue, so they are handled in arrival order.
type Router struct {
	svc     Service
	handler InboundHandler
	opts    RouterOpts
	queues  []chan models.InboundMessage

	mu      sync.RWMutex
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup
	readWg  sync.WaitGroup
}

// NewRouter creates a Router feeding svc's inbound messages to handler.
func NewRouter(svc Service, handler InboundHandler, opts ...RouterOption) *Router {
	cfg := RouterOpts{Workers: DefaultWorkers, QueueSize: DefaultQueueSize, HandleTimeout: DefaultHandleTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	queues := make([]chan models.InboundMessage, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan models.InboundMessage, cfg.QueueSize)
	}
	return &Router{svc: svc, handler: handler, opts: cfg, queues: queues, done: make(chan struct{})}
}

// ShardFor returns the queue index of a conversation.
func ShardFor(conversationID string, shards int) int {
	if shards <= 1 {
		return 0
	}
	return int(murmur3.Sum32([]byte(conversationID)) % uint32(shards))
}

// Start launches the workers and the reader of the service's Responses channel.
func (r *Router) Start(ctx context.Context) {
	slog.Info("Router starting", "workers", len(r.queues), "flowID", r.opts.FlowID)
	base := context.WithoutCancel(ctx)
	for i, q := range r.queues {
		r.wg.Add(1)
		go r.work(base, i, q)
	}

	r.readWg.Add(1)
	go func() {
		defer r.readWg.Done()
		defer slog.Info("Router stopped reading responses")
		for {
			select {
			case msg, ok := <-r.svc.Responses():
				if !ok {
					slog.Debug("Router responses channel closed")
					return
				}
				if err := r.Submit(ctx, msg); err != nil {
					slog.Error("Router failed to submit message", "error", err, "from", msg.From)
				}
			case <-ctx.Done():
				return
			case <-r.done:
				return
			}
		}
	}()
}

// Submit canonicalizes the sender, drops duplicates and enqueues the message.
// It blocks while the conversation's queue is full.
func (r *Router) Submit(ctx context.Context, msg models.InboundMessage) error {
	conversationID, err := r.svc.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		slog.Warn("Router dropping message from invalid sender", "from", msg.From, "error", err)
		return err
	}
	if r.opts.Dedup != nil && msg.ID != "" {
		first, err := r.opts.Dedup.RecordInbound(ctx, msg.ID, conversationID)
		if err != nil {
			slog.Error("Router dedup check failed, processing anyway", "error", err, "id", msg.ID)
		} else if !first {
			slog.Info("Router dropping duplicate message", "id", msg.ID, "conversationID", conversationID)
			return nil
		}
	}
	msg.From = conversationID

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return ErrRouterStopped
	}
	select {
	case r.queues[ShardFor(conversationID, len(r.queues))] <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) work(ctx context.Context, shard int, q <-chan models.InboundMessage) {
	defer r.wg.Done()
	for msg := range q {
		r.handle(ctx, shard, msg)
	}
}

func (r *Router) handle(ctx context.Context, shard int, msg models.InboundMessage) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.HandleTimeout)
	defer cancel()

	out, err := r.handler.HandleInbound(ctx, msg.From, r.opts.FlowID, msg.Text, msg.From)
	if err != nil {
		slog.Error("Router HandleInbound failed", "error", err, "conversationID", msg.From, "shard", shard)
		return
	}
	slog.Debug("Router handled message", "conversationID", msg.From, "shard", shard, "outbound", len(out))
	if r.opts.Dedup != nil && msg.ID != "" {
		if err := r.opts.Dedup.MarkProcessed(ctx, msg.ID); err != nil {
			slog.Warn("Router failed to mark message processed", "error", err, "id", msg.ID)
		}
	}
}

// Stop stops reading, drains the queues and waits for in-flight messages.
func (r *Router) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.done)
	for _, q := range r.queues {
		close(q)
	}
	r.mu.Unlock()

	r.readWg.Wait()
	r.wg.Wait()
	slog.Info("Router stopped")
}

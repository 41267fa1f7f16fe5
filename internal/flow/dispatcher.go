package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// ChannelSender delivers a message to a recipient on the underlying transport.
// Implementations wrap unrecoverable failures with models.Permanent.
type ChannelSender interface {
	Send(ctx context.Context, channelRef string, msg models.OutboundMessage) error
}

// BackoffPolicy is an exponential retry schedule without jitter.
type BackoffPolicy struct {
	Initial     time.Duration
	Multiplier  float64
	MaxInterval time.Duration
	MaxRetries  uint64
}

// DefaultBackoff retries a failed send three times, after 2s, 4s and 8s.
var DefaultBackoff = BackoffPolicy{Initial: 2 * time.Second, Multiplier: 2, MaxInterval: time.Minute, MaxRetries: 3}

func (p BackoffPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// Dispatcher sends messages through a ChannelSender, retrying transient failures.
type Dispatcher struct {
	sender ChannelSender
	policy BackoffPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a Dispatcher. A zero policy uses DefaultBackoff.
func NewDispatcher(sender ChannelSender, policy BackoffPolicy, sleep func(ctx context.Context, d time.Duration) error) *Dispatcher {
	if policy.Initial <= 0 {
		policy = DefaultBackoff
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	if policy.MaxInterval < policy.Initial {
		policy.MaxInterval = policy.Initial
	}
	if sleep == nil {
		sleep = sleepContext
	}
	return &Dispatcher{sender: sender, policy: policy, sleep: sleep}
}

// Send delivers msg, retrying transient failures per the backoff policy. The returned error
// wraps models.ErrDispatchFailed when every attempt failed.
func (d *Dispatcher) Send(ctx context.Context, channelRef string, msg models.OutboundMessage) error {
	if d.sender == nil {
		return fmt.Errorf("%w: no channel sender configured", models.ErrDispatchFailed)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	attempt := 0
	op := func() error {
		attempt++
		err := d.sender.Send(ctx, channelRef, msg)
		if err == nil && attempt > 1 {
			slog.Info("Dispatcher.Send: delivered after retry", "to", channelRef, "attempt", attempt)
		}
		if models.IsPermanent(err) {
			slog.Error("Dispatcher.Send: permanent failure", "to", channelRef, "type", msg.Type, "error", err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("Dispatcher.Send: send failed, retrying", "to", channelRef, "attempt", attempt, "wait", wait, "error", err)
	}

	err := backoff.RetryNotifyWithTimer(op, d.policy.newBackOff(ctx), notify, &sleepTimer{ctx: ctx, cancel: cancel, sleep: d.sleep})
	if err == nil {
		return nil
	}
	slog.Error("Dispatcher.Send: giving up", "to", channelRef, "type", msg.Type, "attempts", attempt, "error", err)
	return fmt.Errorf("%w: %v", models.ErrDispatchFailed, err)
}

// sleepTimer adapts an injected sleep function to backoff.Timer. A failed sleep cancels
// the retry context, which stops the retry loop.
type sleepTimer struct {
	ctx    context.Context
	cancel context.CancelFunc
	sleep  func(ctx context.Context, d time.Duration) error
	c      chan time.Time
}

func (t *sleepTimer) Start(d time.Duration) {
	t.c = make(chan time.Time, 1)
	if err := t.sleep(t.ctx, d); err != nil {
		t.cancel()
		return
	}
	t.c <- time.Now()
}

func (t *sleepTimer) Stop() {}

func (t *sleepTimer) C() <-chan time.Time { return t.c }

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

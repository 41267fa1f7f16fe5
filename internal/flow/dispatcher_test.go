package flow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

type sleepRecorder struct{ waits []time.Duration }

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

func TestDispatcher_RetriesWithBackoff(t *testing.T) {
	sender := &recordingSender{failures: 2}
	rec := &sleepRecorder{}
	d := NewDispatcher(sender, BackoffPolicy{}, rec.sleep)

	err := d.Send(context.Background(), "5511", models.TextMessage("hi"))

	require.NoError(t, err)
	assert.Equal(t, 3, sender.attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, rec.waits)
	assert.Equal(t, []string{"hi"}, sender.texts())
}

func TestDispatcher_GivesUpAfterThreeRetries(t *testing.T) {
	sender := &recordingSender{failures: -1}
	rec := &sleepRecorder{}
	d := NewDispatcher(sender, BackoffPolicy{}, rec.sleep)

	err := d.Send(context.Background(), "5511", models.TextMessage("hi"))

	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrDispatchFailed))
	assert.Equal(t, 4, sender.attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, rec.waits)
}

func TestDispatcher_PermanentErrorIsNotRetried(t *testing.T) {
	sender := &recordingSender{failures: -1, err: models.Permanent(errors.New("invalid recipient"))}
	rec := &sleepRecorder{}
	d := NewDispatcher(sender, BackoffPolicy{}, rec.sleep)

	err := d.Send(context.Background(), "bad", models.TextMessage("hi"))

	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrDispatchFailed)
	assert.Contains(t, err.Error(), "invalid recipient")
	assert.Equal(t, 1, sender.attempts)
	assert.Empty(t, rec.waits)
}

func TestDispatcher_WrappedPermanentErrorIsNotRetried(t *testing.T) {
	sender := &recordingSender{failures: -1, err: fmt.Errorf("send: %w", models.Permanent(errors.New("blocked")))}
	rec := &sleepRecorder{}

	err := NewDispatcher(sender, BackoffPolicy{}, rec.sleep).Send(context.Background(), "bad", models.TextMessage("hi"))

	require.Error(t, err)
	assert.Equal(t, 1, sender.attempts)
	assert.Empty(t, rec.waits)
}

func TestDispatcher_CustomPolicy(t *testing.T) {
	sender := &recordingSender{failures: -1}
	rec := &sleepRecorder{}
	policy := BackoffPolicy{Initial: time.Second, Multiplier: 3, MaxInterval: 5 * time.Second, MaxRetries: 4}

	err := NewDispatcher(sender, policy, rec.sleep).Send(context.Background(), "5511", models.TextMessage("hi"))

	require.Error(t, err)
	assert.Equal(t, 5, sender.attempts)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second, 5 * time.Second, 5 * time.Second}, rec.waits)
}

func TestDispatcher_FailedSleepStopsRetrying(t *testing.T) {
	sender := &recordingSender{failures: -1}
	calls := 0
	sleep := func(context.Context, time.Duration) error {
		calls++
		return context.Canceled
	}

	err := NewDispatcher(sender, BackoffPolicy{}, sleep).Send(context.Background(), "5511", models.TextMessage("hi"))

	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrDispatchFailed)
	assert.Equal(t, 1, sender.attempts)
	assert.Equal(t, 1, calls)
}

func TestDispatcher_StopsWhenContextCancelled(t *testing.T) {
	sender := &recordingSender{failures: -1}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := NewDispatcher(sender, BackoffPolicy{Initial: time.Hour, Multiplier: 1, MaxRetries: 1}, nil)

	err := d.Send(ctx, "5511", models.TextMessage("hi"))

	require.Error(t, err)
	assert.Equal(t, 1, sender.attempts)
}

func TestDispatcher_NoSender(t *testing.T) {
	err := NewDispatcher(nil, BackoffPolicy{}, nil).Send(context.Background(), "x", models.TextMessage("hi"))
	assert.ErrorIs(t, err, models.ErrDispatchFailed)
}

package bot_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentoven/chatrelay/internal/bot"
	"github.com/agentoven/chatrelay/internal/telegram"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingHandler holds every update until release is closed.
type blockingHandler struct {
	release chan struct{}
	started chan int64

	active atomic.Int32
	peak   atomic.Int32
	done   atomic.Int32
}

func newBlockingHandler() *blockingHandler {
	return &blockingHandler{release: make(chan struct{}), started: make(chan int64, 16)}
}

func (h *blockingHandler) Handle(ctx context.Context, _ *bot.Bot, u *telegram.Update) error {
	n := h.active.Add(1)
	defer h.active.Add(-1)
	for {
		peak := h.peak.Load()
		if n <= peak || h.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	h.started <- u.UpdateID
	defer h.done.Add(1)

	select {
	case <-h.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	h := newBlockingHandler()
	d := bot.NewDispatcher(h, 2)
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, nil, &telegram.Update{UpdateID: 1}))
	require.NoError(t, d.Dispatch(ctx, nil, &telegram.Update{UpdateID: 2}))
	<-h.started
	<-h.started

	full, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Dispatch(full, nil, &telegram.Update{UpdateID: 3}), context.DeadlineExceeded)

	close(h.release)
	require.NoError(t, d.Drain(ctx))
	assert.Equal(t, int32(2), h.done.Load())
	assert.Equal(t, int32(2), h.peak.Load())
}

func TestDispatcherDrainWaitsForUpdates(t *testing.T) {
	h := newBlockingHandler()
	d := bot.NewDispatcher(h, 4)
	ctx := context.Background()

	for i := range 3 {
		require.NoError(t, d.Dispatch(ctx, nil, &telegram.Update{UpdateID: int64(i)}))
	}
	for range 3 {
		<-h.started
	}

	drained := make(chan error, 1)
	go func() {
		drained <- d.Drain(ctx)
	}()

	select {
	case <-drained:
		t.Fatal("drain returned while updates were running")
	case <-time.After(20 * time.Millisecond):
	}

	close(h.release)
	require.NoError(t, <-drained)
	assert.Equal(t, int32(3), h.done.Load())
}

func TestDispatcherDrainTimeoutCancelsUpdates(t *testing.T) {
	h := newBlockingHandler()
	d := bot.NewDispatcher(h, 1)

	require.NoError(t, d.Dispatch(context.Background(), nil, &telegram.Update{UpdateID: 1}))
	<-h.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, d.Drain(ctx))

	require.Eventually(t, func() bool { return h.done.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDispatcherUpdateTimeout(t *testing.T) {
	h := newBlockingHandler()
	d := bot.NewDispatcher(h, 1, bot.WithUpdateTimeout(10*time.Millisecond))

	require.NoError(t, d.Dispatch(context.Background(), nil, &telegram.Update{UpdateID: 1}))
	require.NoError(t, d.Drain(context.Background()))
	assert.Equal(t, int32(1), h.done.Load())
}

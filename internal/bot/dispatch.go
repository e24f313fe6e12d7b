package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/agentoven/chatrelay/internal/telegram"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// UpdateHandler processes one update.
type UpdateHandler interface {
	Handle(ctx context.Context, b *Bot, u *telegram.Update) error
}

// Dispatcher runs updates in the background, at most size at a time. The
// webhook returns as soon as an update is accepted.
type Dispatcher struct {
	handler UpdateHandler
	sem     *semaphore.Weighted
	size    int64
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithUpdateTimeout bounds the processing time of one update.
func WithUpdateTimeout(d time.Duration) DispatcherOption {
	return func(x *Dispatcher) { x.timeout = d }
}

// NewDispatcher creates a Dispatcher running at most size updates at once.
func NewDispatcher(h UpdateHandler, size int, opts ...DispatcherOption) *Dispatcher {
	size = max(size, 1)
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		handler: h,
		sem:     semaphore.NewWeighted(int64(size)),
		size:    int64(size),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch waits for a free slot and starts processing u. It fails only
// when ctx ends first.
func (d *Dispatcher) Dispatch(ctx context.Context, b *Bot, u *telegram.Update) error {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("dispatch update %d: %w", u.UpdateID, err)
	}
	go d.run(b, u)
	return nil
}

func (d *Dispatcher) run(b *Bot, u *telegram.Update) {
	defer d.sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int64("update_id", u.UpdateID).Msg("Update handler panicked")
		}
	}()

	ctx := d.ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	// Handle logs its own failures.
	_ = d.handler.Handle(ctx, b, u)
}

// Drain waits for the running updates to finish. When ctx ends first they
// are cancelled.
func (d *Dispatcher) Drain(ctx context.Context) error {
	if err := d.sem.Acquire(ctx, d.size); err != nil {
		d.cancel()
		return fmt.Errorf("drain updates: %w", err)
	}
	d.sem.Release(d.size)
	return nil
}

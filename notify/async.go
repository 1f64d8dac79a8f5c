package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/quote-engine/quote"
)

var ErrClosed = errors.New("notifier closed")

const defaultDeliveryTimeout = 10 * time.Second

// Async delivers events on background goroutines. Notify returns as soon as
// the event is queued; delivery errors are logged here since no caller is
// left to receive them.
type Async struct {
	next    quote.Notifier
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewAsync(next quote.Notifier, logger *zap.Logger) *Async {
	return &Async{next: next, logger: logger, timeout: defaultDeliveryTimeout}
}

func (a *Async) Notify(ctx context.Context, ev quote.Event) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if err := a.next.Notify(ctx, ev); err != nil {
			a.logger.Warn("async notification failed",
				zap.String("event_id", ev.ID),
				zap.String("event_type", string(ev.Type)),
				zap.String("quote_id", string(ev.Quote.ID)),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Close stops accepting events and waits for in-flight deliveries or ctx.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

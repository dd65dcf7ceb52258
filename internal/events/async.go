package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Wikid82/guard/internal/logger"
)

// ErrQueueFull is returned when the async queue cannot take another event.
var ErrQueueFull = errors.New("event queue full")

// AsyncPublisher moves delivery off the request path. Events are queued in a
// bounded buffer and dropped (with an error) when the buffer is full.
type AsyncPublisher struct {
	next    Publisher
	queue   chan Event
	timeout time.Duration
	wg      sync.WaitGroup
	once    sync.Once
}

// NewAsyncPublisher starts workers that forward queued events to next, each
// delivery bounded by timeout.
func NewAsyncPublisher(next Publisher, size, workers int, timeout time.Duration) *AsyncPublisher {
	if size <= 0 {
		size = 1024
	}
	if workers <= 0 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	a := &AsyncPublisher{next: next, queue: make(chan Event, size), timeout: timeout}
	for i := 0; i < workers; i++ {
		a.wg.Add(1)
		go a.run()
	}
	return a
}

func (a *AsyncPublisher) run() {
	defer a.wg.Done()
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Publish(ctx, e); err != nil {
			logger.WithComponent("events").WithError(err).WithField("type", e.Type).Warn("async event delivery failed")
		}
		cancel()
	}
}

// Publish enqueues e without blocking.
func (a *AsyncPublisher) Publish(_ context.Context, e Event) error {
	select {
	case a.queue <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
// Publish must not be called after Close.
func (a *AsyncPublisher) Close() {
	a.once.Do(func() { close(a.queue) })
	a.wg.Wait()
}

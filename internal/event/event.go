package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"
)

const (
	defaultQueueSize = 1024
	defaultTimeout   = 30 * time.Second
)

type Event interface {
	Name() string
}

type Handler func(ctx context.Context, e Event) error

// Bus is an in-memory event bus. Every subscription has its own queue and goroutine, so a slow
// handler never blocks the others and each handler sees events in publish order.
type Bus struct {
	mu      sync.RWMutex
	wg      sync.WaitGroup
	subs    map[string][]*subscription
	stopped bool
}

type subscription struct {
	name  string
	h     Handler
	queue chan delivery
	done  chan struct{}
	once  sync.Once
}

type delivery struct {
	ctx context.Context
	e   Event
}

// NewBus create a new event bus. Caller should call Stop for graceful shutdown the bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]*subscription),
	}
}

// Subscribe to an event. The returned function removes the subscription; events already queued
// for it are still handled.
func (b *Bus) Subscribe(name string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return func() {}
	}

	s := &subscription{
		name:  name,
		h:     h,
		queue: make(chan delivery, defaultQueueSize),
		done:  make(chan struct{}),
	}

	b.subs[name] = append(b.subs[name], s)
	b.wg.Add(1)
	go b.run(s)

	return func() { b.unsubscribe(s) }
}

func (b *Bus) unsubscribe(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[s.name]
	for i, x := range subs {
		if x == s {
			b.subs[s.name] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}

	s.close()
}

// Publish an event. It blocks only when a subscriber's queue is full, and never while holding the
// bus lock, so handlers may subscribe and unsubscribe.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	if b.stopped {
		b.mu.RUnlock()
		return
	}
	subs := slices.Clone(b.subs[e.Name()])
	b.mu.RUnlock()

	d := delivery{ctx: ctx, e: e}
	for _, s := range subs {
		select {
		case s.queue <- d:
		case <-s.done:
		}
	}
}

func (b *Bus) run(s *subscription) {
	defer b.wg.Done()

	for {
		select {
		case d := <-s.queue:
			b.dispatch(d.ctx, s.h, d.e)
		case <-s.done:
			s.drain(func(d delivery) { b.dispatch(d.ctx, s.h, d.e) })
			return
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, h Handler, e Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultTimeout)
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "event: handler panic",
				"event", e.Name(),
				"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
			)
		}

		cancel()
	}()

	if err := h(ctx, e); err != nil {
		slog.ErrorContext(ctx, "event: handle event failed",
			"event", e.Name(),
			"error", err,
		)
	}
}

// Stop rejects further events and waits for all queued events to be handled.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.stopped {
		b.stopped = true
		for _, subs := range b.subs {
			for _, s := range subs {
				s.close()
			}
		}
	}
	b.mu.Unlock()

	b.wg.Wait()
}

// close stops the subscription. Deliveries already queued are still handled.
func (s *subscription) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) drain(fn func(d delivery)) {
	for {
		select {
		case d := <-s.queue:
			fn(d)
		default:
			return
		}
	}
}

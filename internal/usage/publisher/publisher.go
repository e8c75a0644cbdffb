// Package publisher decouples usage emission from persistence. Callers emit
// events; the publisher appends them to the store either synchronously or via
// a bounded buffer drained by a background goroutine. A full buffer drops the
// event rather than blocking the caller: telemetry must never add latency to
// activation traffic.
package publisher

import (
	"context"
	"log/slog"
	"sync"

	"keygate/internal/usage"
)

// Publisher fans usage events out to the primary store and an optional
// mirror sink.
type Publisher struct {
	store  usage.Store
	sink   usage.Sink
	logger *slog.Logger
	onDrop func()

	inbox chan usage.Event
	wg    sync.WaitGroup
	once  sync.Once
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithAsyncBuffer switches the publisher to asynchronous mode with a bounded
// inbox of the given size. Events that arrive while the inbox is full are
// dropped and counted.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		if size > 0 {
			p.inbox = make(chan usage.Event, size)
		}
	}
}

// WithSink mirrors every event to the given sink, fire-and-forget.
func WithSink(sink usage.Sink) Option {
	return func(p *Publisher) { p.sink = sink }
}

// WithLogger sets the logger used for dropped and failed events.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// WithOnDrop registers a callback invoked whenever an event is dropped,
// typically a metrics counter.
func WithOnDrop(fn func()) Option {
	return func(p *Publisher) { p.onDrop = fn }
}

// NewPublisher creates a publisher over the given store. Without options it
// runs synchronously: Emit appends in the caller's goroutine.
func NewPublisher(store usage.Store, opts ...Option) *Publisher {
	p := &Publisher{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	if p.inbox != nil {
		p.wg.Add(1)
		go p.drain()
	}
	return p
}

// Emit records one usage event. In async mode it never blocks; a full inbox
// drops the event. The returned error is advisory — call sites treat emission
// as best-effort and must not fail their operation on it.
func (p *Publisher) Emit(ctx context.Context, event usage.Event) error {
	if p.inbox == nil {
		p.deliver(ctx, event)
		return nil
	}
	select {
	case p.inbox <- event:
		return nil
	default:
		p.drop(event)
		return nil
	}
}

// Close drains buffered events and stops the background goroutine. Safe to
// call more than once.
func (p *Publisher) Close() {
	p.once.Do(func() {
		if p.inbox != nil {
			close(p.inbox)
			p.wg.Wait()
		}
	})
}

func (p *Publisher) drain() {
	defer p.wg.Done()
	// store writes happen outside any request, so use a background context
	ctx := context.Background()
	for event := range p.inbox {
		p.deliver(ctx, event)
	}
}

func (p *Publisher) deliver(ctx context.Context, event usage.Event) {
	if err := p.store.Append(ctx, event); err != nil {
		p.logger.Warn("usage event append failed",
			"event", event.Event,
			"error", err,
		)
	}
	if p.sink != nil {
		p.sink.Send(ctx, event)
	}
}

func (p *Publisher) drop(event usage.Event) {
	if p.onDrop != nil {
		p.onDrop()
	}
	p.logger.Warn("usage event dropped, buffer full", "event", event.Event)
}

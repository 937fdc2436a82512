package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Sink delivers a single event somewhere.
type Sink interface {
	Deliver(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Deliver(ctx context.Context, e Event) error { return f(ctx, e) }

// Dispatcher queues events in memory and fans them out to its sinks from a
// single worker goroutine. When the queue is full the event is dropped.
type Dispatcher struct {
	sinks   []Sink
	logger  *zap.Logger
	timeout time.Duration
	queue   chan Event

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	dropped   metric.Int64Counter
	delivered metric.Int64Counter
	failed    metric.Int64Counter
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger used for drops and sink failures.
func WithLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Event, n)
		}
	}
}

// WithDeliveryTimeout bounds each sink call.
func WithDeliveryTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) DispatcherOption {
	return func(d *Dispatcher) { d.initMetrics(mp.Meter("librarydesk/notify")) }
}

// NewDispatcher starts a dispatcher delivering to sinks. Close must be
// called to stop the worker.
func NewDispatcher(sinks []Sink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sinks:   sinks,
		logger:  zap.NewNop(),
		timeout: 5 * time.Second,
		queue:   make(chan Event, 256),
		done:    make(chan struct{}),
	}
	d.initMetrics(otel.Meter("librarydesk/notify"))
	for _, opt := range opts {
		opt(d)
	}

	go d.run()
	return d
}

func (d *Dispatcher) initMetrics(m metric.Meter) {
	d.dropped, _ = m.Int64Counter("notify.events.dropped")
	d.delivered, _ = m.Int64Counter("notify.events.delivered")
	d.failed, _ = m.Int64Counter("notify.deliveries.failed")
}

// Notify enqueues e without blocking.
func (d *Dispatcher) Notify(e Event) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(e, "dispatcher closed")
		return
	}

	select {
	case d.queue <- e:
	default:
		d.drop(e, "queue full")
	}
}

func (d *Dispatcher) drop(e Event, reason string) {
	d.dropped.Add(context.Background(), 1)
	d.logger.Warn("notification dropped",
		zap.String("reason", reason),
		zap.Stringer("recipient_id", e.RecipientID),
		zap.String("audience", string(e.Audience)),
	)
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.queue {
		d.deliver(e)
	}
}

func (d *Dispatcher) deliver(e Event) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := sink.Deliver(ctx, e)
		cancel()

		if err != nil {
			d.failed.Add(context.Background(), 1)
			d.logger.Error("notification delivery failed",
				zap.Error(err),
				zap.Stringer("recipient_id", e.RecipientID),
				zap.String("audience", string(e.Audience)),
			)
			continue
		}
		d.delivered.Add(context.Background(), 1)
	}
}

// Close stops accepting events and waits until the queued ones are delivered
// or ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("notification queue not drained"), ctx.Err())
	}
}

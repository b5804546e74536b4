// Package dispatch fans call records out to the configured backends.
//
// Delivery never reaches back into the intercepted call: Record returns
// immediately, each adapter is attempted independently, and failures only
// surface through the debug logger and metrics.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aschepis/backscratcher/llmwarehouse/backend"
	"github.com/aschepis/backscratcher/llmwarehouse/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// DefaultDeliveryTimeout bounds the background delivery of one record.
const DefaultDeliveryTimeout = time.Minute

var tracer = otel.Tracer("github.com/aschepis/backscratcher/llmwarehouse/dispatch")

// ErrClosed is returned by Deliver after Close.
var ErrClosed = errors.New("dispatcher is closed")

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRegisterer registers the dispatcher metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(d *Dispatcher) { d.registerer = reg }
}

// WithDeliveryTimeout overrides DefaultDeliveryTimeout.
func WithDeliveryTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// generation is one adapter set. It is closed once the deliveries that
// started against it have finished.
type generation struct {
	adapters []backend.Adapter
	inflight tracker
}

// Dispatcher delivers call records to a swappable set of adapters.
type Dispatcher struct {
	logger     atomic.Pointer[zerolog.Logger]
	registerer prometheus.Registerer
	metrics    *metrics
	timeout    time.Duration

	mu      sync.RWMutex
	current *generation
	closed  bool

	pending tracker
	retired sync.WaitGroup

	// base parents background deliveries; Close cancels it once the flush
	// deadline has passed.
	base   context.Context
	cancel context.CancelFunc
}

// New returns a dispatcher delivering to adapters.
func New(logger zerolog.Logger, adapters []backend.Adapter, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		timeout: DefaultDeliveryTimeout,
		current: &generation{adapters: adapters},
	}
	d.SetLogger(logger)
	d.base, d.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(d)
	}
	d.metrics = newMetrics(d.registerer)
	return d
}

// SetLogger replaces the debug logger, for example when a re-patch turns
// debug output on.
func (d *Dispatcher) SetLogger(logger zerolog.Logger) {
	l := logger.With().Str("component", "dispatcher").Logger()
	d.logger.Store(&l)
}

func (d *Dispatcher) log() *zerolog.Logger {
	return d.logger.Load()
}

// Backends returns the names of the active adapters in delivery order.
func (d *Dispatcher) Backends() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return lo.Map(d.current.adapters, func(a backend.Adapter, _ int) string { return a.Name() })
}

// SetAdapters replaces the active adapter set. The previous set is closed in
// the background after its in-flight deliveries finish.
func (d *Dispatcher) SetAdapters(adapters []backend.Adapter) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		_ = backend.CloseAll(adapters)
		return
	}
	old := d.current
	d.current = &generation{adapters: adapters}
	if len(old.adapters) > 0 {
		// Added under the lock so Close cannot start waiting first.
		d.retired.Add(1)
		go d.retire(old)
	}
	d.mu.Unlock()

	d.log().Debug().
		Strs("backends", d.Backends()).
		Int("previous", len(old.adapters)).
		Msg("Swapped backend set")
}

func (d *Dispatcher) retire(gen *generation) {
	defer d.retired.Done()
	_ = gen.inflight.wait(context.Background())
	if err := backend.CloseAll(gen.adapters); err != nil {
		d.log().Debug().Err(err).Msg("Failed to close retired backends")
	}
}

// acquire pins the current generation for one delivery. The caller must call
// release when done.
func (d *Dispatcher) acquire() (*generation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, false
	}
	d.current.inflight.add()
	d.pending.add()
	return d.current, true
}

func (d *Dispatcher) release(gen *generation) {
	gen.inflight.done()
	d.pending.done()
}

// Record delivers rec in the background and returns immediately. Malformed
// records and records arriving after Close are dropped.
func (d *Dispatcher) Record(rec record.CallRecord) {
	if err := rec.Validate(); err != nil {
		d.metrics.dropped.WithLabelValues("malformed").Inc()
		d.log().Debug().Err(err).Str("method", rec.SDKMethod).Msg("Dropping malformed call record")
		return
	}
	gen, ok := d.acquire()
	if !ok {
		d.metrics.dropped.WithLabelValues("closed").Inc()
		d.log().Debug().Str("method", rec.SDKMethod).Msg("Dropping call record after close")
		return
	}
	d.metrics.records.WithLabelValues(rec.SDKMethod).Inc()

	go func() {
		defer d.release(gen)
		ctx, cancel := context.WithTimeout(d.base, d.timeout)
		defer cancel()
		_ = d.fanOut(ctx, gen.adapters, rec)
	}()
}

// Deliver sends rec to every adapter and waits for all of them. The returned
// error joins every adapter failure.
func (d *Dispatcher) Deliver(ctx context.Context, rec record.CallRecord) error {
	if err := rec.Validate(); err != nil {
		d.metrics.dropped.WithLabelValues("malformed").Inc()
		return err
	}
	gen, ok := d.acquire()
	if !ok {
		return ErrClosed
	}
	defer d.release(gen)
	d.metrics.records.WithLabelValues(rec.SDKMethod).Inc()
	return d.fanOut(ctx, gen.adapters, rec)
}

// fanOut attempts every adapter concurrently. One adapter failing never
// cancels or skips the others.
func (d *Dispatcher) fanOut(ctx context.Context, adapters []backend.Adapter, rec record.CallRecord) error {
	if len(adapters) == 0 {
		return nil
	}
	errs := make([]error, len(adapters))
	var g errgroup.Group
	for i, a := range adapters {
		g.Go(func() error {
			errs[i] = d.send(ctx, a, rec)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (d *Dispatcher) send(ctx context.Context, a backend.Adapter, rec record.CallRecord) (err error) {
	name := a.Name()
	ctx, span := tracer.Start(ctx, "llmwarehouse.deliver",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("llmwarehouse.backend", name),
			attribute.String("llmwarehouse.sdk_method", rec.SDKMethod),
		),
	)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s adapter panicked: %v", name, r)
		}
		d.metrics.observeDelivery(name, err, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			d.log().Debug().
				Err(err).
				Str("backend", name).
				Str("method", rec.SDKMethod).
				Str("callID", rec.CallID).
				Msg("Backend delivery failed")
		}
		span.End()
	}()

	return a.Send(ctx, rec)
}

// Pending reports the number of records still being delivered.
func (d *Dispatcher) Pending() int {
	return d.pending.pending()
}

// Flush waits for in-flight deliveries to finish or ctx to expire.
func (d *Dispatcher) Flush(ctx context.Context) error {
	if err := d.pending.wait(ctx); err != nil {
		return fmt.Errorf("flush: %d deliveries still pending: %w", d.pending.pending(), err)
	}
	return nil
}

// Close stops accepting records, flushes, and closes every adapter. When ctx
// expires first, pending deliveries are cancelled and the adapters are closed
// anyway.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	gen := d.current
	d.current = &generation{}
	d.mu.Unlock()

	flushErr := d.Flush(ctx)
	d.cancel()
	closeErr := backend.CloseAll(gen.adapters)

	done := make(chan struct{})
	go func() {
		d.retired.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return errors.Join(flushErr, closeErr)
}

package intercept

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aschepis/backscratcher/llmwarehouse/record"
	"github.com/rs/zerolog"
)

// Func is the shape every synchronous target is normalized to. Per-call SDK
// options travel inside Req.
type Func[C, Req, Resp any] func(ctx context.Context, client C, req Req) (Resp, error)

// HookConfig describes a synchronous target.
type HookConfig[C, Req, Resp any] struct {
	Key    string
	Method string

	// Original performs the real SDK call.
	Original Func[C, Req, Resp]

	// Describe captures the request. The default records req as kwargs.
	Describe func(req Req) record.Call
	// RequestID extracts the provider-assigned id from a response.
	RequestID func(resp Resp) string
	// Tap lets callback-streaming targets observe the chunks handed to the
	// caller's callback. It returns the request to forward and a function
	// producing the response payload once the call returns.
	Tap func(req Req) (Req, func() any)
}

// Hook is a synchronous Target.
type Hook[C, Req, Resp any] struct {
	cfg HookConfig[C, Req, Resp]
	fn  atomic.Pointer[Func[C, Req, Resp]]
}

// NewHook returns an uninstalled hook dispatching to cfg.Original.
func NewHook[C, Req, Resp any](cfg HookConfig[C, Req, Resp]) *Hook[C, Req, Resp] {
	if cfg.Original == nil {
		panic(fmt.Sprintf("intercept: hook %s has no original", cfg.Key))
	}
	h := &Hook[C, Req, Resp]{cfg: cfg}
	h.fn.Store(&h.cfg.Original)
	return h
}

// Key implements Target.
func (h *Hook[C, Req, Resp]) Key() string { return h.cfg.Key }

// Method implements Target.
func (h *Hook[C, Req, Resp]) Method() string { return h.cfg.Method }

// Installed implements Target.
func (h *Hook[C, Req, Resp]) Installed() bool {
	return h.fn.Load() != &h.cfg.Original
}

// Call invokes the target through its current slot.
func (h *Hook[C, Req, Resp]) Call(ctx context.Context, client C, req Req) (Resp, error) {
	return (*h.fn.Load())(ctx, client, req)
}

func (h *Hook[C, Req, Resp]) install(rec Recorder, logger zerolog.Logger) {
	// Always wraps cfg.Original, so reinstalling never nests wrappers.
	wrapped := h.wrap(rec, logger.With().Str("method", h.cfg.Method).Logger())
	h.fn.Store(&wrapped)
}

func (h *Hook[C, Req, Resp]) restore() {
	h.fn.Store(&h.cfg.Original)
}

func (h *Hook[C, Req, Resp]) wrap(rec Recorder, logger zerolog.Logger) Func[C, Req, Resp] {
	return func(ctx context.Context, client C, req Req) (resp Resp, err error) {
		call := describe(logger, h.cfg.Describe, req)

		var finish func() any
		if h.cfg.Tap != nil {
			req, finish = tap(logger, h.cfg.Tap, req)
		}

		start := time.Now()
		completed := false
		defer func() {
			if completed {
				return
			}
			r := recover()
			if r == nil {
				// runtime.Goexit: nothing to report or re-raise.
				return
			}
			emit(logger, rec, h.cfg.Method, call, record.Outcome{Err: panicError{r}}, time.Since(start))
			panic(r)
		}()

		resp, err = h.cfg.Original(ctx, client, req)
		completed = true
		elapsed := time.Since(start)

		outcome := record.Outcome{Err: err}
		if err == nil {
			outcome.Response = resp
			if finish != nil {
				outcome.Response = guard[any](logger, nil, finish)
			}
			if h.cfg.RequestID != nil {
				outcome.RequestID = guard(logger, "", func() string { return h.cfg.RequestID(resp) })
			}
		}
		emit(logger, rec, h.cfg.Method, call, outcome, elapsed)
		return resp, err
	}
}

// panicError records a panic value without altering what is re-raised.
type panicError struct{ value any }

func (p panicError) Error() string {
	if err, ok := p.value.(error); ok {
		return "panic: " + err.Error()
	}
	return fmt.Sprintf("panic: %v", p.value)
}

func describe[Req any](logger zerolog.Logger, fn func(Req) record.Call, req Req) record.Call {
	if fn == nil {
		return record.Call{Kwargs: req}
	}
	return guard(logger, record.Call{Kwargs: req}, func() record.Call { return fn(req) })
}

func tap[Req any](logger zerolog.Logger, fn func(Req) (Req, func() any), req Req) (out Req, finish func() any) {
	defer func() {
		if r := recover(); r != nil {
			logger.Debug().Interface("panic", r).Msg("Recovered while tapping call")
			out, finish = req, nil
		}
	}()
	return fn(req)
}

// guard runs fn, returning fallback if it panics. Recording code must never
// break the intercepted call.
func guard[T any](logger zerolog.Logger, fallback T, fn func() T) (out T) {
	defer func() {
		if r := recover(); r != nil {
			logger.Debug().Interface("panic", r).Msg("Recovered while capturing call")
			out = fallback
		}
	}()
	return fn()
}

func emit(logger zerolog.Logger, rec Recorder, method string, call record.Call, outcome record.Outcome, elapsed time.Duration) {
	if rec == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Debug().Interface("panic", r).Msg("Recorder panicked")
		}
	}()
	rec.Record(record.Build(method, call, outcome, elapsed))
}

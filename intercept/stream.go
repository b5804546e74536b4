package intercept

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aschepis/backscratcher/llmwarehouse/record"
	"github.com/rs/zerolog"
)

// Iterator is the pull-based stream shape shared by the SDKs' SSE streams.
type Iterator[T any] interface {
	// Next advances the stream. It returns false when the stream is
	// exhausted or failed.
	Next() bool
	// Current returns the chunk Next advanced to.
	Current() T
	// Err returns the error that ended the stream, if any.
	Err() error
	// Close releases the stream. It may be called before exhaustion.
	Close() error
}

// Chunk is what a target extracts from one streamed item.
type Chunk struct {
	// Text is appended to the accumulated response content.
	Text string
	// RequestID, when set, becomes the record's request_id.
	RequestID string
}

// StreamSummary is the response payload recorded for a streamed call.
type StreamSummary struct {
	Content  string `json:"content"`
	Chunks   int    `json:"chunks"`
	Complete bool   `json:"complete"`
}

// StreamFunc is the shape every streaming target is normalized to.
type StreamFunc[C, Req, T any] func(ctx context.Context, client C, req Req) (Iterator[T], error)

// StreamHookConfig describes a streaming target.
type StreamHookConfig[C, Req, T any] struct {
	Key    string
	Method string

	Original StreamFunc[C, Req, T]

	// Describe captures the request. The default records req as kwargs.
	Describe func(req Req) record.Call
	// Extract pulls the text and provider id out of one chunk. Providers
	// shape their deltas differently, so each target supplies its own.
	Extract func(item T) Chunk
}

// StreamHook is a streaming Target.
type StreamHook[C, Req, T any] struct {
	cfg StreamHookConfig[C, Req, T]
	fn  atomic.Pointer[StreamFunc[C, Req, T]]
}

// NewStreamHook returns an uninstalled streaming hook.
func NewStreamHook[C, Req, T any](cfg StreamHookConfig[C, Req, T]) *StreamHook[C, Req, T] {
	if cfg.Original == nil {
		panic(fmt.Sprintf("intercept: stream hook %s has no original", cfg.Key))
	}
	h := &StreamHook[C, Req, T]{cfg: cfg}
	h.fn.Store(&h.cfg.Original)
	return h
}

// Key implements Target.
func (h *StreamHook[C, Req, T]) Key() string { return h.cfg.Key }

// Method implements Target.
func (h *StreamHook[C, Req, T]) Method() string { return h.cfg.Method }

// Installed implements Target.
func (h *StreamHook[C, Req, T]) Installed() bool {
	return h.fn.Load() != &h.cfg.Original
}

// Call invokes the target through its current slot.
func (h *StreamHook[C, Req, T]) Call(ctx context.Context, client C, req Req) (Iterator[T], error) {
	return (*h.fn.Load())(ctx, client, req)
}

func (h *StreamHook[C, Req, T]) install(rec Recorder, logger zerolog.Logger) {
	// Always wraps cfg.Original, so reinstalling never nests wrappers.
	wrapped := h.wrap(rec, logger.With().Str("method", h.cfg.Method).Logger())
	h.fn.Store(&wrapped)
}

func (h *StreamHook[C, Req, T]) restore() {
	h.fn.Store(&h.cfg.Original)
}

func (h *StreamHook[C, Req, T]) wrap(rec Recorder, logger zerolog.Logger) StreamFunc[C, Req, T] {
	return func(ctx context.Context, client C, req Req) (Iterator[T], error) {
		call := describe(logger, h.cfg.Describe, req)
		call.Streaming = true

		start := time.Now()
		completed := false
		defer func() {
			if completed {
				return
			}
			r := recover()
			if r == nil {
				return
			}
			emit(logger, rec, h.cfg.Method, call, record.Outcome{Err: panicError{r}}, time.Since(start))
			panic(r)
		}()

		inner, err := h.cfg.Original(ctx, client, req)
		completed = true
		if err != nil {
			emit(logger, rec, h.cfg.Method, call, record.Outcome{Err: err}, time.Since(start))
			return inner, err
		}
		if inner == nil {
			return inner, nil
		}
		return newStream(inner, h.cfg.Extract, logger, func(outcome record.Outcome) {
			emit(logger, rec, h.cfg.Method, call, outcome, time.Since(start))
		}), nil
	}
}

// Stream forwards an SDK stream item by item while accumulating the text
// for a single record. The record is emitted once: when the stream is
// exhausted, when it fails, or when it is closed early after at least one
// chunk. A stream dropped without Close is recorded as partial content once
// the garbage collector reclaims it. A stream abandoned before its first
// chunk is not recorded.
type Stream[T any] struct {
	inner Iterator[T]
	acc   *accumulator[T]
}

// accumulator holds everything the record needs. It never points back at
// its Stream, so the Stream can become unreachable and trigger the cleanup.
type accumulator[T any] struct {
	extract func(T) Chunk
	logger  zerolog.Logger
	report  func(record.Outcome)

	mu        sync.Mutex
	content   strings.Builder
	chunks    int
	requestID string
	once      sync.Once
	cleanup   runtime.Cleanup
}

func newStream[T any](inner Iterator[T], extract func(T) Chunk, logger zerolog.Logger, report func(record.Outcome)) *Stream[T] {
	acc := &accumulator[T]{extract: extract, logger: logger, report: report}
	s := &Stream[T]{inner: inner, acc: acc}
	acc.cleanup = runtime.AddCleanup(s, func(a *accumulator[T]) {
		a.finish(false, nil)
	}, acc)
	return s
}

// Next implements Iterator.
func (s *Stream[T]) Next() bool {
	if s.inner.Next() {
		s.acc.observe(s.inner.Current())
		return true
	}
	s.acc.finish(true, s.inner.Err())
	return false
}

// Current implements Iterator.
func (s *Stream[T]) Current() T { return s.inner.Current() }

// Err implements Iterator.
func (s *Stream[T]) Err() error { return s.inner.Err() }

// Close implements Iterator.
func (s *Stream[T]) Close() error {
	err := s.inner.Close()
	s.acc.finish(false, nil)
	return err
}

// Content returns the text accumulated so far.
func (s *Stream[T]) Content() string {
	s.acc.mu.Lock()
	defer s.acc.mu.Unlock()
	return s.acc.content.String()
}

func (a *accumulator[T]) observe(item T) {
	chunk := Chunk{}
	if a.extract != nil {
		chunk = guard(a.logger, Chunk{}, func() Chunk { return a.extract(item) })
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chunks++
	a.content.WriteString(chunk.Text)
	if chunk.RequestID != "" && a.requestID == "" {
		a.requestID = chunk.RequestID
	}
}

func (a *accumulator[T]) finish(exhausted bool, streamErr error) {
	a.once.Do(func() {
		a.cleanup.Stop()

		a.mu.Lock()
		summary := StreamSummary{
			Content:  a.content.String(),
			Chunks:   a.chunks,
			Complete: exhausted && streamErr == nil,
		}
		requestID := a.requestID
		a.mu.Unlock()

		if !exhausted && summary.Chunks == 0 {
			a.logger.Debug().Msg("Stream closed before first chunk; nothing to record")
			return
		}
		if streamErr != nil {
			a.report(record.Outcome{Err: streamErr, RequestID: requestID})
			return
		}
		a.report(record.Outcome{Response: summary, RequestID: requestID})
	})
}

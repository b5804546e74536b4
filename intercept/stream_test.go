package intercept

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/llmwarehouse/record"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delta struct {
	ID   string
	Text string
}

// sliceIterator replays items and then ends with err.
type sliceIterator[T any] struct {
	items  []T
	pos    int
	err    error
	closed bool
}

func (s *sliceIterator[T]) Next() bool {
	if s.closed || s.pos >= len(s.items) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceIterator[T]) Current() T { return s.items[s.pos-1] }

func (s *sliceIterator[T]) Err() error {
	if s.pos >= len(s.items) {
		return s.err
	}
	return nil
}

func (s *sliceIterator[T]) Close() error {
	s.closed = true
	return nil
}

type streamRequest struct {
	Model  string `json:"model"`
	Deltas []delta
	Err    error
	Fail   error
}

func openStream(_ context.Context, _ *fakeClient, req streamRequest) (Iterator[delta], error) {
	if req.Fail != nil {
		return nil, req.Fail
	}
	return &sliceIterator[delta]{items: req.Deltas, err: req.Err}, nil
}

func installStreamHook(t *testing.T) (*StreamHook[*fakeClient, streamRequest, delta], *captured) {
	t.Helper()
	h := NewStreamHook(StreamHookConfig[*fakeClient, streamRequest, delta]{
		Key:      "example.com/fake.Client.Stream",
		Method:   "fake.stream",
		Original: openStream,
		Describe: func(req streamRequest) record.Call {
			return record.Call{Kwargs: map[string]any{"model": req.Model}}
		},
		Extract: func(d delta) Chunk { return Chunk{Text: d.Text, RequestID: d.ID} },
	})
	reg := NewRegistry()
	reg.MustRegister(h)
	rec := &captured{}
	reg.Install(rec, zerolog.Nop())
	t.Cleanup(func() { reg.Restore() })
	return h, rec
}

func deltas(texts ...string) []delta {
	out := make([]delta, len(texts))
	for i, text := range texts {
		out[i] = delta{ID: "msg-1", Text: text}
	}
	return out
}

func drain(t *testing.T, it Iterator[delta]) []delta {
	t.Helper()
	var got []delta
	for it.Next() {
		got = append(got, it.Current())
	}
	return got
}

func TestStream_ForwardsEveryChunkAndRecordsOnce(t *testing.T) {
	h, rec := installStreamHook(t)
	want := deltas("Hel", "lo", ", ", "world")

	it, err := h.Call(context.Background(), &fakeClient{}, streamRequest{Model: "m", Deltas: want})
	require.NoError(t, err)
	assert.Empty(t, rec.all(), "nothing is recorded before the stream is consumed")

	got := drain(t, it)
	assert.Equal(t, want, got)
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())
	assert.False(t, it.Next())

	records := rec.all()
	require.Len(t, records, 1)
	r := records[0]
	assert.True(t, r.Streaming)
	assert.Equal(t, "msg-1", r.RequestID)
	assert.JSONEq(t, `{"model":"m"}`, r.Request.Kwargs.String())

	var summary StreamSummary
	require.NoError(t, r.Response.Decode(&summary))
	assert.Equal(t, StreamSummary{Content: "Hello, world", Chunks: 4, Complete: true}, summary)
	assert.Equal(t, "Hello, world", it.(*Stream[delta]).Content())
}

func TestStream_MidStreamErrorRecorded(t *testing.T) {
	h, rec := installStreamHook(t)
	broken := errors.New("stream reset")

	it, err := h.Call(context.Background(), &fakeClient{}, streamRequest{Deltas: deltas("a", "b"), Err: broken})
	require.NoError(t, err)
	assert.Len(t, drain(t, it), 2)
	assert.Same(t, broken, it.Err())

	records := rec.all()
	require.Len(t, records, 1)
	assert.Equal(t, "stream reset", *records[0].Error)
	assert.Nil(t, records[0].Response)
}

func TestStream_EarlyCloseRecordsPartialContent(t *testing.T) {
	h, rec := installStreamHook(t)
	it, err := h.Call(context.Background(), &fakeClient{}, streamRequest{Deltas: deltas("a", "b", "c")})
	require.NoError(t, err)

	require.True(t, it.Next())
	require.NoError(t, it.Close())
	require.NoError(t, it.Close())

	records := rec.all()
	require.Len(t, records, 1)
	var summary StreamSummary
	require.NoError(t, records[0].Response.Decode(&summary))
	assert.Equal(t, StreamSummary{Content: "a", Chunks: 1, Complete: false}, summary)
}

func TestStream_AbandonedBeforeFirstChunkIsNotRecorded(t *testing.T) {
	h, rec := installStreamHook(t)
	it, err := h.Call(context.Background(), &fakeClient{}, streamRequest{Deltas: deltas("a")})
	require.NoError(t, err)
	require.NoError(t, it.Close())
	assert.Empty(t, rec.all())
}

func TestStream_EmptyStreamStillRecorded(t *testing.T) {
	h, rec := installStreamHook(t)
	it, err := h.Call(context.Background(), &fakeClient{}, streamRequest{})
	require.NoError(t, err)
	assert.Empty(t, drain(t, it))
	require.Len(t, rec.all(), 1)
}

func TestStream_OpenErrorReturnedUnchanged(t *testing.T) {
	h, rec := installStreamHook(t)
	it, err := h.Call(context.Background(), &fakeClient{}, streamRequest{Fail: errUpstream})
	assert.Nil(t, it)
	assert.Same(t, errUpstream, err)

	records := rec.all()
	require.Len(t, records, 1)
	assert.True(t, records[0].Streaming)
	assert.Equal(t, errUpstream.Error(), *records[0].Error)
}

func TestStream_UninstalledReturnsOriginalIterator(t *testing.T) {
	h := NewStreamHook(StreamHookConfig[*fakeClient, streamRequest, delta]{
		Key:      "example.com/fake.Client.Stream",
		Method:   "fake.stream",
		Original: openStream,
	})
	it, err := h.Call(context.Background(), &fakeClient{}, streamRequest{Deltas: deltas("x")})
	require.NoError(t, err)
	_, wrapped := it.(*Stream[delta])
	assert.False(t, wrapped)
}

func TestStream_ExtractPanicKeepsForwarding(t *testing.T) {
	h := NewStreamHook(StreamHookConfig[*fakeClient, streamRequest, delta]{
		Key:      "example.com/fake.Client.Stream",
		Method:   "fake.stream",
		Original: openStream,
		Extract:  func(delta) Chunk { panic("extract bug") },
	})
	reg := NewRegistry()
	reg.MustRegister(h)
	rec := &captured{}
	reg.Install(rec, zerolog.Nop())
	defer reg.Restore()

	it, err := h.Call(context.Background(), &fakeClient{}, streamRequest{Deltas: deltas("a", "b")})
	require.NoError(t, err)
	assert.Len(t, drain(t, it), 2)

	records := rec.all()
	require.Len(t, records, 1)
	var summary StreamSummary
	require.NoError(t, records[0].Response.Decode(&summary))
	assert.Equal(t, 2, summary.Chunks)
	assert.Empty(t, summary.Content)
}

// readAndDrop consumes n chunks and lets the stream go out of scope without
// closing it.
func readAndDrop(t *testing.T, h *StreamHook[*fakeClient, streamRequest, delta], n int) {
	t.Helper()
	it, err := h.Call(context.Background(), &fakeClient{}, streamRequest{
		Model:  "m",
		Deltas: deltas("Once", " upon", " a", " time"),
	})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.True(t, it.Next())
	}
}

func TestStream_DroppedWithoutCloseRecordsPartialContent(t *testing.T) {
	h, rec := installStreamHook(t)
	readAndDrop(t, h, 2)

	require.Eventually(t, func() bool {
		runtime.GC()
		return len(rec.all()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	r := rec.all()[0]
	var summary StreamSummary
	require.NoError(t, r.Response.Decode(&summary))
	assert.Equal(t, StreamSummary{Content: "Once upon", Chunks: 2, Complete: false}, summary)
}

func TestStream_DroppedBeforeFirstChunkRecordsNothing(t *testing.T) {
	h, rec := installStreamHook(t)
	readAndDrop(t, h, 0)

	for i := 0; i < 5; i++ {
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}
	assert.Empty(t, rec.all())
}

func TestStream_ClosedStreamIsNotRecordedAgainByCleanup(t *testing.T) {
	h, rec := installStreamHook(t)
	func() {
		it, err := h.Call(context.Background(), &fakeClient{}, streamRequest{Model: "m", Deltas: deltas("a", "b")})
		require.NoError(t, err)
		drain(t, it)
		require.NoError(t, it.Close())
	}()

	for i := 0; i < 5; i++ {
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}
	assert.Len(t, rec.all(), 1)
}

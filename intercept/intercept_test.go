package intercept

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/aschepis/backscratcher/llmwarehouse/record"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct{ prefix string }

type fakeRequest struct {
	Prompt string `json:"prompt"`
	OnWord func(string) `json:"-"`
}

type fakeResponse struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

var errUpstream = errors.New("upstream: 529 overloaded")

func complete(_ context.Context, c *fakeClient, req fakeRequest) (*fakeResponse, error) {
	switch req.Prompt {
	case "fail":
		return nil, errUpstream
	case "panic":
		panic("sdk bug")
	}
	if req.OnWord != nil {
		for _, w := range strings.Fields(req.Prompt) {
			req.OnWord(w)
		}
	}
	return &fakeResponse{ID: "resp-1", Text: c.prefix + req.Prompt}, nil
}

type captured struct {
	mu      sync.Mutex
	records []record.CallRecord
}

func (c *captured) Record(rec record.CallRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *captured) all() []record.CallRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]record.CallRecord(nil), c.records...)
}

func newCompleteHook() *Hook[*fakeClient, fakeRequest, *fakeResponse] {
	return NewHook(HookConfig[*fakeClient, fakeRequest, *fakeResponse]{
		Key:       "example.com/fake.Client.Complete",
		Method:    "fake.complete",
		Original:  complete,
		RequestID: func(resp *fakeResponse) string { return resp.ID },
	})
}

func TestHook_PassthroughWhenNotInstalled(t *testing.T) {
	h := newCompleteHook()
	resp, err := h.Call(context.Background(), &fakeClient{prefix: "> "}, fakeRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "> hi", resp.Text)
	assert.False(t, h.Installed())
}

func TestHook_RecordsSuccess(t *testing.T) {
	h := newCompleteHook()
	reg := NewRegistry()
	reg.MustRegister(h)
	rec := &captured{}
	require.True(t, reg.Install(rec, zerolog.Nop()))
	defer reg.Restore()

	resp, err := h.Call(context.Background(), &fakeClient{prefix: "> "}, fakeRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, &fakeResponse{ID: "resp-1", Text: "> hi"}, resp)

	records := rec.all()
	require.Len(t, records, 1)
	got := records[0]
	assert.NoError(t, got.Validate())
	assert.Equal(t, "fake.complete", got.SDKMethod)
	assert.Equal(t, "resp-1", got.RequestID)
	assert.JSONEq(t, `{"prompt":"hi"}`, got.Request.Kwargs.String())
	assert.JSONEq(t, `{"id":"resp-1","text":"> hi"}`, got.Response.String())
	assert.GreaterOrEqual(t, got.LatencySeconds, 0.0)
	assert.False(t, got.Streaming)
}

func TestHook_ErrorReturnedUnchanged(t *testing.T) {
	h := newCompleteHook()
	reg := NewRegistry()
	reg.MustRegister(h)
	rec := &captured{}
	reg.Install(rec, zerolog.Nop())
	defer reg.Restore()

	resp, err := h.Call(context.Background(), &fakeClient{}, fakeRequest{Prompt: "fail"})
	assert.Nil(t, resp)
	assert.Same(t, errUpstream, err)

	records := rec.all()
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Error)
	assert.Equal(t, errUpstream.Error(), *records[0].Error)
	assert.Nil(t, records[0].Response)
}

func TestHook_PanicRecordedAndReraised(t *testing.T) {
	h := newCompleteHook()
	reg := NewRegistry()
	reg.MustRegister(h)
	rec := &captured{}
	reg.Install(rec, zerolog.Nop())
	defer reg.Restore()

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		_, _ = h.Call(context.Background(), &fakeClient{}, fakeRequest{Prompt: "panic"})
	}()
	assert.Equal(t, "sdk bug", recovered)

	records := rec.all()
	require.Len(t, records, 1)
	assert.Equal(t, "panic: sdk bug", *records[0].Error)
}

func TestRegistry_InstallIsIdempotent(t *testing.T) {
	h := newCompleteHook()
	reg := NewRegistry()
	reg.MustRegister(h)
	first, second := &captured{}, &captured{}

	assert.True(t, reg.Install(first, zerolog.Nop()))
	assert.False(t, reg.Install(second, zerolog.Nop()))
	assert.True(t, reg.IsInstalled())

	_, err := h.Call(context.Background(), &fakeClient{}, fakeRequest{Prompt: "once"})
	require.NoError(t, err)
	assert.Len(t, first.all(), 1, "a single call must produce a single record")
	assert.Empty(t, second.all())
}

func TestRegistry_RestoreIsIdempotent(t *testing.T) {
	h := newCompleteHook()
	reg := NewRegistry()
	reg.MustRegister(h)
	assert.False(t, reg.Restore(), "restore before install")

	rec := &captured{}
	reg.Install(rec, zerolog.Nop())
	assert.True(t, reg.Restore())
	assert.False(t, reg.Restore())
	assert.False(t, h.Installed())

	_, err := h.Call(context.Background(), &fakeClient{}, fakeRequest{Prompt: "after"})
	require.NoError(t, err)
	assert.Empty(t, rec.all())

	// A fresh install after restore wraps exactly once again.
	again := &captured{}
	reg.Install(again, zerolog.Nop())
	defer reg.Restore()
	_, _ = h.Call(context.Background(), &fakeClient{}, fakeRequest{Prompt: "again"})
	assert.Len(t, again.all(), 1)
}

func TestRegistry_RegisterWhileInstalled(t *testing.T) {
	reg := NewRegistry()
	rec := &captured{}
	reg.Install(rec, zerolog.Nop())
	defer reg.Restore()

	h := newCompleteHook()
	require.NoError(t, reg.Register(h))
	assert.True(t, h.Installed())
	assert.Error(t, reg.Register(newCompleteHook()), "duplicate key")

	_, ok := reg.Lookup(h.Key())
	assert.True(t, ok)
	assert.Equal(t, []string{"example.com/fake.Client.Complete"}, reg.Targets())
	assert.Equal(t, []string{"fake.complete"}, reg.Installed())
}

func TestRegistry_SetLoggerRewrapsWithoutNesting(t *testing.T) {
	h := NewHook(HookConfig[*fakeClient, fakeRequest, *fakeResponse]{
		Key:      "example.com/fake.Client.Fragile",
		Method:   "fake.fragile",
		Original: complete,
		Describe: func(fakeRequest) record.Call { panic("describe bug") },
	})
	reg := NewRegistry()
	reg.MustRegister(h)
	assert.False(t, reg.SetLogger(zerolog.Nop()), "nothing installed")

	rec := &captured{}
	require.True(t, reg.Install(rec, zerolog.Nop()))
	defer reg.Restore()

	var out strings.Builder
	assert.True(t, reg.SetLogger(zerolog.New(&out)))
	assert.True(t, h.Installed())

	_, err := h.Call(context.Background(), &fakeClient{}, fakeRequest{Prompt: "ok"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Recovered while capturing call")
	assert.Len(t, rec.all(), 1, "rewrapping must not nest wrappers")

	reg.Restore()
	assert.False(t, h.Installed())
}

func TestHook_CaptureFailuresNeverBreakTheCall(t *testing.T) {
	h := NewHook(HookConfig[*fakeClient, fakeRequest, *fakeResponse]{
		Key:       "example.com/fake.Client.Fragile",
		Method:    "fake.fragile",
		Original:  complete,
		Describe:  func(fakeRequest) record.Call { panic("describe bug") },
		RequestID: func(*fakeResponse) string { panic("request id bug") },
	})
	reg := NewRegistry()
	reg.MustRegister(h)
	reg.Install(RecorderFunc(func(record.CallRecord) { panic("recorder bug") }), zerolog.Nop())
	defer reg.Restore()

	resp, err := h.Call(context.Background(), &fakeClient{}, fakeRequest{Prompt: "ok"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
}

func TestHook_TapObservesCallbackStream(t *testing.T) {
	h := NewHook(HookConfig[*fakeClient, fakeRequest, *fakeResponse]{
		Key:      "example.com/fake.Client.Chat",
		Method:   "fake.chat",
		Original: complete,
		Describe: func(req fakeRequest) record.Call {
			return record.Call{Kwargs: req, Streaming: req.OnWord != nil}
		},
		Tap: func(req fakeRequest) (fakeRequest, func() any) {
			if req.OnWord == nil {
				return req, nil
			}
			var words []string
			user := req.OnWord
			req.OnWord = func(w string) {
				words = append(words, w)
				user(w)
			}
			return req, func() any { return StreamSummary{Content: strings.Join(words, " "), Chunks: len(words), Complete: true} }
		},
	})
	reg := NewRegistry()
	reg.MustRegister(h)
	rec := &captured{}
	reg.Install(rec, zerolog.Nop())
	defer reg.Restore()

	var seen []string
	_, err := h.Call(context.Background(), &fakeClient{}, fakeRequest{
		Prompt: "one two three",
		OnWord: func(w string) { seen = append(seen, w) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, seen)

	records := rec.all()
	require.Len(t, records, 1)
	assert.True(t, records[0].Streaming)
	assert.JSONEq(t, `{"content":"one two three","chunks":3,"complete":true}`, records[0].Response.String())
}

func TestHook_ConcurrentInstallAndCall(t *testing.T) {
	h := newCompleteHook()
	reg := NewRegistry()
	reg.MustRegister(h)
	rec := &captured{}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				resp, err := h.Call(context.Background(), &fakeClient{}, fakeRequest{Prompt: "x"})
				if err != nil || resp.Text != "x" {
					t.Errorf("unexpected result %v %v", resp, err)
					return
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		reg.Install(rec, zerolog.Nop())
		reg.Restore()
	}
	close(stop)
	wg.Wait()

	for _, r := range rec.all() {
		assert.NoError(t, r.Validate())
	}
}

func TestPanicError(t *testing.T) {
	assert.Equal(t, "panic: boom", panicError{errors.New("boom")}.Error())
	assert.Equal(t, "panic: 42", panicError{42}.Error())
}

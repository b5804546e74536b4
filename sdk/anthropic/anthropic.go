// Package anthropic intercepts github.com/anthropics/anthropic-sdk-go.
//
// Importing the package registers its targets with intercept.Default. Calls
// are recorded when they go through a Client returned by Wrap.
//
// Messages.NewStreaming returns intercept.Iterator rather than the SDK's
// *ssestream.Stream. Loops over Next and Current are unchanged; code that
// names the concrete stream type must switch to the interface.
package anthropic

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aschepis/backscratcher/llmwarehouse/intercept"
	"github.com/aschepis/backscratcher/llmwarehouse/record"
	"github.com/samber/lo"
)

const pkgPath = "github.com/anthropics/anthropic-sdk-go"

// MethodMessagesCreate is recorded as sdk_method for both message targets.
const MethodMessagesCreate = "anthropic.messages.create"

// Call is one SDK invocation: the body parameters plus per-request options.
type Call struct {
	Params anthropic.MessageNewParams
	Opts   []option.RequestOption
}

func describe(c Call) record.Call {
	return record.Call{Kwargs: c.Params, Args: lo.ToAnySlice(c.Opts)}
}

var (
	messagesHook = intercept.NewHook(intercept.HookConfig[*anthropic.Client, Call, *anthropic.Message]{
		Key:    pkgPath + ".MessageService.New",
		Method: MethodMessagesCreate,
		Original: func(ctx context.Context, c *anthropic.Client, call Call) (*anthropic.Message, error) {
			return c.Messages.New(ctx, call.Params, call.Opts...)
		},
		Describe:  describe,
		RequestID: func(msg *anthropic.Message) string { return msg.ID },
	})

	messagesStreamHook = intercept.NewStreamHook(intercept.StreamHookConfig[*anthropic.Client, Call, anthropic.MessageStreamEventUnion]{
		Key:    pkgPath + ".MessageService.NewStreaming",
		Method: MethodMessagesCreate,
		Original: func(ctx context.Context, c *anthropic.Client, call Call) (intercept.Iterator[anthropic.MessageStreamEventUnion], error) {
			return c.Messages.NewStreaming(ctx, call.Params, call.Opts...), nil
		},
		Describe: describe,
		Extract:  extractEvent,
	})
)

func init() {
	intercept.Default.MustRegister(messagesHook, messagesStreamHook)
}

// extractEvent takes text from content deltas and the message id from the
// message_start event. Tool input deltas are not part of the text content.
func extractEvent(event anthropic.MessageStreamEventUnion) intercept.Chunk {
	switch evt := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		return intercept.Chunk{RequestID: evt.Message.ID}
	case anthropic.ContentBlockDeltaEvent:
		if d, ok := evt.Delta.AsAny().(anthropic.TextDelta); ok {
			return intercept.Chunk{Text: d.Text}
		}
	}
	return intercept.Chunk{}
}

// Client is an *anthropic.Client whose message calls are recorded.
type Client struct {
	*anthropic.Client

	Messages MessageService
}

// Wrap returns a recording facade over c.
func Wrap(c *anthropic.Client) *Client {
	return &Client{Client: c, Messages: MessageService{client: c}}
}

// MessageService mirrors anthropic.MessageService.
type MessageService struct {
	client *anthropic.Client
}

// New mirrors anthropic.MessageService.New.
func (s MessageService) New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error) {
	return messagesHook.Call(ctx, s.client, Call{Params: body, Opts: opts})
}

// NewStreaming mirrors anthropic.MessageService.NewStreaming, returning the
// interface *ssestream.Stream satisfies. Transport errors surface through the
// stream's Err.
func (s MessageService) NewStreaming(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) intercept.Iterator[anthropic.MessageStreamEventUnion] {
	it, _ := messagesStreamHook.Call(ctx, s.client, Call{Params: body, Opts: opts})
	return it
}

// Package openai intercepts the official OpenAI client,
// github.com/openai/openai-go/v3.
//
// Importing the package registers its targets with intercept.Default. Calls
// are recorded when they go through a Client returned by Wrap, which mirrors
// the SDK's service paths (client.Chat.Completions.New and so on).
//
// Streaming methods return intercept.Iterator rather than the SDK's
// *ssestream.Stream. The iterator has the same Next, Current, Err and Close
// methods, so loops over a stream are unchanged, but code that names the
// concrete *ssestream.Stream type must switch to the interface.
package openai

import (
	"context"

	"github.com/aschepis/backscratcher/llmwarehouse/intercept"
	"github.com/aschepis/backscratcher/llmwarehouse/record"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"github.com/samber/lo"
)

const pkgPath = "github.com/openai/openai-go/v3"

// Logical method names recorded as sdk_method.
const (
	MethodChatCompletionsCreate = "openai.chat.completions.create"
	MethodEmbeddingsCreate      = "openai.embeddings.create"
	MethodResponsesCreate       = "openai.responses.create"
)

// Call is one SDK invocation: the body parameters plus per-request options.
type Call[P any] struct {
	Params P
	Opts   []option.RequestOption
}

func describe[P any](c Call[P]) record.Call {
	return record.Call{Kwargs: c.Params, Args: lo.ToAnySlice(c.Opts)}
}

var (
	chatHook = intercept.NewHook(intercept.HookConfig[*openai.Client, Call[openai.ChatCompletionNewParams], *openai.ChatCompletion]{
		Key:    pkgPath + ".ChatCompletionService.New",
		Method: MethodChatCompletionsCreate,
		Original: func(ctx context.Context, c *openai.Client, call Call[openai.ChatCompletionNewParams]) (*openai.ChatCompletion, error) {
			return c.Chat.Completions.New(ctx, call.Params, call.Opts...)
		},
		Describe:  describe[openai.ChatCompletionNewParams],
		RequestID: func(resp *openai.ChatCompletion) string { return resp.ID },
	})

	chatStreamHook = intercept.NewStreamHook(intercept.StreamHookConfig[*openai.Client, Call[openai.ChatCompletionNewParams], openai.ChatCompletionChunk]{
		Key:    pkgPath + ".ChatCompletionService.NewStreaming",
		Method: MethodChatCompletionsCreate,
		Original: func(ctx context.Context, c *openai.Client, call Call[openai.ChatCompletionNewParams]) (intercept.Iterator[openai.ChatCompletionChunk], error) {
			return c.Chat.Completions.NewStreaming(ctx, call.Params, call.Opts...), nil
		},
		Describe: describe[openai.ChatCompletionNewParams],
		Extract:  extractChunk,
	})

	embeddingsHook = intercept.NewHook(intercept.HookConfig[*openai.Client, Call[openai.EmbeddingNewParams], *openai.CreateEmbeddingResponse]{
		Key:    pkgPath + ".EmbeddingService.New",
		Method: MethodEmbeddingsCreate,
		Original: func(ctx context.Context, c *openai.Client, call Call[openai.EmbeddingNewParams]) (*openai.CreateEmbeddingResponse, error) {
			return c.Embeddings.New(ctx, call.Params, call.Opts...)
		},
		Describe: describe[openai.EmbeddingNewParams],
	})

	responsesHook = intercept.NewHook(intercept.HookConfig[*openai.Client, Call[responses.ResponseNewParams], *responses.Response]{
		Key:    pkgPath + "/responses.ResponseService.New",
		Method: MethodResponsesCreate,
		Original: func(ctx context.Context, c *openai.Client, call Call[responses.ResponseNewParams]) (*responses.Response, error) {
			return c.Responses.New(ctx, call.Params, call.Opts...)
		},
		Describe:  describe[responses.ResponseNewParams],
		RequestID: func(resp *responses.Response) string { return resp.ID },
	})
)

func init() {
	intercept.Default.MustRegister(chatHook, chatStreamHook, embeddingsHook, responsesHook)
}

func extractChunk(chunk openai.ChatCompletionChunk) intercept.Chunk {
	out := intercept.Chunk{RequestID: chunk.ID}
	for _, choice := range chunk.Choices {
		out.Text += choice.Delta.Content
	}
	return out
}

// Client is an *openai.Client whose chat, embedding and response calls are
// recorded. Other services are reached through the embedded SDK client.
type Client struct {
	*openai.Client

	Chat       ChatService
	Embeddings EmbeddingService
	Responses  ResponseService
}

// Wrap returns a recording facade over c.
func Wrap(c *openai.Client) *Client {
	return &Client{
		Client:     c,
		Chat:       ChatService{Completions: ChatCompletionService{client: c}},
		Embeddings: EmbeddingService{client: c},
		Responses:  ResponseService{client: c},
	}
}

// ChatService mirrors openai.ChatService.
type ChatService struct {
	Completions ChatCompletionService
}

// ChatCompletionService mirrors openai.ChatCompletionService.
type ChatCompletionService struct {
	client *openai.Client
}

// New mirrors openai.ChatCompletionService.New.
func (s ChatCompletionService) New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	return chatHook.Call(ctx, s.client, Call[openai.ChatCompletionNewParams]{Params: body, Opts: opts})
}

// NewStreaming mirrors openai.ChatCompletionService.NewStreaming, returning
// the interface *ssestream.Stream satisfies. Transport errors surface through
// the stream's Err, as with the SDK.
func (s ChatCompletionService) NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) intercept.Iterator[openai.ChatCompletionChunk] {
	it, _ := chatStreamHook.Call(ctx, s.client, Call[openai.ChatCompletionNewParams]{Params: body, Opts: opts})
	return it
}

// EmbeddingService mirrors openai.EmbeddingService.
type EmbeddingService struct {
	client *openai.Client
}

// New mirrors openai.EmbeddingService.New.
func (s EmbeddingService) New(ctx context.Context, body openai.EmbeddingNewParams, opts ...option.RequestOption) (*openai.CreateEmbeddingResponse, error) {
	return embeddingsHook.Call(ctx, s.client, Call[openai.EmbeddingNewParams]{Params: body, Opts: opts})
}

// ResponseService mirrors responses.ResponseService.
type ResponseService struct {
	client *openai.Client
}

// New mirrors responses.ResponseService.New.
func (s ResponseService) New(ctx context.Context, body responses.ResponseNewParams, opts ...option.RequestOption) (*responses.Response, error) {
	return responsesHook.Call(ctx, s.client, Call[responses.ResponseNewParams]{Params: body, Opts: opts})
}

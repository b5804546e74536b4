// Package goopenai intercepts the community OpenAI client,
// github.com/sashabaranov/go-openai.
//
// Importing the package registers its targets with intercept.Default. Calls
// are recorded when they go through a Client returned by Wrap.
package goopenai

import (
	"context"
	"errors"
	"io"

	"github.com/aschepis/backscratcher/llmwarehouse/intercept"
	"github.com/aschepis/backscratcher/llmwarehouse/record"
	openai "github.com/sashabaranov/go-openai"
)

const pkgPath = "github.com/sashabaranov/go-openai"

// Logical method names shared with the official SDK targets.
const (
	MethodChatCompletionsCreate = "openai.chat.completions.create"
	MethodEmbeddingsCreate      = "openai.embeddings.create"
)

var (
	chatHook = intercept.NewHook(intercept.HookConfig[*openai.Client, openai.ChatCompletionRequest, openai.ChatCompletionResponse]{
		Key:    pkgPath + ".Client.CreateChatCompletion",
		Method: MethodChatCompletionsCreate,
		Original: func(ctx context.Context, c *openai.Client, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
			return c.CreateChatCompletion(ctx, req)
		},
		RequestID: func(resp openai.ChatCompletionResponse) string { return resp.ID },
	})

	chatStreamHook = intercept.NewStreamHook(intercept.StreamHookConfig[*openai.Client, openai.ChatCompletionRequest, openai.ChatCompletionStreamResponse]{
		Key:    pkgPath + ".Client.CreateChatCompletionStream",
		Method: MethodChatCompletionsCreate,
		Original: func(ctx context.Context, c *openai.Client, req openai.ChatCompletionRequest) (intercept.Iterator[openai.ChatCompletionStreamResponse], error) {
			stream, err := c.CreateChatCompletionStream(ctx, req)
			if err != nil {
				return nil, err
			}
			return &recvIterator{stream: stream}, nil
		},
		Describe: func(req openai.ChatCompletionRequest) record.Call {
			req.Stream = true
			return record.Call{Kwargs: req}
		},
		Extract: extractChunk,
	})

	embeddingsHook = intercept.NewHook(intercept.HookConfig[*openai.Client, openai.EmbeddingRequestConverter, openai.EmbeddingResponse]{
		Key:    pkgPath + ".Client.CreateEmbeddings",
		Method: MethodEmbeddingsCreate,
		Original: func(ctx context.Context, c *openai.Client, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
			return c.CreateEmbeddings(ctx, conv)
		},
		Describe: func(conv openai.EmbeddingRequestConverter) record.Call {
			return record.Call{Kwargs: conv.Convert()}
		},
	})
)

func init() {
	intercept.Default.MustRegister(chatHook, chatStreamHook, embeddingsHook)
}

func extractChunk(resp openai.ChatCompletionStreamResponse) intercept.Chunk {
	chunk := intercept.Chunk{RequestID: resp.ID}
	for _, choice := range resp.Choices {
		chunk.Text += choice.Delta.Content
	}
	return chunk
}

// Client is an *openai.Client whose chat and embedding calls are recorded.
// Every other method is the SDK's own.
type Client struct {
	*openai.Client
}

// Wrap returns a recording facade over c.
func Wrap(c *openai.Client) *Client {
	return &Client{Client: c}
}

// CreateChatCompletion mirrors openai.Client.CreateChatCompletion.
func (c *Client) CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return chatHook.Call(ctx, c.Client, request)
}

// CreateChatCompletionStream mirrors openai.Client.CreateChatCompletionStream.
func (c *Client) CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*ChatCompletionStream, error) {
	it, err := chatStreamHook.Call(ctx, c.Client, request)
	if err != nil {
		return nil, err
	}
	return &ChatCompletionStream{it: it}, nil
}

// CreateEmbeddings mirrors openai.Client.CreateEmbeddings.
func (c *Client) CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	return embeddingsHook.Call(ctx, c.Client, conv)
}

// ChatCompletionStream keeps the Recv/Close shape of the SDK stream.
type ChatCompletionStream struct {
	it intercept.Iterator[openai.ChatCompletionStreamResponse]
}

// Recv returns the next chunk, or io.EOF once the stream is exhausted.
func (s *ChatCompletionStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if s.it.Next() {
		return s.it.Current(), nil
	}
	if err := s.it.Err(); err != nil {
		return openai.ChatCompletionStreamResponse{}, err
	}
	return openai.ChatCompletionStreamResponse{}, io.EOF
}

// Close releases the underlying HTTP response.
func (s *ChatCompletionStream) Close() error {
	return s.it.Close()
}

// recvIterator adapts the SDK's Recv-style stream to intercept.Iterator.
type recvIterator struct {
	stream  *openai.ChatCompletionStream
	current openai.ChatCompletionStreamResponse
	err     error
	done    bool
}

func (r *recvIterator) Next() bool {
	if r.done {
		return false
	}
	resp, err := r.stream.Recv()
	if err != nil {
		r.done = true
		if !errors.Is(err, io.EOF) {
			r.err = err
		}
		return false
	}
	r.current = resp
	return true
}

func (r *recvIterator) Current() openai.ChatCompletionStreamResponse { return r.current }

func (r *recvIterator) Err() error { return r.err }

func (r *recvIterator) Close() error {
	r.done = true
	return r.stream.Close()
}

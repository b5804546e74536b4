// Package ollama intercepts the Ollama client, github.com/ollama/ollama/api.
//
// Ollama streams through a callback rather than an iterator, so the chat
// target taps the callback: every response still reaches the caller's
// function as it arrives, and the concatenated content is recorded once the
// call returns.
package ollama

import (
	"context"
	"strings"

	"github.com/aschepis/backscratcher/llmwarehouse/intercept"
	"github.com/aschepis/backscratcher/llmwarehouse/record"
	"github.com/ollama/ollama/api"
)

const pkgPath = "github.com/ollama/ollama/api"

// Logical method names recorded as sdk_method.
const (
	MethodChat  = "ollama.chat"
	MethodEmbed = "ollama.embed"
)

// ChatCall is one Chat invocation.
type ChatCall struct {
	Request *api.ChatRequest
	Fn      api.ChatResponseFunc
}

var (
	chatHook = intercept.NewHook(intercept.HookConfig[*api.Client, ChatCall, struct{}]{
		Key:    pkgPath + ".Client.Chat",
		Method: MethodChat,
		Original: func(ctx context.Context, c *api.Client, call ChatCall) (struct{}, error) {
			return struct{}{}, c.Chat(ctx, call.Request, call.Fn)
		},
		Describe: func(call ChatCall) record.Call {
			return record.Call{Kwargs: call.Request, Streaming: streaming(call.Request)}
		},
		Tap: tapChat,
	})

	embedHook = intercept.NewHook(intercept.HookConfig[*api.Client, *api.EmbedRequest, *api.EmbedResponse]{
		Key:    pkgPath + ".Client.Embed",
		Method: MethodEmbed,
		Original: func(ctx context.Context, c *api.Client, req *api.EmbedRequest) (*api.EmbedResponse, error) {
			return c.Embed(ctx, req)
		},
	})
)

func init() {
	intercept.Default.MustRegister(chatHook, embedHook)
}

// streaming mirrors the server default: responses stream unless the request
// sets stream to false.
func streaming(req *api.ChatRequest) bool {
	return req == nil || req.Stream == nil || *req.Stream
}

func tapChat(call ChatCall) (ChatCall, func() any) {
	var (
		content strings.Builder
		chunks  int
		last    api.ChatResponse
	)
	user := call.Fn
	call.Fn = func(resp api.ChatResponse) error {
		chunks++
		content.WriteString(resp.Message.Content)
		last = resp
		if user == nil {
			return nil
		}
		return user(resp)
	}

	return call, func() any {
		if !streaming(call.Request) {
			return last
		}
		return intercept.StreamSummary{
			Content:  content.String(),
			Chunks:   chunks,
			Complete: last.Done,
		}
	}
}

// Client is an *api.Client whose chat and embed calls are recorded.
type Client struct {
	*api.Client
}

// Wrap returns a recording facade over c.
func Wrap(c *api.Client) *Client {
	return &Client{Client: c}
}

// Chat mirrors api.Client.Chat.
func (c *Client) Chat(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error {
	_, err := chatHook.Call(ctx, c.Client, ChatCall{Request: req, Fn: fn})
	return err
}

// Embed mirrors api.Client.Embed.
func (c *Client) Embed(ctx context.Context, req *api.EmbedRequest) (*api.EmbedResponse, error) {
	return embedHook.Call(ctx, c.Client, req)
}

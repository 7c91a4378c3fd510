// Package llm talks to the chat model provider.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/ashureev/chatd/internal/config"
)

const titlePrompt = `You create short, clear titles for chat threads.
Return a concise title (2-6 words) based on the conversation history.
Do not use quotes, emojis, or trailing punctuation.`

// Usage is the token accounting reported at the end of a stream.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Chunk is one increment of a model stream.
type Chunk struct {
	Text         string
	Reasoning    string
	FinishReason string

	// Usage is only set on the final accounting chunk.
	Usage *Usage

	// ToolCalls holds the fully assembled calls of the step. It arrives on
	// its own chunk once the provider has finished the stream.
	ToolCalls []ToolCall
}

// ToolCall is one function call requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Request is a fully assembled prompt.
type Request struct {
	Messages []openai.ChatCompletionMessage
	Tools    []openai.Tool

	// Verbosity "low" asks for shorter answers.
	Verbosity string
}

// Client streams completions and generates titles through an
// OpenAI-compatible API.
type Client struct {
	client     *openai.Client
	model      string
	titleModel string
	logger     *slog.Logger
}

// NewClient creates a Client from configuration.
func NewClient(cfg config.OpenAIConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &Client{
		client:     openai.NewClientWithConfig(oc),
		model:      cfg.Model,
		titleModel: cfg.TitleModel,
		logger:     logger,
	}
}

// Stream runs a streaming completion. The final chunk carries usage when the
// provider reports it. Errors are wrapped so callers can surface a safe message.
func (c *Client) Stream(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		messages := req.Messages
		if req.Verbosity == "low" {
			messages = append([]openai.ChatCompletionMessage{{
				Role:    openai.ChatMessageRoleSystem,
				Content: "Keep answers brief; the reader is on a small screen.",
			}}, messages...)
		}

		stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:         c.model,
			Messages:      messages,
			Tools:         req.Tools,
			Stream:        true,
			StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		})
		if err != nil {
			yield(Chunk{}, wrapError(fmt.Errorf("start completion stream: %w", err)))
			return
		}
		defer stream.Close()

		var calls toolCallAccumulator
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				if assembled := calls.assemble(); len(assembled) > 0 {
					yield(Chunk{ToolCalls: assembled}, nil)
				}
				return
			}
			if err != nil {
				yield(Chunk{}, wrapError(fmt.Errorf("completion stream: %w", err)))
				return
			}

			var chunk Chunk
			if len(resp.Choices) > 0 {
				delta := resp.Choices[0].Delta
				chunk.Text = delta.Content
				chunk.Reasoning = delta.ReasoningContent
				chunk.FinishReason = string(resp.Choices[0].FinishReason)
				calls.add(delta.ToolCalls)
			}
			if resp.Usage != nil {
				chunk.Usage = &Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				}
			}
			if chunk.Text == "" && chunk.Reasoning == "" && chunk.FinishReason == "" && chunk.Usage == nil {
				continue
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// toolCallAccumulator stitches streamed tool call fragments back together.
// Fragments of one call share an index; only the first carries id and name.
type toolCallAccumulator struct {
	order []int
	calls map[int]*ToolCall
	args  map[int]*strings.Builder
}

func (a *toolCallAccumulator) add(deltas []openai.ToolCall) {
	for i, d := range deltas {
		idx := i
		if d.Index != nil {
			idx = *d.Index
		}
		if a.calls == nil {
			a.calls = make(map[int]*ToolCall)
			a.args = make(map[int]*strings.Builder)
		}
		call, ok := a.calls[idx]
		if !ok {
			call = &ToolCall{}
			a.calls[idx] = call
			a.args[idx] = &strings.Builder{}
			a.order = append(a.order, idx)
		}
		if d.ID != "" {
			call.ID = d.ID
		}
		if d.Function.Name != "" {
			call.Name = d.Function.Name
		}
		a.args[idx].WriteString(d.Function.Arguments)
	}
}

func (a *toolCallAccumulator) assemble() []ToolCall {
	out := make([]ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		call := *a.calls[idx]
		call.Arguments = a.args[idx].String()
		if call.Name == "" {
			continue
		}
		out = append(out, call)
	}
	return out
}

// GenerateTitle asks the title model for a short name for text.
func (c *Client) GenerateTitle(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.titleModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: titlePrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		return "", fmt.Errorf("title completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		c.logger.Info("title completion returned no choices", "model", c.titleModel)
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

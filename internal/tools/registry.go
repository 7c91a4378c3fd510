// Package tools implements the functions the model may call during a turn.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/ashureev/chatd/internal/metrics"
)

// ErrUnknownTool is returned by Execute for a name that is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// Tool is one model-callable function.
type Tool interface {
	Name() string
	Description() string
	Parameters() jsonschema.Definition
	// Prompt tells the model when and how to use the tool.
	Prompt() string
	// Execute runs the call. Failures the model should see are returned as
	// part of the result; an error means the call could not run at all.
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// Briefer is implemented by tools that add live context to the system prompt.
type Briefer interface {
	Brief(ctx context.Context) string
}

// Registry holds tools in registration order.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]Tool
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{byName: make(map[string]Tool), logger: logger}
}

// Register adds tool. A tool with the same name is replaced in place.
func (r *Registry) Register(tool Tool) {
	if tool == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, ok := r.byName[name]; !ok {
		r.order = append(r.order, name)
	}
	r.byName[name] = tool
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.byName[name]
	return tool, ok
}

func (r *Registry) list() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Definitions returns the function declarations sent with each request.
func (r *Registry) Definitions() []openai.Tool {
	tools := r.list()
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters()
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  &params,
			},
		})
	}
	return out
}

// Prompts returns the live briefs followed by each tool's usage prompt.
func (r *Registry) Prompts(ctx context.Context) []string {
	tools := r.list()
	var briefs, prompts []string
	for _, t := range tools {
		if b, ok := t.(Briefer); ok {
			if brief := strings.TrimSpace(b.Brief(ctx)); brief != "" {
				briefs = append(briefs, brief)
			}
		}
		if p := strings.TrimSpace(t.Prompt()); p != "" {
			prompts = append(prompts, p)
		}
	}
	return append(briefs, prompts...)
}

// Execute runs the named tool and returns its JSON encoded result.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	tool, ok := r.Get(name)
	if !ok {
		metrics.ToolCalls.WithLabelValues("unknown", "error").Inc()
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	result, err := tool.Execute(ctx, args)
	if err != nil {
		metrics.ToolCalls.WithLabelValues(name, "error").Inc()
		r.logger.Warn("tool call failed", "tool", name, "error", err)
		return nil, err
	}
	out, err := json.Marshal(result)
	if err != nil {
		metrics.ToolCalls.WithLabelValues(name, "error").Inc()
		return nil, fmt.Errorf("encode %s result: %w", name, err)
	}
	metrics.ToolCalls.WithLabelValues(name, "ok").Inc()
	return out, nil
}

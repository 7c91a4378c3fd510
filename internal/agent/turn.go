package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/ashureev/chatd/internal/domain"
	"github.com/ashureev/chatd/internal/llm"
	"github.com/ashureev/chatd/internal/metrics"
	"github.com/ashureev/chatd/internal/tools"
)

// maxSteps caps model calls per turn.
const maxSteps = 7

// Turn is one accepted chat turn whose placeholder is already stored.
// A Turn is consumed by a single goroutine.
type Turn struct {
	svc           *Service
	req           SendRequest
	prompt        llm.Request
	grant         string
	placeholderID string
	state         State
}

// Grant returns the grant minted during authorization, or "".
func (t *Turn) Grant() string { return t.grant }

// PlaceholderID returns the id of the pending assistant message.
func (t *Turn) PlaceholderID() string { return t.placeholderID }

// State returns the current lifecycle state.
func (t *Turn) State() State { return t.state }

// Events streams the model response. Error events are yielded together with
// the underlying error; their text is always safe to show.
//
// A turn runs up to maxSteps model calls; every step that ends with tool
// calls executes them and feeds the results into the next step. When the
// consumer stops early or ctx is cancelled before the last step finishes,
// the turn is abandoned and the placeholder stays pending.
func (t *Turn) Events(ctx context.Context) iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		s := t.svc
		t.state = StateStreaming
		start := s.now()

		streamCtx := ctx
		if s.cfg.StreamTimeout > 0 {
			var cancel context.CancelFunc
			streamCtx, cancel = context.WithTimeout(ctx, s.cfg.StreamTimeout)
			defer cancel()
		}

		var tokens int
		defer func() {
			if tokens > 0 {
				s.deps.Usage.RecordAsync(t.req.User.Address, int64(tokens))
			}
		}()

		if !yield(StreamEvent{Type: EventStart, MessageID: t.placeholderID}, nil) {
			t.abandon(ctx)
			return
		}

		// Once the last step has finished the write happens even if the
		// client has gone away.
		open := true
		emit := func(ev StreamEvent) {
			if open {
				open = yield(ev, nil)
			}
		}

		var parts []domain.Part
		prompt := t.prompt
		for step := 0; ; step++ {
			out, ok := t.streamStep(ctx, streamCtx, prompt, yield)
			tokens += out.tokens
			if !ok {
				return
			}

			if out.reasoningID != "" {
				emit(StreamEvent{Type: EventReasoningEnd, ID: out.reasoningID})
			}
			if out.textID != "" {
				emit(StreamEvent{Type: EventTextEnd, ID: out.textID})
			}
			parts = append(parts, domain.Part{Type: "step-start"})
			if out.reasoning != "" {
				parts = append(parts, domain.Part{Type: "reasoning", Text: out.reasoning})
			}
			if out.text != "" {
				parts = append(parts, domain.TextPart(out.text))
			}

			if len(out.calls) == 0 {
				emit(StreamEvent{Type: EventFinishStep})
				break
			}
			if !open {
				t.abandon(ctx)
				return
			}
			outputs, toolParts, ok := t.runTools(ctx, streamCtx, out.calls, yield)
			if !ok {
				return
			}
			parts = append(parts, toolParts...)
			emit(StreamEvent{Type: EventFinishStep})
			if step == maxSteps-1 {
				break
			}
			if !open {
				t.abandon(ctx)
				return
			}
			prompt.Messages = slices.Concat(prompt.Messages, llm.ToolRound(out.text, out.calls, outputs))
		}

		elapsed := s.now().Sub(start)
		metrics.StreamDuration.Observe(elapsed.Seconds())

		meta, _ := json.Marshal(map[string]int64{"reasoningDurationMs": elapsed.Milliseconds()})
		final := domain.Message{ID: t.placeholderID, Role: domain.RoleAssistant, Parts: parts, Metadata: meta}

		if err := t.finalize(ctx, final); err != nil {
			if open {
				yield(StreamEvent{Type: EventError, ErrorText: PersistErrorMessage, Code: "persist_error"}, &PersistenceError{Err: err})
			}
			return
		}
		emit(StreamEvent{Type: EventFinish, MessageMetadata: meta})
	}
}

type stepOutput struct {
	reasoningID string
	reasoning   string
	textID      string
	text        string
	calls       []llm.ToolCall
	tokens      int
}

// streamStep relays one model call. It reports false when the turn ended
// inside the step, abandoned or failed.
func (t *Turn) streamStep(ctx, streamCtx context.Context, prompt llm.Request, yield func(StreamEvent, error) bool) (stepOutput, bool) {
	s := t.svc
	var (
		out             stepOutput
		text, reasoning strings.Builder
	)
	send := func(ev StreamEvent) bool {
		if yield(ev, nil) {
			return true
		}
		t.abandon(ctx)
		return false
	}

	if !send(StreamEvent{Type: EventStartStep}) {
		return out, false
	}
	for chunk, err := range s.deps.Processor.Stream(streamCtx, prompt) {
		if err != nil {
			if ctx.Err() != nil {
				t.abandon(ctx)
				return out, false
			}
			yield(t.fail(ctx, err), err)
			return out, false
		}
		if chunk.Usage != nil {
			out.tokens = chunk.Usage.TotalTokens
		}
		out.calls = append(out.calls, chunk.ToolCalls...)

		if chunk.Reasoning != "" {
			if out.reasoningID == "" {
				out.reasoningID = s.newID()
				if !send(StreamEvent{Type: EventReasoningStart, ID: out.reasoningID}) {
					return out, false
				}
			}
			reasoning.WriteString(chunk.Reasoning)
			if !send(StreamEvent{Type: EventReasoningDelta, ID: out.reasoningID, Delta: chunk.Reasoning}) {
				return out, false
			}
		}
		if chunk.Text != "" {
			if out.textID == "" {
				out.textID = s.newID()
				if !send(StreamEvent{Type: EventTextStart, ID: out.textID}) {
					return out, false
				}
			}
			text.WriteString(chunk.Text)
			if !send(StreamEvent{Type: EventTextDelta, ID: out.textID, Delta: chunk.Text}) {
				return out, false
			}
		}
	}
	out.reasoning = reasoning.String()
	out.text = text.String()
	return out, true
}

// runTools executes the step's calls in order. Calls without an id get one
// so the follow-up prompt can reference them. A failed call becomes an
// output-error part; it does not end the turn.
func (t *Turn) runTools(ctx, streamCtx context.Context, calls []llm.ToolCall, yield func(StreamEvent, error) bool) ([]string, []domain.Part, bool) {
	s := t.svc
	outputs := make([]string, len(calls))
	parts := make([]domain.Part, 0, len(calls))

	for i := range calls {
		call := &calls[i]
		if call.ID == "" {
			call.ID = "call_" + s.newID()
		}
		input := toolInput(call.Arguments)
		if !yield(StreamEvent{Type: EventToolInputAvailable, ToolCallID: call.ID, ToolName: call.Name, Input: input}, nil) {
			t.abandon(ctx)
			return nil, nil, false
		}

		part := domain.Part{Type: "tool-" + call.Name, ToolCallID: call.ID, Input: input}
		var ev StreamEvent
		result, err := t.executeTool(streamCtx, call.Name, input)
		switch {
		case err != nil && ctx.Err() != nil:
			t.abandon(ctx)
			return nil, nil, false
		case err != nil:
			s.logger.Warn("tool call failed",
				"conversation_id", t.req.ConversationID,
				"tool", call.Name,
				"error", err)
			part.State = domain.ToolOutputError
			part.ErrorText = err.Error()
			failed, _ := json.Marshal(map[string]string{"error": part.ErrorText})
			outputs[i] = string(failed)
			ev = StreamEvent{Type: EventToolOutputError, ToolCallID: call.ID, ErrorText: part.ErrorText}
		default:
			part.State = domain.ToolOutputAvailable
			part.Output = result
			outputs[i] = string(result)
			ev = StreamEvent{Type: EventToolOutputAvailable, ToolCallID: call.ID, Output: result}
		}
		parts = append(parts, part)
		if !yield(ev, nil) {
			t.abandon(ctx)
			return nil, nil, false
		}
	}
	return outputs, parts, true
}

func (t *Turn) executeTool(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	if t.svc.deps.Tools == nil {
		return nil, fmt.Errorf("%w: %s", tools.ErrUnknownTool, name)
	}
	out, err := t.svc.deps.Tools.Execute(ctx, name, input)
	if err == nil && len(out) == 0 {
		out = json.RawMessage("null")
	}
	return out, err
}

// toolInput turns streamed arguments into a JSON value. Arguments that are
// not valid JSON are passed on as a JSON string.
func toolInput(args string) json.RawMessage {
	args = strings.TrimSpace(args)
	if args == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}

func (t *Turn) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), t.svc.cfg.PersistTimeout)
}

func (t *Turn) finalize(ctx context.Context, final domain.Message) error {
	s := t.svc
	pctx, cancel := t.persistContext(ctx)
	defer cancel()

	transcript := append(slices.Clone(t.req.Messages), final)
	stored, err := s.persist(pctx, s.reconcileInput(t.req, transcript, true))
	if err == nil {
		err = s.deps.Transcripts.ClearPlaceholderIfUnclaimed(pctx, t.req.ConversationID, t.placeholderID, stored)
	}
	if err != nil {
		t.state = StateFinalizedError
		metrics.StreamOutcomes.WithLabelValues("persist_error").Inc()
		s.logger.Error("failed to store finished chat",
			"conversation_id", t.req.ConversationID,
			"placeholder_id", t.placeholderID,
			"error", err)
		return err
	}

	t.state = StateFinalizedOK
	metrics.StreamOutcomes.WithLabelValues("success").Inc()
	if s.cfg.Debug {
		s.logger.Info("stored chat messages",
			"conversation_id", t.req.ConversationID,
			"count", len(stored))
	}
	return nil
}

func (t *Turn) fail(ctx context.Context, cause error) StreamEvent {
	s := t.svc
	message := safeMessage(cause)
	s.logger.Error("chat stream failed",
		"conversation_id", t.req.ConversationID,
		"placeholder_id", t.placeholderID,
		"error", cause)

	pctx, cancel := t.persistContext(ctx)
	defer cancel()
	if err := s.deps.Transcripts.MarkPlaceholderFailed(pctx, t.req.ConversationID, t.placeholderID, message); err != nil {
		s.logger.Error("failed to mark placeholder failed",
			"conversation_id", t.req.ConversationID,
			"placeholder_id", t.placeholderID,
			"error", err)
	}

	t.state = StateFinalizedError
	metrics.StreamOutcomes.WithLabelValues("upstream_error").Inc()
	return StreamEvent{Type: EventError, ErrorText: message}
}

func (t *Turn) abandon(ctx context.Context) {
	t.state = StateAbandoned
	metrics.StreamOutcomes.WithLabelValues("abandoned").Inc()
	t.svc.logger.Info("chat stream abandoned",
		"conversation_id", t.req.ConversationID,
		"placeholder_id", t.placeholderID,
		"reason", context.Cause(ctx))
}

// safeMessage returns text that may be shown to the user for err.
func safeMessage(err error) string {
	var safe interface{ SafeMessage() string }
	if errors.As(err, &safe) {
		if msg := safe.SafeMessage(); msg != "" {
			return msg
		}
	}
	return StreamErrorMessage
}

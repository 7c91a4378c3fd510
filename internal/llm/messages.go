package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/ashureev/chatd/internal/domain"
)

// ErrEmptyPrompt is returned when a transcript has nothing to send.
var ErrEmptyPrompt = errors.New("prompt has no content")

// BuildMessages converts system prompts and a transcript into provider
// messages. Video attachments are dropped; other non-image files are listed
// by name and URL since the provider only accepts inline images. Finished
// tool invocations on assistant messages are replayed as tool calls followed
// by their results.
func BuildMessages(system []string, transcript []domain.Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(system)+len(transcript))
	for _, s := range system {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: s})
		}
	}

	hasTurn := false
	for i := range transcript {
		var converted []openai.ChatCompletionMessage
		if transcript[i].Role == domain.RoleAssistant {
			converted = convertAssistant(&transcript[i])
		} else if msg, ok := convertMessage(&transcript[i]); ok {
			converted = []openai.ChatCompletionMessage{msg}
		}
		if len(converted) == 0 {
			continue
		}
		out = append(out, converted...)
		hasTurn = true
	}
	if !hasTurn {
		return nil, ErrEmptyPrompt
	}
	return out, nil
}

// ToolRound renders one completed tool step for the follow-up request: the
// assistant turn that asked for the calls, then one tool message per call.
// outputs[i] is the JSON result of calls[i].
func ToolRound(text string, calls []ToolCall, outputs []string) []openai.ChatCompletionMessage {
	assistant := openai.ChatCompletionMessage{
		Role:      openai.ChatMessageRoleAssistant,
		Content:   text,
		ToolCalls: make([]openai.ToolCall, 0, len(calls)),
	}
	for _, c := range calls {
		args := c.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		assistant.ToolCalls = append(assistant.ToolCalls, openai.ToolCall{
			ID:       c.ID,
			Type:     openai.ToolTypeFunction,
			Function: openai.FunctionCall{Name: c.Name, Arguments: args},
		})
	}

	out := []openai.ChatCompletionMessage{assistant}
	for i, c := range calls {
		content := "null"
		if i < len(outputs) && outputs[i] != "" {
			content = outputs[i]
		}
		out = append(out, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			ToolCallID: c.ID,
			Content:    content,
		})
	}
	return out
}

// convertAssistant splits an assistant message into steps at step-start
// boundaries so text and tool calls keep the order the model produced them.
func convertAssistant(m *domain.Message) []openai.ChatCompletionMessage {
	var (
		out     []openai.ChatCompletionMessage
		texts   []string
		calls   []ToolCall
		outputs []string
	)
	flush := func() {
		text := strings.Join(texts, "\n\n")
		switch {
		case len(calls) > 0:
			out = append(out, ToolRound(text, calls, outputs)...)
		case text != "":
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text})
		}
		texts, calls, outputs = nil, nil, nil
	}

	for _, p := range m.Parts {
		switch p.Kind() {
		case domain.PartStepStart:
			flush()
		case domain.PartText:
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		case domain.PartTool, domain.PartDynamicTool:
			call, output, ok := toolInvocation(p)
			if ok {
				calls = append(calls, call)
				outputs = append(outputs, output)
			}
		}
	}
	flush()
	return out
}

// toolInvocation extracts a finished call and its result from a tool part.
// Calls still in flight are skipped; the provider rejects unanswered calls.
func toolInvocation(p domain.Part) (ToolCall, string, bool) {
	if p.ToolCallID == "" {
		return ToolCall{}, "", false
	}
	name := p.ToolName
	if p.Kind() == domain.PartTool {
		name = strings.TrimPrefix(p.Type, "tool-")
	}
	call := ToolCall{ID: p.ToolCallID, Name: name, Arguments: string(p.Input)}

	switch p.State {
	case domain.ToolOutputAvailable:
		output := string(p.Output)
		if output == "" {
			output = "null"
		}
		return call, output, true
	case domain.ToolOutputError:
		output, _ := json.Marshal(map[string]string{"error": p.ErrorText})
		return call, string(output), true
	}
	return ToolCall{}, "", false
}

func convertMessage(m *domain.Message) (openai.ChatCompletionMessage, bool) {
	var (
		texts  []string
		images []string
	)
	for _, p := range m.Parts {
		switch p.Kind() {
		case domain.PartText:
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		case domain.PartImage:
			images = append(images, p.Image)
		case domain.PartFile:
			switch {
			case strings.HasPrefix(p.MediaType, "video/"):
			case strings.HasPrefix(p.MediaType, "image/"):
				images = append(images, p.URL)
			default:
				name := p.Filename
				if name == "" {
					name = "attachment"
				}
				texts = append(texts, fmt.Sprintf("Attachment: %s (%s) %s", name, p.MediaType, p.URL))
			}
		}
	}

	role := openai.ChatMessageRoleUser
	if m.Role == domain.RoleSystem {
		role = openai.ChatMessageRoleSystem
		images = nil
	}

	if len(images) == 0 {
		if len(texts) == 0 {
			return openai.ChatCompletionMessage{}, false
		}
		return openai.ChatCompletionMessage{Role: role, Content: strings.Join(texts, "\n\n")}, true
	}

	parts := make([]openai.ChatMessagePart, 0, len(texts)+len(images))
	for _, t := range texts {
		parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: t})
	}
	for _, u := range images {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: u, Detail: openai.ImageURLDetailAuto},
		})
	}
	return openai.ChatCompletionMessage{Role: role, MultiContent: parts}, true
}

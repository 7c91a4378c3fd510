package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// PartKind is the closed set of content part variants.
type PartKind int

const (
	PartUnknown PartKind = iota
	PartText
	PartReasoning
	PartFile
	PartImage
	PartStepStart
	PartSourceURL
	PartSourceDocument
	PartTool
	PartDynamicTool
	PartData
)

// Tool invocation states.
const (
	ToolInputStreaming  = "input-streaming"
	ToolInputAvailable  = "input-available"
	ToolOutputAvailable = "output-available"
	ToolOutputError     = "output-error"
)

// ErrUnknownPart is returned by Validate for a part whose type is not recognized.
var ErrUnknownPart = errors.New("unknown message part type")

// ErrMissingText is returned when a text or reasoning part is decoded
// without a text field. An empty string is allowed.
var ErrMissingText = errors.New("message part requires text")

// Part is one typed piece of message content. Type is the wire discriminant;
// "tool-<name>" and "data-<name>" carry a name suffix.
type Part struct {
	Type string `json:"type"`

	// text, reasoning
	Text string `json:"text,omitempty"`

	// file, source-url, source-document
	URL       string `json:"url,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Filename  string `json:"filename,omitempty"`

	// image
	Image string `json:"image,omitempty"`

	// source-url, source-document
	SourceID string `json:"sourceId,omitempty"`
	Title    string `json:"title,omitempty"`

	// tool-*, dynamic-tool
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	State      string          `json:"state,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorText  string          `json:"errorText,omitempty"`

	// data-*
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// hasText reports whether the variant carries a required text field.
func (p Part) hasText() bool {
	k := p.Kind()
	return k == PartText || k == PartReasoning
}

// MarshalJSON always writes text for text and reasoning parts, even when empty.
func (p Part) MarshalJSON() ([]byte, error) {
	type plain Part
	if !p.hasText() {
		return json.Marshal(plain(p))
	}
	return json.Marshal(struct {
		plain
		Text string `json:"text"`
	}{plain(p), p.Text})
}

// UnmarshalJSON decodes a part and rejects text and reasoning parts that
// have no text field.
func (p *Part) UnmarshalJSON(data []byte) error {
	type plain Part
	var raw struct {
		plain
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Part(raw.plain)
	if raw.Text != nil {
		p.Text = *raw.Text
	}
	if p.hasText() && raw.Text == nil {
		return fmt.Errorf("%w: %s part", ErrMissingText, p.Type)
	}
	return nil
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: "text", Text: text}
}

// Kind classifies the part by its discriminant.
func (p Part) Kind() PartKind {
	switch p.Type {
	case "text":
		return PartText
	case "reasoning":
		return PartReasoning
	case "file":
		return PartFile
	case "image":
		return PartImage
	case "step-start":
		return PartStepStart
	case "source-url":
		return PartSourceURL
	case "source-document":
		return PartSourceDocument
	case "dynamic-tool":
		return PartDynamicTool
	}
	switch {
	case strings.HasPrefix(p.Type, "tool-") && len(p.Type) > len("tool-"):
		return PartTool
	case strings.HasPrefix(p.Type, "data-") && len(p.Type) > len("data-"):
		return PartData
	}
	return PartUnknown
}

// Validate checks that the fields required by the part's variant are present.
func (p Part) Validate() error {
	switch p.Kind() {
	case PartText, PartReasoning, PartStepStart:
		return nil
	case PartFile:
		if p.URL == "" || p.MediaType == "" {
			return fmt.Errorf("file part requires url and mediaType")
		}
	case PartImage:
		if p.Image == "" {
			return fmt.Errorf("image part requires image")
		}
	case PartSourceURL:
		if p.SourceID == "" || p.URL == "" {
			return fmt.Errorf("source-url part requires sourceId and url")
		}
	case PartSourceDocument:
		if p.SourceID == "" || p.MediaType == "" || p.Title == "" {
			return fmt.Errorf("source-document part requires sourceId, mediaType and title")
		}
	case PartTool, PartDynamicTool:
		if p.ToolCallID == "" {
			return fmt.Errorf("%s part requires toolCallId", p.Type)
		}
		if p.Kind() == PartDynamicTool && p.ToolName == "" {
			return fmt.Errorf("dynamic-tool part requires toolName")
		}
		switch p.State {
		case ToolInputStreaming, ToolInputAvailable, ToolOutputAvailable, ToolOutputError:
		default:
			return fmt.Errorf("%s part has invalid state %q", p.Type, p.State)
		}
	case PartData:
		if len(p.Data) == 0 {
			return fmt.Errorf("%s part requires data", p.Type)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPart, p.Type)
	}
	return nil
}

// KnownParts drops parts with an unrecognized discriminant.
func KnownParts(parts []Part) []Part {
	out := make([]Part, 0, len(parts))
	for _, p := range parts {
		if p.Kind() != PartUnknown {
			out = append(out, p)
		}
	}
	return out
}

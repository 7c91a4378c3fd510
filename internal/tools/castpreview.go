package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/sashabaranov/go-openai/jsonschema"
)

type castEmbed struct {
	URL string `json:"url" validate:"required"`
}

// Cast is a draft post shown to the user for approval.
type Cast struct {
	Text   *string     `json:"text"`
	Embeds []castEmbed `json:"embeds,omitempty" validate:"omitempty,dive"`
	// Parent is a channel parent_url or the hash of the cast being replied to.
	Parent string `json:"parent,omitempty"`
}

// CastPreview echoes a drafted cast back so the client can render it with a
// publish button. Nothing is posted server-side.
type CastPreview struct {
	validate *validator.Validate
}

// NewCastPreview creates the preview tool.
func NewCastPreview() *CastPreview {
	return &CastPreview{validate: validator.New(validator.WithRequiredStructEnabled())}
}

func (c *CastPreview) Name() string { return "castPreview" }

func (c *CastPreview) Description() string { return "Show the cast preview to the user" }

func (c *CastPreview) Parameters() jsonschema.Definition {
	return jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"text": {Type: jsonschema.String, Description: "Cast's text"},
			"embeds": {
				Type: jsonschema.Array,
				Items: &jsonschema.Definition{
					Type:       jsonschema.Object,
					Properties: map[string]jsonschema.Definition{"url": {Type: jsonschema.String}},
					Required:   []string{"url"},
				},
			},
			"parent": {Type: jsonschema.String},
		},
		Required: []string{"text"},
	}
}

func (c *CastPreview) Prompt() string {
	return `### Cast Preview tool

You can call this tool with the cast data - it will generate a preview of the cast with approval button for the user.

Before calling this tool, you should have already collected the information from the user and generated the cast content.

Important: If the user provided images/videos embeds, you should show them in the cast preview unless the user has provided a reason not to.
A maximum of two images or videos are allowed to be posted in a cast.
If the user provides more than two, you should ask them to select the most relevant ones.
You can add one image and one video, or two images, or two videos. No more than two of either.

User will see the "Publish" button near the cast preview.`
}

func (c *CastPreview) Execute(_ context.Context, args json.RawMessage) (any, error) {
	var cast Cast
	if err := json.Unmarshal(args, &cast); err != nil {
		return nil, fmt.Errorf("decode cast: %w", err)
	}
	if cast.Text == nil {
		return nil, errors.New("invalid cast: text is required")
	}
	if err := c.validate.Struct(&cast); err != nil {
		return nil, fmt.Errorf("invalid cast: %w", err)
	}
	return cast, nil
}

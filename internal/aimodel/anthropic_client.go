package aimodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/panelforge/engine/internal/platform/logger"
)

// anthropicClient is a TextModel backed by the Messages API. It exists
// alongside openAIClient so a deployment can route narration/dialogue stages
// to either backend without the stage workers knowing the difference -
// both satisfy the same TextModel interface.
type anthropicClient struct {
	log    *logger.Logger
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicClient builds a TextModel backed by the Messages API.
func NewAnthropicClient(log *logger.Logger) (TextModel, error) {
	apiKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("missing ANTHROPIC_API_KEY")
	}
	model := strings.TrimSpace(os.Getenv("ANTHROPIC_MODEL"))
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_5)
	}
	if log == nil {
		return nil, errors.New("logger required")
	}
	return &anthropicClient{
		log:    log.With("component", "aimodel.anthropic"),
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}, nil
}

// GenerateJSON asks Claude for structured output by instructing it to reply
// with exactly one JSON object and validating the schema client-side; the
// Messages API has no native json_schema response format, unlike the
// Responses API the OpenAI-shaped client targets.
func (c *anthropicClient) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema %s: %w", schemaName, err)
	}
	combinedSystem := system + "\n\nRespond with exactly one JSON object conforming to this schema, and nothing else:\n" + string(schemaBytes)

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: combinedSystem},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return nil, translateAnthropicErr(err)
	}
	text := concatText(msg)
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("no text content in response")
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(extractJSONObject(text)), &obj); err != nil {
		return nil, fmt.Errorf("parse model json: %w", err)
	}
	return obj, nil
}

func (c *anthropicClient) GenerateText(ctx context.Context, system, user string) (string, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", translateAnthropicErr(err)
	}
	text := concatText(msg)
	if strings.TrimSpace(text) == "" {
		return "", errors.New("no text content in response")
	}
	return text, nil
}

func concatText(msg *anthropic.Message) string {
	if msg == nil {
		return ""
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// extractJSONObject trims any leading/trailing prose a model adds despite
// instructions, taking the outermost {...} span.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

func translateAnthropicErr(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 400 && strings.Contains(strings.ToLower(apiErr.Message), "content") {
			return &ErrContentPolicy{Reason: apiErr.Message}
		}
	}
	return err
}

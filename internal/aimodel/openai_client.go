package aimodel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/panelforge/engine/internal/platform/logger"
)

// openAIClient is a Responses-API-shaped TextModel/ImageModel, grounded on
// the teacher's internal/platform/openai.client: a thin net/http wrapper
// around /v1/responses and /v1/images/generations with exponential backoff
// on retryable transport errors.
type openAIClient struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	imageModel string
	imageSize  string
	httpClient *http.Client
	maxRetries int
}

// NewOpenAIClient builds a TextModel+ImageModel pair backed by the OpenAI
// Responses and Images APIs. Configuration is read from the environment the
// way the teacher's NewClient does, one place, read once.
func NewOpenAIClient(log *logger.Logger) (TextModel, ImageModel, error) {
	apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		return nil, nil, errors.New("missing OPENAI_API_KEY")
	}
	baseURL := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(os.Getenv("OPENAI_MODEL"))
	if model == "" {
		model = "gpt-5.2"
	}
	imageModel := strings.TrimSpace(os.Getenv("OPENAI_IMAGE_MODEL"))
	if imageModel == "" {
		imageModel = "gpt-image-1"
	}
	imageSize := strings.TrimSpace(os.Getenv("OPENAI_IMAGE_SIZE"))
	if imageSize == "" {
		imageSize = "1024x1024"
	}
	timeoutSec := 60
	if v := os.Getenv("OPENAI_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}
	maxRetries := 3
	if v := os.Getenv("OPENAI_MAX_RETRIES"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed >= 0 {
			maxRetries = parsed
		}
	}
	if log == nil {
		return nil, nil, errors.New("logger required")
	}
	c := &openAIClient{
		log:        log.With("component", "aimodel.openai"),
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		imageModel: imageModel,
		imageSize:  imageSize,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries: maxRetries,
	}
	return c, c, nil
}

type openAIHTTPError struct {
	StatusCode int
	Body       string
}

func (e *openAIHTTPError) Error() string {
	return fmt.Sprintf("openai http %d: %s", e.StatusCode, e.Body)
}

func (e *openAIHTTPError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func (c *openAIClient) do(ctx context.Context, method, path string, body any, out any) error {
	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var buf bytes.Buffer
		if body != nil {
			if err := json.NewEncoder(&buf).Encode(body); err != nil {
				return err
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt == c.maxRetries {
				return err
			}
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		raw, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			httpErr := &openAIHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
			if resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(string(raw)), "content policy") {
				return &ErrContentPolicy{Reason: string(raw)}
			}
			lastErr = httpErr
			if !httpErr.retryable() || attempt == c.maxRetries {
				return httpErr
			}
			c.log.Warn("openai request retrying", "path", path, "attempt", attempt+1, "status", resp.StatusCode)
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(raw, out)
	}
	return lastErr
}

type responsesInputItem struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type responsesRequest struct {
	Model string               `json:"model"`
	Input []responsesInputItem `json:"input"`
	Text  struct {
		Format map[string]any `json:"format,omitempty"`
	} `json:"text,omitempty"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Role    string `json:"role,omitempty"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content,omitempty"`
	} `json:"output"`
	Refusal string `json:"refusal,omitempty"`
}

func extractOutputText(resp responsesResponse) string {
	var out strings.Builder
	for _, item := range resp.Output {
		if item.Type == "message" && item.Role == "assistant" {
			for _, c := range item.Content {
				if c.Type == "output_text" && c.Text != "" {
					out.WriteString(c.Text)
				}
			}
		}
	}
	return out.String()
}

func (c *openAIClient) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	if schemaName == "" || schema == nil {
		return nil, errors.New("schemaName and schema required")
	}
	req := responsesRequest{
		Model: c.model,
		Input: []responsesInputItem{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	req.Text.Format = map[string]any{
		"type":   "json_schema",
		"name":   schemaName,
		"schema": schema,
		"strict": true,
	}
	var resp responsesResponse
	if err := c.do(ctx, "POST", "/v1/responses", &req, &resp); err != nil {
		return nil, err
	}
	if resp.Refusal != "" {
		return nil, &ErrContentPolicy{Reason: resp.Refusal}
	}
	text := extractOutputText(resp)
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("no output_text in response")
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, fmt.Errorf("parse model json: %w", err)
	}
	return obj, nil
}

func (c *openAIClient) GenerateText(ctx context.Context, system, user string) (string, error) {
	req := responsesRequest{
		Model: c.model,
		Input: []responsesInputItem{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	var resp responsesResponse
	if err := c.do(ctx, "POST", "/v1/responses", &req, &resp); err != nil {
		return "", err
	}
	if resp.Refusal != "" {
		return "", &ErrContentPolicy{Reason: resp.Refusal}
	}
	text := extractOutputText(resp)
	if strings.TrimSpace(text) == "" {
		return "", errors.New("no output_text in response")
	}
	return text, nil
}

type imagesGenerationRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type imagesGenerationResponse struct {
	Data []struct {
		B64JSON       string `json:"b64_json"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
}

func (c *openAIClient) GenerateImage(ctx context.Context, prompt, negativePrompt string, style map[string]string) (ImageGeneration, error) {
	var out ImageGeneration
	fullPrompt := composeImagePrompt(prompt, negativePrompt, style)
	req := imagesGenerationRequest{
		Model:          c.imageModel,
		Prompt:         fullPrompt,
		N:              1,
		Size:           c.imageSize,
		ResponseFormat: "b64_json",
	}
	var resp imagesGenerationResponse
	if err := c.do(ctx, "POST", "/v1/images/generations", &req, &resp); err != nil {
		return out, err
	}
	if len(resp.Data) == 0 {
		return out, errors.New("no image returned")
	}
	item := resp.Data[0]
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(item.B64JSON))
	if err != nil || len(raw) == 0 {
		return out, fmt.Errorf("decode image base64: %w", err)
	}
	out.Bytes = raw
	out.MimeType = "image/png"
	out.RevisedPrompt = item.RevisedPrompt
	return out, nil
}

func composeImagePrompt(prompt, negativePrompt string, style map[string]string) string {
	var b strings.Builder
	b.WriteString(prompt)
	if len(style) > 0 {
		b.WriteString(" Style: ")
		first := true
		for k, v := range style {
			if !first {
				b.WriteString(", ")
			}
			first = false
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(v)
		}
	}
	if strings.TrimSpace(negativePrompt) != "" {
		b.WriteString(" Avoid: ")
		b.WriteString(negativePrompt)
	}
	return b.String()
}

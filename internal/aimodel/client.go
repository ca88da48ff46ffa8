// Package aimodel defines the two external generative-AI interfaces the
// engine consumes as narrow collaborators (spec.md §1: "the generative-AI
// backends themselves" are out of scope). Stage workers 1-4,6-7 depend only
// on TextModel; the Image Fan-out Executor depends only on ImageModel.
//
// Shape grounded on internal/platform/openai/client.go's Client interface
// (GenerateJSON/GenerateText/GenerateImage), split into two smaller
// interfaces since no stage needs both.
package aimodel

import "context"

// TextModel is the narrow interface stage workers 1-4, 6, and 7 depend on.
type TextModel interface {
	// GenerateJSON asks the model for structured output conforming to schema,
	// identified by schemaName for logging/telemetry.
	GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error)

	// GenerateText asks for plain, unstructured text.
	GenerateText(ctx context.Context, system, user string) (string, error)
}

// ImageModel is the narrow interface the Image Fan-out Executor (C2) depends
// on.
type ImageModel interface {
	GenerateImage(ctx context.Context, prompt, negativePrompt string, style map[string]string) (ImageGeneration, error)
}

// ImageGeneration is the raw result of one image-model call, before C2
// uploads/caches it.
type ImageGeneration struct {
	Bytes         []byte
	MimeType      string
	RevisedPrompt string
}

// ErrContentPolicy is returned by an ImageModel/TextModel implementation when
// the backend refuses a request for policy reasons. It is non-retryable
// (spec.md §4.2 "content policy violation").
type ErrContentPolicy struct {
	Reason string
}

func (e *ErrContentPolicy) Error() string {
	if e == nil || e.Reason == "" {
		return "content policy violation"
	}
	return "content policy violation: " + e.Reason
}

package aimodel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// FakeTextModel is a deterministic TextModel for tests: given the same
// (system, user, schemaName) it always returns the same structured payload,
// letting tests assert on exact stage output without a live backend.
type FakeTextModel struct {
	mu    sync.Mutex
	Calls []FakeTextCall

	// JSONFunc, when set, overrides the default deterministic generator.
	JSONFunc func(system, user, schemaName string, schema map[string]any) (map[string]any, error)
	TextFunc func(system, user string) (string, error)
}

type FakeTextCall struct {
	System, User, SchemaName string
}

func NewFakeTextModel() *FakeTextModel {
	return &FakeTextModel{}
}

func (f *FakeTextModel) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, FakeTextCall{System: system, User: user, SchemaName: schemaName})
	f.mu.Unlock()
	if f.JSONFunc != nil {
		return f.JSONFunc(system, user, schemaName, schema)
	}
	fp := fingerprint(system, user, schemaName)
	out := map[string]any{
		"fingerprint": fp,
	}
	for key := range schema {
		if key == "properties" {
			continue
		}
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		for name := range props {
			out[name] = fmt.Sprintf("%s-%s", name, fp[:8])
		}
	}
	return out, nil
}

func (f *FakeTextModel) GenerateText(ctx context.Context, system, user string) (string, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, FakeTextCall{System: system, User: user})
	f.mu.Unlock()
	if f.TextFunc != nil {
		return f.TextFunc(system, user)
	}
	return "generated: " + fingerprint(system, user, "")[:16], nil
}

// FakeImageModel returns deterministic placeholder bytes for an ImageTask,
// recording calls for assertions.
type FakeImageModel struct {
	mu    sync.Mutex
	Calls []FakeImageCall

	// FailuresBeforeSuccess simulates N transient failures per distinct
	// prompt before the call succeeds, exercising C2's retry/backoff path.
	FailuresBeforeSuccess int

	attemptsByPrompt map[string]int
}

type FakeImageCall struct {
	Prompt, NegativePrompt string
	Style                  map[string]string
}

func NewFakeImageModel() *FakeImageModel {
	return &FakeImageModel{attemptsByPrompt: map[string]int{}}
}

func (f *FakeImageModel) GenerateImage(ctx context.Context, prompt, negativePrompt string, style map[string]string) (ImageGeneration, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, FakeImageCall{Prompt: prompt, NegativePrompt: negativePrompt, Style: style})
	f.attemptsByPrompt[prompt]++
	attempt := f.attemptsByPrompt[prompt]
	f.mu.Unlock()

	if attempt <= f.FailuresBeforeSuccess {
		return ImageGeneration{}, fmt.Errorf("fake transient failure (attempt %d)", attempt)
	}
	fp := fingerprint(prompt, negativePrompt, "")
	return ImageGeneration{
		Bytes:         []byte("fake-png:" + fp),
		MimeType:      "image/png",
		RevisedPrompt: prompt,
	}, nil
}

func fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// EmotionalTone feeds the priority formula (spec.md §4.2).
type EmotionalTone string

const (
	ToneNeutral EmotionalTone = "neutral"
	ToneClimax  EmotionalTone = "climax"
	ToneTension EmotionalTone = "tension"
)

// PanelSize feeds the priority formula (spec.md §4.2).
type PanelSize string

const (
	PanelSizeSmall  PanelSize = "small"
	PanelSizeMedium PanelSize = "medium"
	PanelSizeLarge  PanelSize = "large"
	PanelSizeSplash PanelSize = "splash"
)

// ImageTask is one panel's image-generation request, fanned out by C2
// (spec.md §3).
type ImageTask struct {
	SessionID uuid.UUID
	PanelID   string

	Prompt         string
	NegativePrompt string
	Style          map[string]string

	PageNumber int
	Tone       EmotionalTone
	Size       PanelSize

	Priority    int // 1..10, clamped; computed by PriorityOf if zero
	MaxAttempts int

	CacheKey string // stable hash of (prompt, negative, style); set by CacheKeyOf
}

// PriorityOf computes the base+modifier priority formula (spec.md §4.2).
func PriorityOf(t ImageTask) int {
	p := 5
	if t.PageNumber == 1 {
		p += 2
	}
	if t.Tone == ToneClimax || t.Tone == ToneTension {
		p += 2
	}
	if t.Size == PanelSizeSplash || t.Size == PanelSizeLarge {
		p += 1
	}
	if p < 1 {
		p = 1
	}
	if p > 10 {
		p = 10
	}
	return p
}

// ImageResult is what C2 emits per ImageTask (spec.md §3, §6).
type ImageResult struct {
	SessionID uuid.UUID
	PanelID   string

	URL   string
	Bytes []byte

	Prompt    string
	CacheHit  bool
	Attempts  int
	ElapsedMS int64

	// Placeholder marks a result produced after a non-retryable error or
	// exhausted attempts, standing in for a real generated image.
	Placeholder bool

	CreatedAt time.Time
}

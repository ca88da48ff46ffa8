// Package config collects the engine's process-wide knobs from environment
// variables with defaults, the way the teacher's jobs/worker.go reads
// WORKER_CONCURRENCY via getEnvInt — one place, read once at boot, passed
// down explicitly rather than read ad hoc from deep inside components.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/panelforge/engine/internal/domain"
)

// Config holds every admission limit, timeout, and retry/quality default the
// engine is configured with (spec.md §4.8, §5, §4.3, §4.4).
type Config struct {
	// Resource Pool (C8)
	MaxConcurrentSessions    int
	MaxConcurrentStageWorkers int
	MaxConcurrentImageTasks  int // global cap across all sessions

	// Image Fan-out Executor (C2)
	ImageTasksPerSessionCap int
	ImageMaxAttempts        int
	ImageRetryBaseDelay     time.Duration
	ImageRetryMaxDelay      time.Duration
	ImageRetryJitterFrac    float64
	ImageCacheTTLByQuality  map[string]time.Duration

	// Quality Gate (C3)
	QualityThreshold float64
	QualityWeights   map[string]float64
	StageMaxAttempts int

	// HITL Coordinator (C4)
	HITLTimeout time.Duration

	// Live Update Bus (C7)
	SubscriberQueueDepth int

	// whole-pipeline target (spec.md §4.8)
	PipelineBudget time.Duration

	// Session Scheduler (C6)
	StageRetryBaseDelay time.Duration
	StageRetryMaxDelay  time.Duration
	StageRetryJitterFrac float64

	// CriticalStages marks stages whose retry-budget exhaustion fails the
	// whole session instead of falling back to a placeholder output
	// (spec.md §4.1 "unless the stage is marked critical").
	CriticalStages map[domain.StageIndex]bool
}

// Default returns the engine's published defaults (spec.md §3.1, §4.2, §4.3,
// §4.7, §4.8, §5).
func Default() Config {
	return Config{
		MaxConcurrentSessions:     50,
		MaxConcurrentStageWorkers: 20,
		MaxConcurrentImageTasks:   100,

		ImageTasksPerSessionCap: 5,
		ImageMaxAttempts:        3,
		ImageRetryBaseDelay:     1 * time.Second,
		ImageRetryMaxDelay:      30 * time.Second,
		ImageRetryJitterFrac:    0.20,
		ImageCacheTTLByQuality: map[string]time.Duration{
			"ultra-low":  5 * time.Minute,
			"low":        15 * time.Minute,
			"medium":     1 * time.Hour,
			"high":       6 * time.Hour,
			"ultra-high": 24 * time.Hour,
		},

		QualityThreshold: 0.70,
		QualityWeights: map[string]float64{
			"visual-consistency":    0.18,
			"narrative-coherence":   0.18,
			"technical-quality":     0.14,
			"readability":           0.14,
			"pacing-flow":           0.12,
			"character-development": 0.12,
			"artistic-appeal":       0.12,
		},
		StageMaxAttempts: 3,

		HITLTimeout: 30 * time.Second,

		SubscriberQueueDepth: 64,

		PipelineBudget: 97 * time.Second,

		StageRetryBaseDelay:  1 * time.Second,
		StageRetryMaxDelay:   30 * time.Second,
		StageRetryJitterFrac: 0.20,

		// Stage 5 (scene images) is the one stage configured critical:
		// exhausting its retry budget fails the session rather than
		// shipping a comic with placeholder panels.
		CriticalStages: map[domain.StageIndex]bool{
			domain.StageSceneImages: true,
		},
	}
}

// FromEnv overrides Default() with any matching environment variables,
// falling back silently to the default on parse failure (keeps the engine
// robust against bad deploy config rather than crash-looping on boot).
func FromEnv() Config {
	c := Default()
	c.MaxConcurrentSessions = envInt("PANELFORGE_MAX_SESSIONS", c.MaxConcurrentSessions)
	c.MaxConcurrentStageWorkers = envInt("PANELFORGE_MAX_STAGE_WORKERS", c.MaxConcurrentStageWorkers)
	c.MaxConcurrentImageTasks = envInt("PANELFORGE_MAX_IMAGE_TASKS", c.MaxConcurrentImageTasks)
	c.ImageTasksPerSessionCap = envInt("PANELFORGE_IMAGE_TASKS_PER_SESSION", c.ImageTasksPerSessionCap)
	c.ImageMaxAttempts = envInt("PANELFORGE_IMAGE_MAX_ATTEMPTS", c.ImageMaxAttempts)
	c.StageMaxAttempts = envInt("PANELFORGE_STAGE_MAX_ATTEMPTS", c.StageMaxAttempts)
	c.QualityThreshold = envFloat("PANELFORGE_QUALITY_THRESHOLD", c.QualityThreshold)
	c.HITLTimeout = envDuration("PANELFORGE_HITL_TIMEOUT", c.HITLTimeout)
	c.SubscriberQueueDepth = envInt("PANELFORGE_SUBSCRIBER_QUEUE_DEPTH", c.SubscriberQueueDepth)
	c.PipelineBudget = envDuration("PANELFORGE_PIPELINE_BUDGET", c.PipelineBudget)
	return c
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

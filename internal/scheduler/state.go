// Package scheduler implements C6: the per-session state machine that
// admits a submission under the resource pool's caps and drives it through
// the fixed seven-stage pipeline, sequencing retries, routing into HITL,
// checkpointing the version log, and publishing bus events at every
// transition (spec.md §4.1).
//
// Modeled on the teacher's internal/jobs/orchestrator package: Stage's
// RetryPolicy field shape, computeBackoff/shouldRetry, and the
// monotonic-progress clamp in setProgress are kept close to verbatim.
// What is not kept is the DB-poll-and-resume machinery
// (OrchestratorState.WaitUntil/NextRunAt, LoadState/SaveState, yieldToQueue,
// ChildEnqueuer): the teacher's stages there are resumable jobs that
// serialize their state to a row and get picked back up by a worker pool
// polling the database. A session here is a single long-lived goroutine for
// its whole lifetime, and internal/persistence already mirrors every
// transition durably as a side effect — there is no second process that
// needs to rediscover where a stage left off, so suspension (HITL) is a
// plain Go channel/timer rendezvous (internal/hitl) rather than a DB state
// reload.
package scheduler

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/panelforge/engine/internal/domain"
)

// StageStatus is the lifecycle state of one stage within a running session.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageAwaiting  StageStatus = "awaiting_feedback"
	StageSucceeded StageStatus = "succeeded"
	StageFallback  StageStatus = "fallback"
	StageFailed    StageStatus = "failed"
)

// StageState is the in-memory record of one stage's progress within a
// session, mirrored to internal/persistence on every transition but never
// itself the source of truth for resuming a crashed stage (spec.md §4.6).
type StageState struct {
	Stage      domain.StageIndex
	Status     StageStatus
	Attempts   int
	StartedAt  *time.Time
	FinishedAt *time.Time
	LastError  string
}

// State is the scheduler's full per-session snapshot: one StageState per
// stage plus the monotonic progress clamp shared across the whole run.
// Mutated by the session's own goroutine and read by Cancel/SubmitFeedback/
// Override/Status from other goroutines, so every access goes through its
// mutex.
type State struct {
	mu sync.Mutex

	stages       [domain.StageCount + 1]StageState // 1-indexed; index 0 unused
	lastProgress int

	// pendingOverride, when true, forces the next quality-gate evaluation
	// for the session's current stage to pass regardless of score
	// (spec.md §9 "admin override... recorded in the version log"). Set by
	// Engine.Override and cleared the moment it is consumed.
	pendingOverride bool
}

func newState() *State {
	st := &State{}
	for s := domain.StageConcept; s <= domain.StageFinal; s++ {
		st.stages[s] = StageState{Stage: s, Status: StagePending}
	}
	return st
}

// Snapshot returns a copy of every stage's current status, safe to read
// concurrently with the session's own goroutine mutating it.
func (st *State) Snapshot() [domain.StageCount + 1]StageState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.stages
}

func (st *State) setStage(stage domain.StageIndex, status StageStatus, attempts int, lastErr string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := time.Now().UTC()
	s := &st.stages[stage]
	s.Status = status
	s.Attempts = attempts
	s.LastError = lastErr
	if s.StartedAt == nil && (status == StageRunning || status == StageAwaiting) {
		s.StartedAt = &now
	}
	if status == StageSucceeded || status == StageFallback || status == StageFailed {
		s.FinishedAt = &now
	}
}

func (st *State) lastProgressValue() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastProgress
}

func (st *State) setLastProgress(pct int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if pct > st.lastProgress {
		st.lastProgress = pct
	}
}

func (st *State) armOverride() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pendingOverride = true
}

func (st *State) consumeOverride() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	o := st.pendingOverride
	st.pendingOverride = false
	return o
}

// RetryPolicy is a stage's bounded-retry configuration (spec.md §4.1, §4.3).
type RetryPolicy struct {
	MaxAttempts int
	Retryable   func(err error) bool

	MinBackoff time.Duration // default 1s
	MaxBackoff time.Duration // default 30s
	JitterFrac float64       // default 0.20
}

// shouldRetry reports whether another attempt is owed given attempts
// already spent and the error just observed.
func shouldRetry(r RetryPolicy, attempts int, err error) bool {
	if r.MaxAttempts <= 0 || attempts >= r.MaxAttempts {
		return false
	}
	if r.Retryable == nil {
		return true
	}
	return r.Retryable(err)
}

// computeBackoff is the teacher's exponential-with-jitter formula:
// minBackoff * 2^(attempts-1), capped at maxBackoff, jittered by ±jitterFrac.
func computeBackoff(r RetryPolicy, attempts int) time.Duration {
	minB, maxB, j := r.MinBackoff, r.MaxBackoff, r.JitterFrac
	if minB <= 0 {
		minB = 1 * time.Second
	}
	if maxB <= 0 {
		maxB = 30 * time.Second
	}
	if j <= 0 {
		j = 0.20
	}
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(minB) * math.Pow(2, float64(attempts-1)))
	if d > maxB {
		d = maxB
	}
	delta := float64(d) * j
	low, high := float64(d)-delta, float64(d)+delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*(high-low))
}

// progressFor computes the stage's start/end percent on the fixed
// seven-stage timeline, clamped monotonic against last (spec.md §4.7
// "stage-progress (monotonic percent in [0,100])").
func progressFor(stage domain.StageIndex, done bool, last int) int {
	n := int(domain.StageCount)
	pct := (int(stage) - 1) * 100 / n
	if done {
		pct = int(stage) * 100 / n
	}
	if pct < last {
		pct = last
	}
	return pct
}

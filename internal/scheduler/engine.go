package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/panelforge/engine/internal/bus"
	"github.com/panelforge/engine/internal/domain"
	"github.com/panelforge/engine/internal/hitl"
	"github.com/panelforge/engine/internal/persistence"
	"github.com/panelforge/engine/internal/platform/apierr"
	"github.com/panelforge/engine/internal/platform/config"
	"github.com/panelforge/engine/internal/platform/logger"
	"github.com/panelforge/engine/internal/qualitygate"
	"github.com/panelforge/engine/internal/resourcepool"
	"github.com/panelforge/engine/internal/stages"
	"github.com/panelforge/engine/internal/versionlog"
)

// Deps wires C6 to the rest of the engine's components. Every field is
// required; NewEngine refuses to start with a nil dependency or an
// incomplete stage registry.
type Deps struct {
	Registry *stages.Registry
	Gate     *qualitygate.Gate
	HITL     *hitl.Coordinator
	Versions versionlog.Store
	Bus      *bus.Hub
	Pool     *resourcepool.Pool
	Persist  persistence.Store
	Log      *logger.Logger
	Config   config.Config
}

// runningSession is the engine's handle on one in-flight session goroutine,
// looked up by Cancel/SubmitFeedback/Override to reach a session that is
// mutated only by its own goroutine (spec.md §3 "mutated only by C6").
type runningSession struct {
	cancel context.CancelFunc
	state  *State
}

// Engine is C6: it admits submissions under resourcepool's caps, drives
// each one through the seven fixed stages in its own goroutine, and
// exposes the four public operations spec.md §4.1 names.
type Engine struct {
	registry *stages.Registry
	gate     *qualitygate.Gate
	hitl     *hitl.Coordinator
	versions versionlog.Store
	bus      *bus.Hub
	pool     *resourcepool.Pool
	persist  persistence.Store
	log      *logger.Logger
	cfg      config.Config

	mu       sync.Mutex
	sessions map[uuid.UUID]*runningSession
}

// NewEngine validates that every stage has a registered worker (spec.md
// §4.1 "the scheduler refuses to admit sessions otherwise") and returns an
// Engine ready to accept Submit calls.
func NewEngine(d Deps) (*Engine, error) {
	if err := d.Registry.Complete(); err != nil {
		return nil, apierr.New(apierr.KindInvalidInput, err)
	}
	return &Engine{
		registry: d.Registry,
		gate:     d.Gate,
		hitl:     d.HITL,
		versions: d.Versions,
		bus:      d.Bus,
		pool:     d.Pool,
		persist:  d.Persist,
		log:      d.Log.With("component", "scheduler.Engine"),
		cfg:      d.Config,
		sessions: make(map[uuid.UUID]*runningSession),
	}, nil
}

// Submit admits a new session under the resource pool's session cap and
// starts driving it through the pipeline in a background goroutine. It
// blocks until a slot is free or ctx is cancelled/deadlined — callers that
// want spec.md's "fails with capacity when admission semaphores are
// exhausted" behavior should call Submit with a bounded-deadline ctx.
func (e *Engine) Submit(ctx context.Context, owner uuid.UUID, text string, opts domain.SubmitOptions) (uuid.UUID, error) {
	if existing, ok, err := e.persist.FindByClientToken(ctx, owner, opts.ClientToken); err != nil {
		return uuid.Nil, apierr.New(apierr.KindPersistence, err)
	} else if ok {
		return existing, nil
	}

	release, err := e.pool.AdmitSession(ctx)
	if err != nil {
		return uuid.Nil, apierr.New(apierr.KindCapacity, err)
	}

	session := domain.NewSession(uuid.New(), owner, text, opts)
	if err := e.persist.RecordAdmission(ctx, *session, 1); err != nil {
		release()
		return uuid.Nil, apierr.New(apierr.KindPersistence, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rs := &runningSession{cancel: cancel, state: newState()}
	e.mu.Lock()
	e.sessions[session.ID] = rs
	e.mu.Unlock()

	go e.run(runCtx, release, session, rs)
	return session.ID, nil
}

// Cancel is idempotent: cancelling an unknown or already-terminal session
// is a no-op (spec.md §4.1 "Cancel(session id). Idempotent").
func (e *Engine) Cancel(sessionID uuid.UUID) error {
	e.mu.Lock()
	rs, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	rs.cancel()
	e.hitl.Cancel(sessionID)
	return nil
}

// Subscribe opens a live event subscription for a session (spec.md §4.7).
func (e *Engine) Subscribe(sessionID uuid.UUID) *bus.Subscriber {
	return e.bus.Subscribe(sessionID)
}

// Unsubscribe closes a subscription opened with Subscribe.
func (e *Engine) Unsubscribe(sessionID uuid.UUID, sub *bus.Subscriber) {
	e.bus.Unsubscribe(sessionID, sub)
}

// Status returns a snapshot of every stage's status for a still-running
// session, for an introspection endpoint that doesn't want to wait on
// persistence.SessionSnapshot. Returns false once the session has finished
// and been cleaned up; callers should fall back to persistence for a
// terminal session's final record.
func (e *Engine) Status(sessionID uuid.UUID) ([domain.StageCount + 1]StageState, bool) {
	e.mu.Lock()
	rs, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return [domain.StageCount + 1]StageState{}, false
	}
	return rs.state.Snapshot(), true
}

// SubmitFeedback delivers a FeedbackEnvelope to the open HITL rendezvous
// for (sessionID, envelope.Stage), if any, then archives it in the
// persistence layer once it is accepted (spec.md §4.4).
func (e *Engine) SubmitFeedback(ctx context.Context, sessionID uuid.UUID, env domain.FeedbackEnvelope) error {
	env.ReceivedAt = time.Now().UTC()
	if err := e.hitl.SubmitFeedback(sessionID, env); err != nil {
		return apierr.New(kindForHITLError(err), err)
	}
	evt := e.bus.Publish(sessionID, domain.Event{
		Kind:    domain.EventFeedbackAccepted,
		Stage:   env.Stage,
		Message: "feedback accepted",
	})
	if err := e.persist.RecordFeedback(ctx, env, evt.Sequence); err != nil {
		e.log.Warn("failed to persist accepted feedback", "sessionID", sessionID, "stage", env.Stage, "err", err)
	}
	return nil
}

// Override arms an admin override for a session's currently evaluating
// stage: the next quality-gate decision passes regardless of score and the
// override is recorded on the resulting version (spec.md §9). Authorizing
// the caller is the transport layer's responsibility; the engine itself
// performs no authorization check.
func (e *Engine) Override(sessionID uuid.UUID) error {
	e.mu.Lock()
	rs, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return apierr.Newf(apierr.KindInvalidInput, "scheduler: unknown or already-terminal session %s", sessionID)
	}
	rs.state.armOverride()
	return nil
}

// kindForHITLError recovers the apierr.Kind spec.md §7 names from
// internal/hitl's plain fmt.Errorf messages, which are prefixed
// "stage-closed:"/"not-awaiting:" rather than typed engine errors — hitl
// has no dependency on apierr, so the translation happens here at its one
// caller instead.
func kindForHITLError(err error) apierr.Kind {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "stage-closed"):
		return apierr.KindStageClosed
	case strings.Contains(msg, "not-awaiting"):
		return apierr.KindNotAwaiting
	default:
		return apierr.KindInvalidInput
	}
}

// run drives one session from queued to a terminal state. It owns the
// session value exclusively: nothing outside this goroutine ever mutates
// it (spec.md §3).
func (e *Engine) run(ctx context.Context, release func(), session *domain.Session, rs *runningSession) {
	defer release()
	defer func() {
		e.mu.Lock()
		delete(e.sessions, session.ID)
		e.mu.Unlock()
	}()

	start := time.Now()
	session.StartedAt = &start
	session.Status = domain.SessionRunning

	prior := make(map[domain.StageIndex]any, domain.StageCount)
	quality := make(map[domain.StageIndex]domain.QualityScore, domain.StageCount)
	var pendingMods []domain.ModificationDescriptor

	for stage := domain.StageConcept; stage <= domain.StageFinal; stage++ {
		select {
		case <-ctx.Done():
			e.terminate(session, domain.SessionCancelled, "cancelled before stage "+stage.String())
			return
		default:
		}

		session.CurrentStage = int(stage)
		mods := pendingMods
		pendingMods = nil

		result, verdict, err := e.runStageWithRetry(ctx, session, stage, prior, quality, mods, rs)
		if err != nil {
			if apierr.KindOf(err) == apierr.KindCancelled {
				e.terminate(session, domain.SessionCancelled, err.Error())
				return
			}
			e.terminate(session, domain.SessionFailed, err.Error())
			return
		}
		prior[stage] = result.Output
		quality[stage] = result.Quality

		status := StageSucceeded
		if verdict == qualitygate.Fallback {
			status = StageFallback
		}
		rs.state.setStage(stage, status, result.Attempt, strings.Join(result.Errors, "; "))

		e.checkpoint(ctx, session, result)
		evt := e.bus.Publish(session.ID, domain.Event{
			Kind:           domain.EventStageCompleted,
			Stage:          stage,
			Progress:       progressFor(stage, true, rs.state.lastProgressValue()),
			StageResultRef: &domain.StageResultRef{SessionID: session.ID, Stage: stage, Attempt: result.Attempt},
			Message:        string(verdict),
		})
		rs.state.setLastProgress(evt.Progress)

		if session.Options.HITLEnabled && stage.HITLDefault() {
			rs.state.setStage(stage, StageAwaiting, result.Attempt, "")
			mod, cancelled := e.openHITL(ctx, session, stage, result)
			if cancelled {
				e.terminate(session, domain.SessionCancelled, "session cancelled during HITL")
				return
			}
			rs.state.setStage(stage, status, result.Attempt, "")
			pendingMods = []domain.ModificationDescriptor{mod}
		}
	}

	e.pool.Metrics().RecordPipelineCompletion(ctx, time.Since(start) <= e.cfg.PipelineBudget)
	e.terminate(session, domain.SessionCompleted, "")
}

// runStageWithRetry runs one stage to a terminal attempt outcome: pass or
// (non-critical) fallback return a result with nil error; a critical
// stage's exhausted retry budget, or a cancellation, returns an error the
// caller propagates as session failure/cancellation (spec.md §4.1).
func (e *Engine) runStageWithRetry(ctx context.Context, session *domain.Session, stage domain.StageIndex, prior map[domain.StageIndex]any, quality map[domain.StageIndex]domain.QualityScore, mods []domain.ModificationDescriptor, rs *runningSession) (domain.StageResult, qualitygate.Verdict, error) {
	worker, ok := e.registry.Get(stage)
	if !ok {
		return domain.StageResult{}, "", apierr.Newf(apierr.KindInvalidInput, "scheduler: no worker registered for stage %s", stage)
	}

	retry := RetryPolicy{
		MaxAttempts: e.cfg.StageMaxAttempts,
		Retryable:   func(err error) bool { return apierr.KindOf(err).Retryable() },
		MinBackoff:  e.cfg.StageRetryBaseDelay,
		MaxBackoff:  e.cfg.StageRetryMaxDelay,
		JitterFrac:  e.cfg.StageRetryJitterFrac,
	}

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return domain.StageResult{}, "", apierr.New(apierr.KindCancelled, ctx.Err())
		default:
		}

		rs.state.setStage(stage, StageRunning, attempt, "")
		evt := e.bus.Publish(session.ID, domain.Event{
			Kind:     domain.EventStageStarted,
			Stage:    stage,
			Progress: progressFor(stage, false, rs.state.lastProgressValue()),
		})
		rs.state.setLastProgress(evt.Progress)

		in := stages.Input{Session: session, Prior: prior, Quality: quality, Modifications: mods, Attempt: attempt}

		workerRelease, admitErr := e.pool.AdmitStageWorker(ctx)
		if admitErr != nil {
			return domain.StageResult{}, "", apierr.New(apierr.KindCancelled, admitErr)
		}
		stageStart := time.Now()
		output, execErr := e.executeStage(ctx, worker, in)
		elapsed := time.Since(stageStart)
		workerRelease()

		if execErr != nil {
			e.pool.Metrics().RecordStageOutcome(ctx, stage.String(), false, elapsed)
			if apierr.KindOf(execErr) == apierr.KindCancelled {
				return domain.StageResult{}, "", execErr
			}
			if shouldRetry(retry, attempt, execErr) {
				if !e.sleepOrCancel(ctx, computeBackoff(retry, attempt)) {
					return domain.StageResult{}, "", apierr.New(apierr.KindCancelled, ctx.Err())
				}
				continue
			}
			if e.cfg.CriticalStages[stage] {
				rs.state.setStage(stage, StageFailed, attempt, execErr.Error())
				e.bus.Publish(session.ID, domain.Event{Kind: domain.EventStageFailed, Stage: stage, Message: execErr.Error()})
				return domain.StageResult{}, "", apierr.New(apierr.KindAIErrorFatal, execErr)
			}
			result := placeholderResult(session.ID, stage, attempt, execErr, elapsed)
			e.recordAttempt(ctx, result)
			return result, qualitygate.Fallback, nil
		}

		result := domain.StageResult{
			SessionID:        session.ID,
			Stage:            stage,
			Attempt:          attempt,
			InputFingerprint: fingerprint(in),
			Output:           output,
			ElapsedMS:        elapsed.Milliseconds(),
			CreatedAt:        time.Now().UTC(),
		}

		override := rs.state.consumeOverride()
		decision, gerr := e.gate.Evaluate(ctx, stage, output, attempt, override)
		if gerr != nil {
			return domain.StageResult{}, "", apierr.New(apierr.KindAIErrorFatal, gerr)
		}
		result.Quality = decision.Score

		switch decision.Verdict {
		case qualitygate.Pass:
			e.pool.Metrics().RecordStageOutcome(ctx, stage.String(), true, elapsed)
			return result, qualitygate.Pass, nil

		case qualitygate.Retry:
			e.pool.Metrics().RecordStageOutcome(ctx, stage.String(), false, elapsed)
			result.Errors = append(result.Errors, decision.Reason)
			e.recordAttempt(ctx, result)
			if !e.sleepOrCancel(ctx, computeBackoff(retry, attempt)) {
				return domain.StageResult{}, "", apierr.New(apierr.KindCancelled, ctx.Err())
			}
			continue

		case qualitygate.Fallback:
			e.pool.Metrics().RecordStageOutcome(ctx, stage.String(), false, elapsed)
			result.Fallback = true
			result.Errors = append(result.Errors, decision.Reason)
			if e.cfg.CriticalStages[stage] {
				e.recordAttempt(ctx, result)
				rs.state.setStage(stage, StageFailed, attempt, decision.Reason)
				return domain.StageResult{}, "", apierr.Newf(apierr.KindAIErrorFatal, "stage %s: %s", stage, decision.Reason)
			}
			return result, qualitygate.Fallback, nil

		default:
			return domain.StageResult{}, "", apierr.Newf(apierr.KindAIErrorFatal, "scheduler: unknown quality-gate verdict %q for stage %s", decision.Verdict, stage)
		}
	}
}

// executeStage validates input, runs the worker under a per-stage
// wall-clock budget (teacher's safeRunInline timeout-via-goroutine-and-
// select pattern, since stages.Worker.Execute has no native cancellation
// hook beyond ctx), and validates output before returning.
func (e *Engine) executeStage(ctx context.Context, worker stages.Worker, in stages.Input) (any, error) {
	if err := worker.ValidateInput(ctx, in); err != nil {
		return nil, apierr.New(apierr.KindInvalidInput, err)
	}

	budget := worker.Stage().DefaultBudget()
	if idx := int(worker.Stage()) - 1; idx >= 0 && idx < len(in.Session.Options.StageBudgets) && in.Session.Options.StageBudgets[idx] > 0 {
		budget = in.Session.Options.StageBudgets[idx]
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if budget > 0 {
		runCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	type out struct {
		v   any
		err error
	}
	ch := make(chan out, 1)
	go func() {
		v, err := worker.Execute(runCtx, in)
		ch <- out{v: v, err: err}
	}()

	select {
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, apierr.New(apierr.KindCancelled, ctx.Err())
		}
		return nil, apierr.Newf(apierr.KindStageTimeout, "stage %s timed out after %s", worker.Stage(), budget)
	case o := <-ch:
		if o.err != nil {
			if _, ok := o.err.(*apierr.Error); ok {
				return nil, o.err
			}
			return nil, apierr.New(apierr.KindAIErrorRetryable, o.err)
		}
		if verr := worker.ValidateOutput(runCtx, o.v); verr != nil {
			return nil, apierr.New(apierr.KindInvalidInput, verr)
		}
		return o.v, nil
	}
}

// openHITL opens the bounded rendezvous for a HITL-enabled stage, publishes
// the awaiting-feedback event with its deadline, and returns the
// modification the next stage's input should carry. The bool return
// reports whether the rendezvous resolved by session cancellation.
func (e *Engine) openHITL(ctx context.Context, session *domain.Session, stage domain.StageIndex, result domain.StageResult) (domain.ModificationDescriptor, bool) {
	deadline := time.Now().Add(e.cfg.HITLTimeout)
	e.bus.Publish(session.ID, domain.Event{
		Kind:     domain.EventAwaitingFeedback,
		Stage:    stage,
		Deadline: &deadline,
	})

	res, err := e.hitl.Open(ctx, session.ID, stage, result)
	e.pool.Metrics().RecordHITLOutcome(ctx, res.Outcome == hitl.OutcomeFeedback)
	if err != nil || res.Outcome == hitl.OutcomeCancel {
		return domain.ModificationDescriptor{}, true
	}
	return res.Modification, false
}

// checkpoint appends the stage result to the version log and mirrors both
// the result and the new branch head to persistence, using the bus event's
// assigned sequence number as the idempotency sequence for both writes —
// the same causal-order counter that already orders events for this
// session (spec.md §4.6, §4.7).
func (e *Engine) checkpoint(ctx context.Context, session *domain.Session, result domain.StageResult) {
	ref := domain.StageResultRef{SessionID: session.ID, Stage: result.Stage, Attempt: result.Attempt}
	label := string(result.Stage)
	if result.Fallback {
		label = label + " (fallback)"
	}
	author := domain.AuthorSystem

	version, err := e.versions.Checkpoint(ctx, session.ID, session.Branch, result.Stage, ref, author, label, nil)
	if err != nil {
		e.log.Warn("version log checkpoint failed", "sessionID", session.ID, "stage", result.Stage, "err", err)
	} else {
		session.VersionHead = version.ID
	}

	seq := e.bus.Publish(session.ID, domain.Event{
		Kind:           domain.EventStageProgress,
		Stage:          result.Stage,
		StageResultRef: &ref,
		Message:        "checkpoint",
	}).Sequence

	if err := e.persist.RecordCheckpoint(ctx, result, seq); err != nil {
		e.log.Warn("failed to persist stage checkpoint", "sessionID", session.ID, "stage", result.Stage, "err", err)
	}
	if err == nil {
		if perr := e.persist.RecordVersionHead(ctx, session.ID, session.Branch, version.ID, seq); perr != nil {
			e.log.Warn("failed to persist version head", "sessionID", session.ID, "err", perr)
		}
	}
}

// recordAttempt persists a non-current attempt's quality score (a
// superseded retry, or a fallback/failed terminal attempt), satisfying
// spec.md §3's "quality score is recorded for every terminated stage
// attempt" without promoting the attempt to the branch head.
func (e *Engine) recordAttempt(ctx context.Context, result domain.StageResult) {
	evt := e.bus.Publish(result.SessionID, domain.Event{
		Kind:    domain.EventStageProgress,
		Stage:   result.Stage,
		Message: "attempt recorded",
	})
	if err := e.persist.RecordCheckpoint(ctx, result, evt.Sequence); err != nil {
		e.log.Warn("failed to persist stage attempt", "sessionID", result.SessionID, "stage", result.Stage, "err", err)
	}
}

// terminate moves the session to a terminal status, mirrors it to
// persistence, publishes the matching bus event, releases any open HITL
// rendezvous, and closes the session's bus history.
func (e *Engine) terminate(session *domain.Session, status domain.SessionStatus, reason string) {
	ctx := context.Background()
	now := time.Now().UTC()
	session.Status = status
	session.EndedAt = &now
	session.LastError = reason

	kind := domain.EventPipelineCompleted
	if status != domain.SessionCompleted {
		kind = domain.EventPipelineCancelled
	}
	evt := e.bus.Publish(session.ID, domain.Event{Kind: kind, Message: reason})

	if err := e.persist.RecordTerminal(ctx, session.ID, status, reason, evt.Sequence); err != nil {
		e.log.Warn("failed to persist terminal state", "sessionID", session.ID, "status", status, "err", err)
	}
	e.hitl.Cancel(session.ID)
}

// sleepOrCancel waits d, returning false if ctx is cancelled first.
func (e *Engine) sleepOrCancel(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func placeholderResult(sessionID uuid.UUID, stage domain.StageIndex, attempt int, cause error, elapsed time.Duration) domain.StageResult {
	return domain.StageResult{
		SessionID: sessionID,
		Stage:     stage,
		Attempt:   attempt,
		Output:    map[string]any{"placeholder": true, "reason": cause.Error()},
		ElapsedMS: elapsed.Milliseconds(),
		Errors:    []string{cause.Error()},
		CreatedAt: time.Now().UTC(),
		Fallback:  true,
	}
}

// fingerprint hashes the merged inputs a stage attempt actually consumed,
// the same canonical-JSON-then-SHA-256 convention as
// imagefanout.CacheKeyOf.
func fingerprint(in stages.Input) string {
	payload := struct {
		Prior         map[domain.StageIndex]any            `json:"prior"`
		Modifications []domain.ModificationDescriptor       `json:"modifications"`
		Attempt       int                                   `json:"attempt"`
	}{Prior: in.Prior, Modifications: in.Modifications, Attempt: in.Attempt}
	b, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

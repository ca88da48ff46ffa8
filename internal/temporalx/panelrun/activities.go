package panelrun

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"go.temporal.io/sdk/activity"

	"github.com/panelforge/engine/internal/bus"
	"github.com/panelforge/engine/internal/domain"
	"github.com/panelforge/engine/internal/persistence"
	"github.com/panelforge/engine/internal/platform/apierr"
	"github.com/panelforge/engine/internal/platform/config"
	"github.com/panelforge/engine/internal/platform/logger"
	"github.com/panelforge/engine/internal/qualitygate"
	"github.com/panelforge/engine/internal/stages"
	"github.com/panelforge/engine/internal/versionlog"
)

// Activities hosts the Temporal activity methods panelrun.Workflow drives.
// Unlike scheduler.Engine, it keeps no per-session goroutine or mutex: every
// call reconstructs "which stage, which attempt" from persistence.Store,
// which is what lets Temporal retry or re-dispatch a tick on a different
// worker process after a crash (spec.md §9's durable-workflow backend).
//
// There is no resourcepool.Pool or internal/hitl dependency here: admission
// concurrency is Temporal's task-queue worker pool (internal/temporalx's
// Runner), and the HITL rendezvous is the workflow's own signal+timer select
// (see workflow.go) rather than a channel registry shared across sessions.
type Activities struct {
	Log      *logger.Logger
	Registry *stages.Registry
	Gate     *qualitygate.Gate
	Versions versionlog.Store
	Bus      *bus.Hub
	Persist  persistence.Store
	Config   config.Config
}

// Tick runs exactly one stage attempt (or applies a just-resolved HITL
// outcome and advances), the activity-sized slice of
// scheduler.Engine.runStageWithRetry's per-attempt body. Business outcomes
// (retry, fallback, critical failure) are reported via TickResult.Status;
// the error return is reserved for activity misconfiguration so Temporal's
// own failure handling doesn't mask a business decision the workflow needs
// to see.
func (a *Activities) Tick(ctx context.Context, in TickInput) (TickResult, error) {
	if a == nil || a.Registry == nil || a.Gate == nil || a.Persist == nil || a.Bus == nil {
		return TickResult{}, fmt.Errorf("panelrun: activities not configured")
	}
	sessionID, err := uuid.Parse(strings.TrimSpace(in.SessionID))
	if err != nil || sessionID == uuid.Nil {
		return TickResult{}, fmt.Errorf("panelrun: invalid session_id")
	}

	session, err := a.Persist.SessionSnapshot(ctx, sessionID)
	if err != nil {
		return TickResult{}, fmt.Errorf("panelrun: load session: %w", err)
	}

	stage, attempt := a.nextStage(ctx, sessionID)
	if stage > domain.StageFinal {
		return TickResult{SessionID: in.SessionID, Status: StatusPipelineCompleted}, nil
	}

	worker, ok := a.Registry.Get(stage)
	if !ok {
		return TickResult{}, fmt.Errorf("panelrun: no worker registered for stage %s", stage)
	}

	mods := a.resolveModifications(ctx, sessionID, stage, in)

	res := TickResult{SessionID: in.SessionID, Stage: stage, Attempt: attempt}

	a.Bus.Publish(sessionID, domain.Event{Kind: domain.EventStageStarted, Stage: stage, Progress: progressFor(stage, false)})

	stageInput := stages.Input{Session: &session, Prior: a.loadPrior(ctx, sessionID, stage), Quality: a.loadQuality(ctx, sessionID, stage), Modifications: mods, Attempt: attempt}

	stageStart := time.Now()
	output, execErr := a.executeStage(ctx, worker, stageInput)
	elapsed := time.Since(stageStart)

	retryable := func(err error) bool { return apierr.KindOf(err).Retryable() }

	if execErr != nil {
		if !retryable(execErr) || attempt >= a.Config.StageMaxAttempts {
			if a.Config.CriticalStages[stage] {
				a.Bus.Publish(sessionID, domain.Event{Kind: domain.EventStageFailed, Stage: stage, Message: execErr.Error()})
				res.Status = StatusFailed
				res.Message = execErr.Error()
				return res, nil
			}
			placeholder := placeholderResult(sessionID, stage, attempt, execErr, elapsed, fingerprint(stageInput))
			a.checkpoint(ctx, &session, placeholder)
			return a.advance(ctx, &session, stage), nil
		}
		a.recordAttempt(ctx, domain.StageResult{
			SessionID:        sessionID,
			Stage:            stage,
			Attempt:          attempt,
			InputFingerprint: fingerprint(stageInput),
			Errors:           []string{execErr.Error()},
			ElapsedMS:        elapsed.Milliseconds(),
			CreatedAt:        time.Now().UTC(),
		})
		res.Status = StatusStageRetry
		wait := time.Now().Add(computeBackoff(a.Config, attempt))
		res.WaitUntil = &wait
		return res, nil
	}

	result := domain.StageResult{
		SessionID:        sessionID,
		Stage:            stage,
		Attempt:          attempt,
		InputFingerprint: fingerprint(stageInput),
		Output:           output,
		ElapsedMS:        elapsed.Milliseconds(),
		CreatedAt:        time.Now().UTC(),
	}

	decision, gerr := a.Gate.Evaluate(ctx, stage, output, attempt, in.Override)
	if gerr != nil {
		res.Status = StatusFailed
		res.Message = gerr.Error()
		return res, nil
	}
	result.Quality = decision.Score

	switch decision.Verdict {
	case qualitygate.Pass:
		a.checkpoint(ctx, &session, result)
		return a.advance(ctx, &session, stage), nil

	case qualitygate.Retry:
		result.Errors = append(result.Errors, decision.Reason)
		a.recordAttempt(ctx, result)
		res.Status = StatusStageRetry
		wait := time.Now().Add(computeBackoff(a.Config, attempt))
		res.WaitUntil = &wait
		return res, nil

	case qualitygate.Fallback:
		result.Fallback = true
		result.Errors = append(result.Errors, decision.Reason)
		if a.Config.CriticalStages[stage] {
			a.recordAttempt(ctx, result)
			a.Bus.Publish(sessionID, domain.Event{Kind: domain.EventStageFailed, Stage: stage, Message: decision.Reason})
			res.Status = StatusFailed
			res.Message = decision.Reason
			return res, nil
		}
		a.checkpoint(ctx, &session, result)
		return a.advance(ctx, &session, stage), nil

	default:
		res.Status = StatusFailed
		res.Message = fmt.Sprintf("unknown quality-gate verdict %q", decision.Verdict)
		return res, nil
	}
}

// Terminate closes out a session outside the normal stage-advance path:
// cancellation requested via SignalCancel, observed by the workflow between
// ticks.
func (a *Activities) Terminate(ctx context.Context, in TerminateInput) error {
	sessionID, err := uuid.Parse(strings.TrimSpace(in.SessionID))
	if err != nil {
		return fmt.Errorf("panelrun: invalid session_id")
	}
	kind := domain.EventPipelineCompleted
	if in.Status != domain.SessionCompleted {
		kind = domain.EventPipelineCancelled
	}
	evt := a.Bus.Publish(sessionID, domain.Event{Kind: kind, Message: in.Reason})
	if err := a.Persist.RecordTerminal(ctx, sessionID, in.Status, in.Reason, evt.Sequence); err != nil {
		return fmt.Errorf("panelrun: record terminal: %w", err)
	}
	return nil
}

// resolveModifications turns a just-resolved HITL outcome into the
// structured modification the stage about to run should consume, persisting
// and publishing a genuine submission the same way scheduler.Engine does
// (spec.md §4.4). A timed-out rendezvous carries no envelope to persist, the
// same behavior as internal/hitl.Coordinator's synthetic default-accepted
// outcome.
func (a *Activities) resolveModifications(ctx context.Context, sessionID uuid.UUID, stage domain.StageIndex, in TickInput) []domain.ModificationDescriptor {
	switch {
	case in.Feedback != nil:
		evt := a.Bus.Publish(sessionID, domain.Event{Kind: domain.EventFeedbackAccepted, Stage: in.Feedback.Stage, Message: "feedback accepted"})
		if err := a.Persist.RecordFeedback(ctx, *in.Feedback, evt.Sequence); err != nil {
			a.Log.Warn("failed to persist accepted feedback", "sessionID", sessionID, "stage", in.Feedback.Stage, "err", err)
		}
		return []domain.ModificationDescriptor{translateFeedback(*in.Feedback)}
	case in.FeedbackTimedOut:
		return []domain.ModificationDescriptor{defaultAcceptedModification()}
	default:
		return nil
	}
}

// nextStage determines which stage (and attempt) the next tick should run by
// scanning the persisted record of every stage from the start, rather than
// trusting session.CurrentStage: persistence.Store.RecordCheckpoint bumps
// current_stage on every write, including a superseded retry attempt's, so
// current_stage alone cannot distinguish "stage N is done, advance" from
// "stage N's latest attempt is still retrying." A stage's latest record is
// resolved (move on to the next stage) exactly when the quality gate would
// have produced Pass or Fallback for it: Fallback is recorded explicitly,
// and Pass is whatever score cleared the configured threshold (or was
// override-forced) — the same rule Evaluate itself applies.
func (a *Activities) nextStage(ctx context.Context, sessionID uuid.UUID) (domain.StageIndex, int) {
	for s := domain.StageConcept; s <= domain.StageFinal; s++ {
		r, err := a.Persist.LatestStageResult(ctx, sessionID, s)
		if err != nil {
			return s, 1
		}
		if r.Fallback || r.Quality.Override || r.Quality.Overall >= a.Config.QualityThreshold {
			continue
		}
		return s, r.Attempt + 1
	}
	return domain.StageFinal + 1, 1
}

// loadPrior reconstructs every completed stage's output ahead of `stage`
// from persistence, since activities carry no in-memory map across calls
// the way scheduler.Engine.run's `prior` local does.
func (a *Activities) loadPrior(ctx context.Context, sessionID uuid.UUID, stage domain.StageIndex) map[domain.StageIndex]any {
	prior := make(map[domain.StageIndex]any, int(stage)-1)
	for s := domain.StageConcept; s < stage; s++ {
		r, err := a.Persist.LatestStageResult(ctx, sessionID, s)
		if err != nil {
			continue
		}
		prior[s] = r.Output
	}
	return prior
}

// loadQuality is loadPrior's counterpart for each completed stage's quality
// gate score, needed by the final stage's "quality-scores" summary
// (spec.md §6).
func (a *Activities) loadQuality(ctx context.Context, sessionID uuid.UUID, stage domain.StageIndex) map[domain.StageIndex]domain.QualityScore {
	quality := make(map[domain.StageIndex]domain.QualityScore, int(stage)-1)
	for s := domain.StageConcept; s < stage; s++ {
		r, err := a.Persist.LatestStageResult(ctx, sessionID, s)
		if err != nil {
			continue
		}
		quality[s] = r.Quality
	}
	return quality
}

// advance records the stage as the session's new current stage (via
// checkpoint's touchSession write) and decides what the workflow should do
// next: open a HITL rendezvous, finish the pipeline, or just tick again for
// the next stage.
func (a *Activities) advance(ctx context.Context, session *domain.Session, stage domain.StageIndex) TickResult {
	sessionID := session.ID
	res := TickResult{SessionID: session.ID.String(), Stage: stage}

	if session.Options.HITLEnabled && stage.HITLDefault() {
		deadline := time.Now().Add(a.Config.HITLTimeout)
		a.Bus.Publish(sessionID, domain.Event{Kind: domain.EventAwaitingFeedback, Stage: stage, Deadline: &deadline})
		res.Status = StatusAwaitingFeedback
		res.Deadline = &deadline
		return res
	}

	if stage == domain.StageFinal {
		evt := a.Bus.Publish(sessionID, domain.Event{Kind: domain.EventPipelineCompleted, Message: ""})
		if err := a.Persist.RecordTerminal(ctx, sessionID, domain.SessionCompleted, "", evt.Sequence); err != nil {
			a.Log.Warn("failed to persist pipeline completion", "sessionID", sessionID, "err", err)
		}
		res.Status = StatusPipelineCompleted
		return res
	}

	res.Status = StatusStageAdvance
	return res
}

// checkpoint appends the stage result to the version log and mirrors it
// (plus the new branch head) to persistence — the same two-write sequence
// as scheduler.Engine.checkpoint, using the bus event's sequence for both
// writes' idempotency key.
func (a *Activities) checkpoint(ctx context.Context, session *domain.Session, result domain.StageResult) {
	ref := domain.StageResultRef{SessionID: session.ID, Stage: result.Stage, Attempt: result.Attempt}
	label := string(result.Stage)
	if result.Fallback {
		label += " (fallback)"
	}

	version, err := a.Versions.Checkpoint(ctx, session.ID, session.Branch, result.Stage, ref, domain.AuthorSystem, label, nil)
	if err != nil {
		a.Log.Warn("version log checkpoint failed", "sessionID", session.ID, "stage", result.Stage, "err", err)
	} else {
		session.VersionHead = version.ID
	}

	seq := a.Bus.Publish(session.ID, domain.Event{
		Kind:           domain.EventStageProgress,
		Stage:          result.Stage,
		StageResultRef: &ref,
		Message:        "checkpoint",
	}).Sequence

	if err := a.Persist.RecordCheckpoint(ctx, result, seq); err != nil {
		a.Log.Warn("failed to persist stage checkpoint", "sessionID", session.ID, "stage", result.Stage, "err", err)
	}
	if err == nil {
		if perr := a.Persist.RecordVersionHead(ctx, session.ID, session.Branch, version.ID, seq); perr != nil {
			a.Log.Warn("failed to persist version head", "sessionID", session.ID, "err", perr)
		}
	}

	a.Bus.Publish(session.ID, domain.Event{
		Kind:           domain.EventStageCompleted,
		Stage:          result.Stage,
		Progress:       progressFor(result.Stage, true),
		StageResultRef: &ref,
	})
}

// recordAttempt persists a superseded attempt's quality score without
// promoting it to the branch head (a retried or critically-failed attempt),
// mirroring scheduler.Engine.recordAttempt.
func (a *Activities) recordAttempt(ctx context.Context, result domain.StageResult) {
	evt := a.Bus.Publish(result.SessionID, domain.Event{Kind: domain.EventStageProgress, Stage: result.Stage, Message: "attempt recorded"})
	if err := a.Persist.RecordCheckpoint(ctx, result, evt.Sequence); err != nil {
		a.Log.Warn("failed to persist stage attempt", "sessionID", result.SessionID, "stage", result.Stage, "err", err)
	}
}

// executeStage validates input, runs the worker under its wall-clock
// budget, and validates output, heartbeating Temporal throughout so a
// slow-but-alive stage worker is not mistaken for a dead activity —
// replacing scheduler.Engine.executeStage's timeout-via-goroutine-and-select
// pattern's ctx.Done() with activity.RecordHeartbeat's liveness signal,
// since it runs inside a Temporal activity rather than a bare goroutine.
func (a *Activities) executeStage(ctx context.Context, worker stages.Worker, in stages.Input) (any, error) {
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

	stop := a.startHeartbeat(ctx)
	defer stop()

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

func (a *Activities) startHeartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}

func placeholderResult(sessionID uuid.UUID, stage domain.StageIndex, attempt int, cause error, elapsed time.Duration, fp string) domain.StageResult {
	return domain.StageResult{
		SessionID:        sessionID,
		Stage:            stage,
		Attempt:          attempt,
		InputFingerprint: fp,
		Output:           map[string]any{"placeholder": true, "reason": cause.Error()},
		ElapsedMS:        elapsed.Milliseconds(),
		Errors:           []string{cause.Error()},
		CreatedAt:        time.Now().UTC(),
		Fallback:         true,
	}
}

// progressFor is panelrun's copy of scheduler's monotonic-percent formula,
// minus the cross-call clamp: a Temporal activity carries no in-memory
// "last progress" to clamp against between ticks, and two fresh progress
// values for the same (stage, done) pair are always equal, so re-clamping
// here would be a no-op dressed up as state.
func progressFor(stage domain.StageIndex, done bool) int {
	n := int(domain.StageCount)
	if done {
		return int(stage) * 100 / n
	}
	return (int(stage) - 1) * 100 / n
}

// computeBackoff is scheduler.computeBackoff's formula, duplicated here
// since it is unexported in that package and this activity has no
// scheduler.RetryPolicy value to drive — config.Config's stage-retry knobs
// are the same three numbers either backend reads.
func computeBackoff(cfg config.Config, attempt int) time.Duration {
	minB, maxB, j := cfg.StageRetryBaseDelay, cfg.StageRetryMaxDelay, cfg.StageRetryJitterFrac
	if minB <= 0 {
		minB = 1 * time.Second
	}
	if maxB <= 0 {
		maxB = 30 * time.Second
	}
	if j <= 0 {
		j = 0.20
	}
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(minB) * math.Pow(2, float64(attempt-1)))
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

// translateFeedback mirrors internal/hitl.translate: it is duplicated
// rather than imported because that function is unexported and this
// backend never constructs an internal/hitl.Coordinator at all.
func translateFeedback(env domain.FeedbackEnvelope) domain.ModificationDescriptor {
	if env.Type == domain.FeedbackSkip {
		return domain.ModificationDescriptor{Label: "user-skipped"}
	}
	return domain.ModificationDescriptor{
		Type:      "natural-language",
		Direction: domain.DirectionAdd,
		Intensity: 1.0,
		Addition:  env.Content,
		Label:     "user-feedback",
	}
}

func defaultAcceptedModification() domain.ModificationDescriptor {
	return domain.ModificationDescriptor{Label: "default-accepted"}
}

// fingerprint is scheduler.fingerprint's formula, duplicated for the same
// reason as computeBackoff above.
func fingerprint(in stages.Input) string {
	payload := struct {
		Prior         map[domain.StageIndex]any       `json:"prior"`
		Modifications []domain.ModificationDescriptor `json:"modifications"`
		Attempt       int                              `json:"attempt"`
	}{Prior: in.Prior, Modifications: in.Modifications, Attempt: in.Attempt}
	b, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

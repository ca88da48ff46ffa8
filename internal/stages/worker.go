// Package stages implements the seven fixed pipeline stages (C1). Each
// stage is a value satisfying Worker: validate-input, execute,
// validate-output, composition over class hierarchy per the design notes.
// Quality scoring itself belongs to the quality gate (internal/qualitygate);
// a worker only shapes and validates its own output.
package stages

import (
	"context"
	"fmt"
	"sync"

	"github.com/panelforge/engine/internal/domain"
)

// Input is everything a stage needs beyond its own prior attempts: the
// session's submission, every completed prior stage's output keyed by
// index, and any HITL modification descriptors merged in ahead of this
// stage.
type Input struct {
	Session         *domain.Session
	Prior           map[domain.StageIndex]any
	Quality         map[domain.StageIndex]domain.QualityScore
	Modifications   []domain.ModificationDescriptor
	Attempt         int
}

// Worker is the common contract every stage implementation satisfies
// (spec.md design note: "dynamic dispatch over per-stage logic").
//
// Run must be side-effect safe under retry: a worker may be invoked again
// for the same (session, stage) with an incremented Attempt and must not
// assume any state survives between calls except what it reads from Input.
type Worker interface {
	Stage() domain.StageIndex
	ValidateInput(ctx context.Context, in Input) error
	Execute(ctx context.Context, in Input) (any, error)
	ValidateOutput(ctx context.Context, out any) error
}

// Registry is the dispatch table from StageIndex to Worker, modeled on the
// job-type -> handler registry pattern: at most one worker per stage,
// registered once at boot, looked up concurrently by many sessions.
type Registry struct {
	mu      sync.RWMutex
	workers map[domain.StageIndex]Worker
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[domain.StageIndex]Worker)}
}

func (r *Registry) Register(w Worker) error {
	if w == nil {
		return fmt.Errorf("nil worker")
	}
	stage := w.Stage()
	if stage < domain.StageConcept || stage > domain.StageFinal {
		return fmt.Errorf("worker reports out-of-range stage %d", stage)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[stage]; exists {
		return fmt.Errorf("worker already registered for stage %s", stage)
	}
	r.workers[stage] = w
	return nil
}

func (r *Registry) Get(stage domain.StageIndex) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[stage]
	return w, ok
}

// Complete reports whether a worker is registered for every one of the
// seven stages; the scheduler refuses to admit sessions otherwise.
func (r *Registry) Complete() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for s := domain.StageConcept; s <= domain.StageFinal; s++ {
		if _, ok := r.workers[s]; !ok {
			return fmt.Errorf("no worker registered for stage %s", s)
		}
	}
	return nil
}

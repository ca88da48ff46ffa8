// Package apierr is the engine's typed error taxonomy (spec.md §7).
//
// The shape is the teacher's internal/platform/apierr.Error — a status/code/
// wrapped-err triple with Unwrap support — generalized to carry the kinds
// spec.md §7 names. Internal code returns/wraps *Error directly; only the
// transport boundary (cmd/server) maps a Kind to an HTTP status.
package apierr

import "fmt"

// Kind is the stable, matchable error category (spec.md §7).
type Kind string

const (
	KindCapacity               Kind = "capacity"
	KindInvalidInput           Kind = "invalid-input"
	KindStageClosed            Kind = "stage-closed"
	KindNotAwaiting            Kind = "not-awaiting"
	KindWrongStage             Kind = "wrong-stage"
	KindStageTimeout           Kind = "stage-timeout"
	KindAIErrorRetryable       Kind = "stage-ai-error-retryable"
	KindAIErrorFatal           Kind = "stage-ai-error-fatal"
	KindContentPolicy          Kind = "content-policy"
	KindQualityBelowThreshold  Kind = "quality-below-threshold" // internal; surfaces as retry/fallback
	KindCacheMiss              Kind = "cache-miss"               // internal; never surfaces
	KindCancelled              Kind = "cancelled"
	KindTooSlow                Kind = "too-slow"
	KindPersistence            Kind = "persistence-error"
)

// Error is a typed, wrappable engine error.
type Error struct {
	Kind Kind
	Err  error
}

func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is(err, apierr.KindX) style comparisons via a sentinel
// wrapper, since Kind itself is not an error. Callers typically use KindOf
// instead.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, defaulting to "" when it is not a typed engine error.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ""
}

// Retryable reports whether the kind is one the engine consumes locally up
// to a configured budget (spec.md §7 "Propagation").
func (k Kind) Retryable() bool {
	switch k {
	case KindAIErrorRetryable, KindQualityBelowThreshold, KindStageTimeout:
		return true
	default:
		return false
	}
}

package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrQuotaExceeded       = errors.New("daily quota exceeded")
	ErrCooldownActive      = errors.New("site cooldown active")
	ErrSiteBusy            = errors.New("site has an attempt in flight")
	ErrActiveRecordExists  = errors.New("posting already has an active application")
	ErrRecordImmutable     = errors.New("application record is terminal")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrNotPending          = errors.New("approval is not pending")
	ErrCannotResolve       = errors.New("challenge cannot be resolved")
	ErrFormNotFound        = errors.New("application form not found")
	ErrFieldRejected       = errors.New("field value rejected")
)

// Kind groups errors by how the engine reacts to them.
type Kind string

const (
	KindTransient        Kind = "transient"
	KindStructural       Kind = "structural"
	KindPolicy           Kind = "policy"
	KindDetectionRisk    Kind = "detection_risk"
	KindAmbiguousOutcome Kind = "ambiguous_outcome"
	KindFatalConfig      Kind = "fatal_config"
)

// Failure reasons stored in ApplicationRecord.FailureReason.
const (
	ReasonFormNotFound          = "FormNotFound"
	ReasonNavigationFailed      = "NavigationFailed"
	ReasonFieldRejected         = "FieldRejected"
	ReasonValidationRejected    = "ValidationRejected"
	ReasonChallengeUnresolved   = "ChallengeUnresolved"
	ReasonUnconfirmedSubmission = "UnconfirmedSubmission"
	ReasonHumanRejected         = "HumanRejected"
	ReasonDetectionSuspected    = "DetectionSuspected"
	ReasonFatalConfiguration    = "FatalConfiguration"
)

// Failure attaches a Kind and a stored reason to an error.
type Failure struct {
	Kind   Kind
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", f.Kind, f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	return &Failure{Kind: KindTransient, Reason: ReasonNavigationFailed, Err: err}
}

// KindOf classifies err. Unknown errors are treated as transient so that they
// are retried a bounded number of times rather than dropped.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	switch {
	case errors.Is(err, ErrQuotaExceeded), errors.Is(err, ErrCooldownActive),
		errors.Is(err, ErrSiteBusy), errors.Is(err, ErrResourceUnavailable):
		return KindPolicy
	case errors.Is(err, ErrFormNotFound):
		return KindStructural
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	return KindTransient
}

// IsDeferral reports whether err means "try this posting again later".
func IsDeferral(err error) bool {
	return KindOf(err) == KindPolicy
}

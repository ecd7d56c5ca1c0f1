package provider

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a provider failure for the cascade and the pipeline.
type Kind string

const (
	// KindTransient means the same step may be retried later; the cascade
	// moves on to the next candidate.
	KindTransient Kind = "transient"
	// KindRateLimited means the provider asked us to back off; it is skipped
	// for the remainder of the current cascade run only.
	KindRateLimited Kind = "rate_limited"
	// KindFatal means the attempt cannot succeed (bad selector, no balance,
	// invalidated order).
	KindFatal Kind = "fatal"
)

// Error is the uniform provider failure shape. Adapters classify at the
// boundary; nothing provider-specific crosses it.
type Error struct {
	Provider string
	Op       string
	Kind     Kind
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Op, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified provider error.
func NewError(provider, op string, kind Kind, msg string) *Error {
	return &Error{Provider: provider, Op: op, Kind: kind, Msg: msg}
}

// WrapError classifies an underlying error.
func WrapError(provider, op string, kind Kind, msg string, err error) *Error {
	return &Error{Provider: provider, Op: op, Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the classification from an error chain. Anything that is
// not a classified provider error defaults to transient.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// ErrNoCode is wrapped by the poller when every window elapses without a
// delivered text.
var ErrNoCode = errors.New("no code delivered")

// CandidateFailure is one cascade candidate's failure reason.
type CandidateFailure struct {
	Provider string
	Country  string
	Reason   string
}

// CascadeError aggregates every per-candidate failure of an exhausted
// cascade run. It is only raised when no candidate produced a number.
type CascadeError struct {
	Failures []CandidateFailure
}

func (e *CascadeError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s/%s: %s", f.Provider, f.Country, f.Reason))
	}
	return fmt.Sprintf("all %d purchase candidates failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

package domain

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Outcome classifies a provider call.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeRateLimited
	OutcomeTransient
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// FetchError provider failure tagged with its kind.
type FetchError struct {
	Kind       Outcome
	Provider   string
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	}

	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// RateLimited builds a rate limit failure.
func RateLimited(provider string, retryAfter time.Duration, err error) *FetchError {
	return &FetchError{Kind: OutcomeRateLimited, Provider: provider, RetryAfter: retryAfter, Err: err}
}

// Transient builds a retryable failure.
func Transient(provider string, err error) *FetchError {
	return &FetchError{Kind: OutcomeTransient, Provider: provider, Err: err}
}

// Permanent builds a non-retryable failure.
func Permanent(provider string, err error) *FetchError {
	return &FetchError{Kind: OutcomePermanent, Provider: provider, Err: err}
}

// KindOf returns the outcome carried by err. Untagged errors count as transient.
func KindOf(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}

	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}

	return OutcomeTransient
}

// IsRetryable reports whether err may succeed on a later attempt within the same cycle.
func IsRetryable(err error) bool {
	return KindOf(err) == OutcomeTransient
}

// Result value of a fetch together with how it was obtained.
type Result[T any] struct {
	Value   T
	Outcome Outcome
	Source  Source
	Partial bool
	Err     error
}

// OK wraps a successful value.
func OK[T any](v T, src Source) Result[T] {
	return Result[T]{Value: v, Outcome: OutcomeOK, Source: src}
}

// Failed wraps an error, keeping its outcome.
func Failed[T any](err error) Result[T] {
	return Result[T]{Outcome: KindOf(err), Err: err}
}

// Ok reports whether a value is present.
func (r Result[T]) Ok() bool {
	return r.Outcome == OutcomeOK
}

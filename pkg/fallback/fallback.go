// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-p11pki.
//
// go-p11pki is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package fallback evaluates an ordered list of candidate strategies,
// stopping at the first success and collecting every failure on the way.
// It drives the provider to engine chain, URI candidate walks, token
// id to label lookups and PEM to DER verification retries.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrExhausted is returned when every candidate failed.
var ErrExhausted = errors.New("fallback: all candidates failed")

// Attempt is one named candidate strategy.
type Attempt[T any] struct {
	Name string
	Run  func(ctx context.Context) (T, error)
}

// Failure records why a candidate was rejected.
type Failure struct {
	Name string
	Err  error
}

// Result describes the winning candidate.
type Result[T any] struct {
	Value T
	Name  string
	Index int

	// Failures holds the candidates rejected before the winner.
	Failures []Failure
}

// Error is returned when no candidate succeeded. Cause is set when the
// walk stopped early on a terminal error or context cancellation.
type Error struct {
	Failures []Failure
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fallback: stopped after %d candidate(s): %v", len(e.Failures), e.Cause)
	}
	if last := e.Last(); last != nil {
		return fmt.Sprintf("%s (%d tried, last: %v)", ErrExhausted.Error(), len(e.Failures), last.Err)
	}
	return ErrExhausted.Error()
}

func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Cause}
	}
	return []error{ErrExhausted}
}

// Last returns the most recent failure, or nil.
func (e *Error) Last() *Failure {
	if len(e.Failures) == 0 {
		return nil
	}
	return &e.Failures[len(e.Failures)-1]
}

// Diagnostic renders every failure on its own line.
func (e *Error) Diagnostic() string {
	var b strings.Builder
	for i, f := range e.Failures {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %v", f.Name, f.Err)
	}
	return b.String()
}

// Options tunes a walk.
type Options struct {
	// Terminal reports errors that must stop the walk immediately.
	Terminal func(error) bool

	// OnFailure observes every rejected candidate.
	OnFailure func(Failure)
}

// First runs attempts in order and returns the first success. A nil error
// with a zero value counts as success; callers that need non-empty output
// must return an error from Run themselves.
func First[T any](ctx context.Context, attempts []Attempt[T], opts *Options) (*Result[T], error) {
	if opts == nil {
		opts = &Options{}
	}
	failures := make([]Failure, 0, len(attempts))
	for i, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Failures: failures, Cause: err}
		}
		v, err := a.Run(ctx)
		if err == nil {
			return &Result[T]{Value: v, Name: a.Name, Index: i, Failures: failures}, nil
		}
		f := Failure{Name: a.Name, Err: err}
		failures = append(failures, f)
		if opts.OnFailure != nil {
			opts.OnFailure(f)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &Error{Failures: failures, Cause: ctxErr}
		}
		if opts.Terminal != nil && opts.Terminal(err) {
			return nil, &Error{Failures: failures, Cause: err}
		}
	}
	return nil, &Error{Failures: failures}
}

// Failures extracts the collected failures from an error returned by First.
func Failures(err error) []Failure {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Failures
	}
	return nil
}

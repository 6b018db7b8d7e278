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

package openssl

import (
	"github.com/jeremyhahn/go-p11pki/pkg/types"
)

// Failure is the rejected branch of an Outcome.
type Failure struct {
	// Reason is a short human readable classification.
	Reason string

	// Code is a machine readable classification, when one applies.
	Code string

	// Diagnostic is the redacted, truncated tool output.
	Diagnostic string
}

// Outcome is the typed result of one tool invocation: exactly one of
// Value (when Failure is nil) or Failure is meaningful.
type Outcome[T any] struct {
	Value   T
	Failure *Failure
}

// Success wraps v.
func Success[T any](v T) Outcome[T] {
	return Outcome[T]{Value: v}
}

// Fail builds a failed outcome.
func Fail[T any](reason, code, diagnostic string) Outcome[T] {
	return Outcome[T]{Failure: &Failure{
		Reason:     reason,
		Code:       code,
		Diagnostic: types.TruncateDiagnostic(diagnostic),
	}}
}

// OK reports whether the outcome succeeded.
func (o Outcome[T]) OK() bool {
	return o.Failure == nil
}

// Err converts a failed outcome to an OperationError of the given kind.
func (o Outcome[T]) Err(op string, kind error) error {
	if o.Failure == nil {
		return nil
	}
	return &types.OperationError{
		Op:         op,
		Kind:       kind,
		Reason:     o.Failure.Reason,
		Diagnostic: o.Failure.Diagnostic,
	}
}

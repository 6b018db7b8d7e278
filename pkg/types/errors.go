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

package types

import (
	"context"
	"errors"
	"strings"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrConfiguration is returned for missing or invalid inputs such as an
	// empty key id, a missing PIN or a module path that does not exist.
	// It is never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrBackendUnavailable is returned when neither the provider nor the
	// engine pipeline is usable, or the toolchain is not installed.
	ErrBackendUnavailable = errors.New("no usable cryptographic backend")

	// ErrCandidateExhausted is returned when a usable backend rejected every
	// resolved key locator.
	ErrCandidateExhausted = errors.New("all key candidates failed")

	// ErrTokenArtifactMissing is returned when the signer certificate is not
	// on the token and none was supplied.
	ErrTokenArtifactMissing = errors.New("signer certificate not found on token, supply signerCertPem")

	// ErrVerificationFailed is returned when a CMS signature does not validate.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrStoreCorruption is returned when a record document cannot be parsed.
	ErrStoreCorruption = errors.New("record store corrupted")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
)

// maxDiagnosticLen bounds the captured tool output kept on an error.
const maxDiagnosticLen = 2048

// OperationError carries an error kind, a human readable reason for the
// caller and an operator-only diagnostic (redacted tool output, candidate
// lists). Error() never includes the diagnostic.
type OperationError struct {
	Op         string
	Kind       error
	Reason     string
	Diagnostic string
}

// Error returns the caller facing message.
func (e *OperationError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.Reason != "" {
		if e.Kind != nil {
			b.WriteString(": ")
		}
		b.WriteString(e.Reason)
	}
	return b.String()
}

// Unwrap exposes the kind for errors.Is.
func (e *OperationError) Unwrap() error {
	return e.Kind
}

// NewConfigurationError returns an ErrConfiguration with a reason.
func NewConfigurationError(reason string) error {
	return &OperationError{Kind: ErrConfiguration, Reason: reason}
}

// DiagnosticText returns the operator diagnostic attached to err, if any.
func DiagnosticText(err error) string {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Diagnostic
	}
	return ""
}

// Truncate shortens s to at most n bytes, marking the cut.
func Truncate(s string, n int) string {
	if n <= 0 {
		n = maxDiagnosticLen
	}
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}

// TruncateDiagnostic applies the default diagnostic bound.
func TruncateDiagnostic(s string) string {
	return Truncate(s, maxDiagnosticLen)
}

// KindOf returns a short label for the error taxonomy entry err belongs
// to, used for metrics and API error codes.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, ErrCandidateExhausted):
		return "candidate_exhausted"
	case errors.Is(err, ErrTokenArtifactMissing):
		return "token_artifact_missing"
	case errors.Is(err, ErrVerificationFailed):
		return "verification_failed"
	case errors.Is(err, ErrStoreCorruption):
		return "store_corruption"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}

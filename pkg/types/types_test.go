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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecret_NeverRendersValue(t *testing.T) {
	pin := Secret("1234")

	assert.Equal(t, "1234", pin.Reveal())
	assert.NotContains(t, pin.String(), "1234")
	assert.NotContains(t, fmt.Sprintf("%v %+v %#v %s", pin, pin, pin, pin), "1234")

	ref := KeyReference{ID: "01", PIN: pin}
	assert.NotContains(t, fmt.Sprintf("%v", ref), "1234")
	assert.NotContains(t, fmt.Sprintf("%+v", ref), "1234")

	data, err := json.Marshal(struct {
		PIN Secret `json:"pin"`
		Ref KeyReference
	}{PIN: pin, Ref: ref})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "1234")
}

func TestKeyReference_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ref     KeyReference
		wantErr bool
	}{
		{"valid", KeyReference{ID: "01", PIN: "123456"}, false},
		{"empty id", KeyReference{ID: "", PIN: "123456"}, true},
		{"blank id", KeyReference{ID: "   ", PIN: "123456"}, true},
		{"missing pin", KeyReference{ID: "01"}, true},
		{"negative slot", KeyReference{ID: "01", PIN: "1", SlotID: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ref.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrConfiguration))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSubjectDescriptor_Render(t *testing.T) {
	tests := []struct {
		name    string
		subject SubjectDescriptor
		want    string
	}{
		{
			name:    "typical",
			subject: SubjectDescriptor{CN: "Test User", O: "FinTraX", C: "CD"},
			want:    "/CN=Test User/O=FinTraX/C=CD",
		},
		{
			name:    "all fields",
			subject: SubjectDescriptor{CN: "a", O: "b", OU: "c", C: "CD", L: "Kinshasa", Email: "x@example.cd"},
			want:    "/CN=a/O=b/OU=c/C=CD/L=Kinshasa/emailAddress=x@example.cd",
		},
		{
			name:    "slash escaped",
			subject: SubjectDescriptor{CN: "R&D/Ops", OU: `a\b`},
			want:    `/CN=R&D\/Ops/OU=a\\b`,
		},
		{
			name:    "empty",
			subject: SubjectDescriptor{},
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.subject.Render())
		})
	}
}

func TestSubjectDescriptor_Summary(t *testing.T) {
	s := SubjectDescriptor{CN: "Test User", O: "FinTraX", C: "CD"}
	assert.Equal(t, "CN=Test User, O=FinTraX, C=CD", s.Summary())
	assert.False(t, s.IsEmpty())
	assert.True(t, SubjectDescriptor{CN: "  "}.IsEmpty())
}

func TestOperationError(t *testing.T) {
	err := &OperationError{
		Op:         "issue",
		Kind:       ErrCandidateExhausted,
		Reason:     "key 01 did not match any candidate",
		Diagnostic: "openssl: could not load key",
	}

	assert.True(t, errors.Is(err, ErrCandidateExhausted))
	assert.False(t, errors.Is(err, ErrBackendUnavailable))
	assert.NotContains(t, err.Error(), "could not load key")
	assert.Equal(t, "openssl: could not load key", DiagnosticText(fmt.Errorf("wrapped: %w", err)))
	assert.Empty(t, DiagnosticText(errors.New("plain")))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 10))
	out := Truncate(strings.Repeat("x", 20), 5)
	assert.True(t, strings.HasPrefix(out, "xxxxx"))
	assert.Contains(t, out, "truncated")
}

func TestVerificationResult_Err(t *testing.T) {
	ok := &VerificationResult{Verified: true}
	assert.NoError(t, ok.Err())

	bad := &VerificationResult{Verified: false, Reason: "digest mismatch"}
	err := bad.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVerificationFailed))
	assert.Contains(t, err.Error(), "digest mismatch")
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, "", KindOf(nil))
	assert.Equal(t, "configuration", KindOf(NewConfigurationError("x")))
	assert.Equal(t, "not_found", KindOf(&OperationError{Kind: ErrNotFound}))
	assert.Equal(t, "candidate_exhausted", KindOf(fmt.Errorf("wrapped: %w", ErrCandidateExhausted)))
	assert.Equal(t, "canceled", KindOf(context.Canceled))
	assert.Equal(t, "internal", KindOf(errors.New("other")))
}

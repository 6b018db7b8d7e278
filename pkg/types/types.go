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

// Package types contains shared type definitions used across go-p11pki,
// including key references, subject descriptors, backend modes and the
// error taxonomy. This package has no dependencies on other go-p11pki
// packages to prevent import cycles.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// Secrets
// =============================================================================

// Secret holds a token PIN. It renders as a mask in every textual and JSON
// form so it can be passed around in structs that are logged or persisted.
type Secret string

const secretMask = "****"

// Reveal returns the clear-text value. Only process environments and
// token URIs handed to a child process should ever see it.
func (s Secret) Reveal() string {
	return string(s)
}

// IsEmpty reports whether the secret is unset.
func (s Secret) IsEmpty() bool {
	return s == ""
}

// String implements fmt.Stringer with a mask.
func (s Secret) String() string {
	if s == "" {
		return "<not set>"
	}
	return secretMask
}

// GoString implements fmt.GoStringer so %#v never prints the value.
func (s Secret) GoString() string {
	return s.String()
}

// MarshalJSON never serializes the clear-text value.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// =============================================================================
// Key References
// =============================================================================

// KeyReference identifies a hardware-resident asymmetric key on a PKCS#11 token.
type KeyReference struct {
	// ID is the caller supplied identifier. It may be hex-pair encoded
	// CKA_ID bytes, an ASCII label, or an object label.
	ID string `json:"keyId" yaml:"key_id"`

	// SlotID is the PKCS#11 slot number. Defaults to 0.
	SlotID int `json:"slotId" yaml:"slot_id"`

	// TokenLabel is the token label, e.g. "SmartCard-HSM (UserPIN)".
	TokenLabel string `json:"tokenLabel,omitempty" yaml:"token_label"`

	// PIN is the user PIN. It is never logged or persisted.
	PIN Secret `json:"-" yaml:"-"`
}

// Validate checks that the reference is usable for a PIN-authenticated operation.
func (r KeyReference) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return NewConfigurationError("keyId is required")
	}
	if r.PIN.IsEmpty() {
		return NewConfigurationError("pin is required")
	}
	if r.SlotID < 0 {
		return NewConfigurationError(fmt.Sprintf("invalid slot id %d", r.SlotID))
	}
	return nil
}

// WithTokenLabel returns a copy of the reference bound to the given token label.
func (r KeyReference) WithTokenLabel(label string) KeyReference {
	r.TokenLabel = label
	return r
}

// String returns a loggable representation with the PIN masked.
func (r KeyReference) String() string {
	label := r.TokenLabel
	if label == "" {
		label = "<any>"
	}
	return fmt.Sprintf("KeyReference{ID: %s, Slot: %d, Token: %s, PIN: %s}",
		r.ID, r.SlotID, label, r.PIN.String())
}

// =============================================================================
// Backend Modes
// =============================================================================

// Mode identifies the OpenSSL integration used to reach the token.
type Mode string

const (
	// ModeProvider is the OpenSSL 3 provider pipeline (pkcs11 + default providers).
	ModeProvider Mode = "provider"

	// ModeEngine is the legacy OpenSSL engine pipeline (libp11 pkcs11 engine).
	ModeEngine Mode = "engine"
)

// String returns the mode name.
func (m Mode) String() string {
	return string(m)
}

// =============================================================================
// Verification
// =============================================================================

const (
	// ReasonNotCMS means the input is not a CMS/PKCS#7 structure.
	ReasonNotCMS = "not_cms"

	// ReasonVerificationFailed covers every other verification failure.
	ReasonVerificationFailed = "verification_failed"

	// NoticeIntegrityOnly accompanies results produced without a CA bundle.
	NoticeIntegrityOnly = "no CA bundle supplied: signature integrity verified, issuer trust not checked"
)

// VerificationResult is the transient outcome of a CMS verification.
type VerificationResult struct {
	Verified     bool   `json:"verified"`
	Reason       string `json:"reason,omitempty"`
	ReasonCode   string `json:"reasonCode,omitempty"`
	SignerInfo   string `json:"signerInfo,omitempty"`
	Encoding     string `json:"encoding,omitempty"`
	TrustChecked bool   `json:"trustChecked"`
	Notice       string `json:"notice,omitempty"`
}

// Err returns ErrVerificationFailed wrapped with the reason when the
// result is negative, and nil otherwise.
func (v *VerificationResult) Err() error {
	if v == nil || v.Verified {
		return nil
	}
	return &OperationError{
		Op:     "verify",
		Kind:   ErrVerificationFailed,
		Reason: v.Reason,
	}
}

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

package pkcs11uri

import (
	"encoding/hex"
	"regexp"

	"github.com/jeremyhahn/go-p11pki/pkg/types"
)

// DefaultTokenLabels are tried when no label is configured.
var DefaultTokenLabels = []string{"SmartCard-HSM (UserPIN)", "SmartCard-HSM"}

var hexIDPattern = regexp.MustCompile("^[0-9a-fA-F]{2,}$")

// Options carries resolver configuration that is not part of the key reference.
type Options struct {
	// ModulePath is the PKCS #11 module added as the module-path query
	// attribute. The module-path shape is skipped when empty.
	ModulePath string
}

// IDForms returns the CKA_ID byte forms to try, most specific first: the
// decoded hex bytes when id looks like hex pairs, then the raw ASCII bytes.
func IDForms(id string) [][]byte {
	forms := make([][]byte, 0, 2)
	if hexIDPattern.MatchString(id) && len(id)%2 == 0 {
		if b, err := hex.DecodeString(id); err == nil {
			forms = append(forms, b)
		}
	}
	return append(forms, []byte(id))
}

// locators returns the candidate URIs without PIN, in priority order.
// withModule selects the module-path shape (provider) or the bare id
// shape (engine).
func locators(ref types.KeyReference, opts Options, withModule bool) []*URI {
	slot := ref.SlotID
	out := make([]*URI, 0, 12)
	for _, id := range IDForms(ref.ID) {
		out = append(out, &URI{SlotID: &slot, ID: id, Type: "private"})
		if ref.TokenLabel != "" {
			out = append(out, &URI{SlotID: &slot, Token: ref.TokenLabel, ID: id, Type: "private"})
		}
		if withModule {
			if opts.ModulePath != "" {
				out = append(out, &URI{ID: id, Type: "private", ModulePath: opts.ModulePath})
			}
		} else {
			out = append(out, &URI{ID: id, Type: "private"})
		}
	}
	out = append(out, &URI{Object: ref.ID, Type: "private"})
	if ref.TokenLabel != "" {
		out = append(out, &URI{Token: ref.TokenLabel, Object: ref.ID, Type: "private"})
	}
	return out
}

// ResolveProviderURIs expands ref into provider URIs: hex CKA_ID shapes,
// then ASCII CKA_ID shapes, then object label shapes. Every shape is
// emitted with the pin-value attribute first and then without it.
func ResolveProviderURIs(ref types.KeyReference, opts Options) ([]string, error) {
	if ref.ID == "" {
		return nil, types.NewConfigurationError("keyId is required")
	}
	pin := ref.PIN.Reveal()
	uris := make([]string, 0, 24)
	for _, loc := range locators(ref, opts, true) {
		if pin != "" {
			withPin := *loc
			withPin.PinValue = pin
			uris = append(uris, withPin.String())
		}
		uris = append(uris, loc.String())
	}
	return dedupe(uris), nil
}

// ResolveEngineURIs expands ref into engine key locators. The PIN is never
// embedded; each locator is emitted with the scheme prefix and then bare.
func ResolveEngineURIs(ref types.KeyReference, opts Options) ([]string, error) {
	if ref.ID == "" {
		return nil, types.NewConfigurationError("keyId is required")
	}
	uris := make([]string, 0, 24)
	for _, loc := range locators(ref, opts, false) {
		uris = append(uris, loc.String(), loc.Attrs())
	}
	return dedupe(uris), nil
}

// TokenLabelCandidates returns the token labels to try: the reference's
// label, then configured labels, then the built-in defaults.
func TokenLabelCandidates(ref types.KeyReference, configured []string) []string {
	labels := make([]string, 0, len(configured)+3)
	if ref.TokenLabel != "" {
		labels = append(labels, ref.TokenLabel)
	}
	labels = append(labels, configured...)
	labels = append(labels, DefaultTokenLabels...)
	return dedupe(labels)
}

// Candidate is one key locator bound to the token label it was resolved for.
type Candidate struct {
	TokenLabel string `json:"tokenLabel"`
	Locator    string `json:"locator"`
}

// Candidates expands ref for mode across every token label candidate,
// in label order, dropping locators already produced for an earlier label.
func Candidates(mode types.Mode, ref types.KeyReference, configured []string, opts Options) ([]Candidate, error) {
	seen := make(map[string]bool)
	var out []Candidate
	for _, label := range TokenLabelCandidates(ref, configured) {
		bound := ref.WithTokenLabel(label)
		var uris []string
		var err error
		if mode == types.ModeEngine {
			uris, err = ResolveEngineURIs(bound, opts)
		} else {
			uris, err = ResolveProviderURIs(bound, opts)
		}
		if err != nil {
			return nil, err
		}
		for _, u := range uris {
			if seen[u] {
				continue
			}
			seen[u] = true
			out = append(out, Candidate{TokenLabel: label, Locator: u})
		}
	}
	return out, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

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

// Package pkcs11uri builds and parses RFC 7512 PKCS #11 URIs and expands a
// logical key reference into the ordered candidate locators tried against
// the OpenSSL provider and engine pipelines.
package pkcs11uri

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Scheme is the RFC 7512 URI scheme prefix.
const Scheme = "pkcs11:"

// ErrInvalidURI is returned by Parse for malformed input.
var ErrInvalidURI = errors.New("pkcs11uri: invalid uri")

// URI holds the subset of RFC 7512 attributes this module reads and writes.
type URI struct {
	// path attributes
	SlotID *int   // slot-id
	Token  string // token
	ID     []byte // id
	Object string // object
	Type   string // type

	Manufacturer string // manufacturer
	Serial       string // serial
	Model        string // model

	// query attributes
	ModulePath string // module-path
	ModuleName string // module-name
	PinValue   string // pin-value
	PinSource  string // pin-source
}

// String renders the URI with the scheme prefix.
func (u *URI) String() string {
	return Scheme + u.Attrs()
}

// Attrs renders the URI without the scheme prefix.
func (u *URI) Attrs() string {
	path := make([]string, 0, 8)
	if u.SlotID != nil {
		path = append(path, "slot-id="+strconv.Itoa(*u.SlotID))
	}
	if u.Token != "" {
		path = append(path, "token="+escape(u.Token))
	}
	if u.Manufacturer != "" {
		path = append(path, "manufacturer="+escape(u.Manufacturer))
	}
	if u.Model != "" {
		path = append(path, "model="+escape(u.Model))
	}
	if u.Serial != "" {
		path = append(path, "serial="+escape(u.Serial))
	}
	if len(u.ID) > 0 {
		path = append(path, "id="+escapeBytes(u.ID))
	}
	if u.Object != "" {
		path = append(path, "object="+escape(u.Object))
	}
	if u.Type != "" {
		path = append(path, "type="+u.Type)
	}

	query := make([]string, 0, 4)
	if u.ModuleName != "" {
		query = append(query, "module-name="+escape(u.ModuleName))
	}
	if u.ModulePath != "" {
		query = append(query, "module-path="+escape(u.ModulePath))
	}
	if u.PinSource != "" {
		query = append(query, "pin-source="+escape(u.PinSource))
	}
	if u.PinValue != "" {
		query = append(query, "pin-value="+escape(u.PinValue))
	}

	s := strings.Join(path, ";")
	if len(query) > 0 {
		s += "?" + strings.Join(query, "&")
	}
	return s
}

// Parse decodes a PKCS #11 URI. The scheme prefix is optional so the bare
// form accepted by some engine builds parses too. Unknown attributes are
// rejected.
func Parse(uri string) (*URI, error) {
	rest := strings.TrimPrefix(strings.TrimSpace(uri), Scheme)
	if rest == "" {
		return nil, fmt.Errorf("%w: %q is empty", ErrInvalidURI, uri)
	}

	var u URI
	pathPart, queryPart, _ := strings.Cut(rest, "?")

	for _, attr := range strings.Split(pathPart, ";") {
		if attr == "" {
			continue
		}
		name, value, err := splitAttr(attr)
		if err != nil {
			return nil, err
		}
		switch name {
		case "slot-id":
			id, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%w: slot-id %q: %v", ErrInvalidURI, value, err)
			}
			u.SlotID = &id
		case "token":
			u.Token = value
		case "manufacturer":
			u.Manufacturer = value
		case "serial":
			u.Serial = value
		case "model":
			u.Model = value
		case "id":
			u.ID = []byte(value)
		case "object":
			u.Object = value
		case "type":
			switch value {
			case "public", "private", "cert", "secret-key", "data":
			default:
				return nil, fmt.Errorf("%w: unknown object type %q", ErrInvalidURI, value)
			}
			u.Type = value
		case "library-manufacturer", "library-description", "library-version",
			"slot-manufacturer", "slot-description":
			// recognized but not used
		default:
			return nil, fmt.Errorf("%w: unknown path attribute %q", ErrInvalidURI, name)
		}
	}

	if queryPart != "" {
		for _, attr := range strings.Split(queryPart, "&") {
			if attr == "" {
				continue
			}
			name, value, err := splitAttr(attr)
			if err != nil {
				return nil, err
			}
			switch name {
			case "pin-value":
				u.PinValue = value
			case "pin-source":
				u.PinSource = value
			case "module-name":
				u.ModuleName = value
			case "module-path":
				u.ModulePath = value
			default:
				return nil, fmt.Errorf("%w: unknown query attribute %q", ErrInvalidURI, name)
			}
		}
	}
	return &u, nil
}

func splitAttr(attr string) (string, string, error) {
	name, raw, ok := strings.Cut(attr, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", "", fmt.Errorf("%w: attribute %q", ErrInvalidURI, attr)
	}
	value, err := url.PathUnescape(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("%w: attribute %q: %v", ErrInvalidURI, name, err)
	}
	return name, value, nil
}

// SecretForms returns every spelling under which pin can appear in a
// locator or command line: verbatim and percent-encoded in both hex cases.
// Longer forms come first so masking one never leaves part of another.
func SecretForms(pin string) []string {
	if pin == "" {
		return nil
	}
	upper := escape(pin)
	candidates := []string{upper, lowerEscapes(upper), pin}
	forms := make([]string, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, f := range candidates {
		if !seen[f] {
			seen[f] = true
			forms = append(forms, f)
		}
	}
	sort.SliceStable(forms, func(i, j int) bool { return len(forms[i]) > len(forms[j]) })
	return forms
}

// lowerEscapes lowercases the hex digits of every %XX triplet in s.
func lowerEscapes(s string) string {
	b := []byte(s)
	for i := 0; i+2 < len(b); i++ {
		if b[i] == '%' {
			b[i+1] = toLowerHex(b[i+1])
			b[i+2] = toLowerHex(b[i+2])
			i += 2
		}
	}
	return string(b)
}

func toLowerHex(c byte) byte {
	if 'A' <= c && c <= 'F' {
		return c + ('a' - 'A')
	}
	return c
}

// escape percent-encodes everything outside the RFC 3986 unreserved set.
func escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

// escapeBytes percent-encodes every byte, the canonical form for CKA_ID.
func escapeBytes(id []byte) string {
	var b strings.Builder
	b.Grow(len(id) * 3)
	for _, c := range id {
		fmt.Fprintf(&b, "%%%02x", c)
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}

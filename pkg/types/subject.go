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

import "strings"

// SubjectDescriptor is the X.509 subject embedded in an issued certificate.
type SubjectDescriptor struct {
	CN    string `json:"CN,omitempty" yaml:"cn"`
	O     string `json:"O,omitempty" yaml:"o"`
	OU    string `json:"OU,omitempty" yaml:"ou"`
	C     string `json:"C,omitempty" yaml:"c"`
	L     string `json:"L,omitempty" yaml:"l"`
	Email string `json:"email,omitempty" yaml:"email"`
}

type rdn struct {
	attr  string
	value string
}

func (s SubjectDescriptor) rdns() []rdn {
	all := []rdn{
		{"CN", s.CN},
		{"O", s.O},
		{"OU", s.OU},
		{"C", s.C},
		{"L", s.L},
		{"emailAddress", s.Email},
	}
	out := make([]rdn, 0, len(all))
	for _, r := range all {
		if v := strings.TrimSpace(r.value); v != "" {
			out = append(out, rdn{r.attr, v})
		}
	}
	return out
}

// IsEmpty reports whether no subject attribute is set.
func (s SubjectDescriptor) IsEmpty() bool {
	return len(s.rdns()) == 0
}

// Render returns the OpenSSL -subj form, e.g. "/CN=Test User/O=FinTraX/C=CD".
// Forward slashes and backslashes inside values are escaped.
func (s SubjectDescriptor) Render() string {
	var b strings.Builder
	for _, r := range s.rdns() {
		b.WriteByte('/')
		b.WriteString(r.attr)
		b.WriteByte('=')
		b.WriteString(escapeDNValue(r.value))
	}
	return b.String()
}

// Summary returns a human readable "CN=..., O=..." string for records.
func (s SubjectDescriptor) Summary() string {
	parts := make([]string, 0, 6)
	for _, r := range s.rdns() {
		parts = append(parts, r.attr+"="+r.value)
	}
	return strings.Join(parts, ", ")
}

func escapeDNValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, "/", `\/`)
}

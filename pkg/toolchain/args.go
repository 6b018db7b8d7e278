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

package toolchain

import "strconv"

// Args builds an argument vector one discrete element at a time.
// Values are never split or interpreted, so subject and SAN text cannot
// inject additional options.
type Args struct {
	argv []string
}

// NewArgs starts a vector with the given leading elements (usually a subcommand).
func NewArgs(lead ...string) *Args {
	a := &Args{argv: make([]string, 0, 16)}
	a.argv = append(a.argv, lead...)
	return a
}

// Flag appends a bare flag such as "-new".
func (a *Args) Flag(name string) *Args {
	a.argv = append(a.argv, name)
	return a
}

// FlagIf appends name only when cond holds.
func (a *Args) FlagIf(cond bool, name string) *Args {
	if cond {
		a.argv = append(a.argv, name)
	}
	return a
}

// Opt appends a flag followed by its value as a separate element.
func (a *Args) Opt(name, value string) *Args {
	a.argv = append(a.argv, name, value)
	return a
}

// OptIf appends the option only when value is non-empty.
func (a *Args) OptIf(name, value string) *Args {
	if value != "" {
		a.argv = append(a.argv, name, value)
	}
	return a
}

// Int appends a flag followed by an integer value.
func (a *Args) Int(name string, value int) *Args {
	a.argv = append(a.argv, name, strconv.Itoa(value))
	return a
}

// Slice returns a copy of the vector.
func (a *Args) Slice() []string {
	out := make([]string, len(a.argv))
	copy(out, a.argv)
	return out
}

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

// Package storage provides the key-value persistence layer under the record
// store. Keys are slash separated paths such as "certificates.json" or
// "signatures/<id>.p7s". Backends hold whole values; callers that need
// read-modify-write semantics serialize themselves.
package storage

import (
	"io/fs"
)

// Backend defines the interface for storage backends.
// All implementations must be thread-safe.
type Backend interface {
	// Get retrieves the value for the given key.
	// Returns ErrNotFound if the key does not exist.
	Get(key string) ([]byte, error)

	// Put stores the value for the given key, replacing any previous value.
	// Readers never observe a partially written value.
	Put(key string, value []byte, opts *Options) error

	// Delete removes the key and its value from storage.
	// Returns ErrNotFound if the key does not exist.
	Delete(key string) error

	// List returns all keys with the given prefix in sorted order.
	// If prefix is empty, all keys are returned.
	List(prefix string) ([]string, error)

	// Exists checks if a key exists in storage.
	Exists(key string) (bool, error)

	// Close releases any resources held by the backend.
	Close() error
}

// Options contains optional parameters for Put.
type Options struct {
	// Permissions sets the file mode for file-based storage.
	Permissions fs.FileMode
}

// DefaultOptions returns Options with owner-only permissions.
func DefaultOptions() *Options {
	return &Options{Permissions: 0600}
}

// ArtifactOptions returns Options for world-readable artifacts such as
// issued certificates.
func ArtifactOptions() *Options {
	return &Options{Permissions: 0644}
}

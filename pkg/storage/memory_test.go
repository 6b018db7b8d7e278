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

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend_PutAndGet(t *testing.T) {
	backend := NewMemory()
	defer func() { _ = backend.Close() }()

	require.NoError(t, backend.Put("certificates.json", []byte(`{"total":0}`), nil))

	result, err := backend.Get("certificates.json")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"total":0}`), result)

	exists, err := backend.Exists("certificates.json")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMemoryBackend_NotFound(t *testing.T) {
	backend := NewMemory()

	_, err := backend.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, backend.Delete("missing"), ErrNotFound)

	exists, err := backend.Exists("missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryBackend_CopiesValues(t *testing.T) {
	backend := NewMemory()

	value := []byte("original")
	require.NoError(t, backend.Put("k", value, nil))
	value[0] = 'X'

	result, err := backend.Get("k")
	require.NoError(t, err)
	result[1] = 'Y'

	again, err := backend.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}

func TestMemoryBackend_ListSortedByPrefix(t *testing.T) {
	backend := NewMemory()
	for _, k := range []string{"signatures/b.p7s", "certificates/a.pem", "signatures/a.p7m", "signatures.json"} {
		require.NoError(t, backend.Put(k, []byte("x"), nil))
	}

	keys, err := backend.List("signatures/")
	require.NoError(t, err)
	assert.Equal(t, []string{"signatures/a.p7m", "signatures/b.p7s"}, keys)

	all, err := backend.List("")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestMemoryBackend_Closed(t *testing.T) {
	backend := NewMemory()
	require.NoError(t, backend.Close())

	_, err := backend.Get("k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, backend.Put("k", nil, nil), ErrClosed)
	_, err = backend.List("")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key   string
		valid bool
	}{
		{"certificates.json", true},
		{"signers/01.pem", true},
		{"signers/SmartCard-HSM%20%28UserPIN%29.pem", true},
		{"", false},
		{"/etc/passwd", false},
		{"../outside", false},
		{"a/../../b", false},
		{"a//b", false},
		{"a\x00b", false},
		{".", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidKey)
			}
		})
	}
}

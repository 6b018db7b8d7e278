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

package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkspace_WriteReadCleanup(t *testing.T) {
	base := t.TempDir()
	ws, err := New(base)
	require.NoError(t, err)

	fi, err := os.Stat(ws.Dir())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), fi.Mode().Perm())

	p, err := ws.Write("req.csr", []byte("csr"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.Dir(), "req.csr"), p)
	assert.True(t, ws.NonEmpty("req.csr"))
	assert.False(t, ws.NonEmpty("missing"))

	data, err := ws.Read("req.csr")
	require.NoError(t, err)
	assert.Equal(t, "csr", string(data))

	_, err = ws.Write("empty.der", nil)
	require.NoError(t, err)
	assert.False(t, ws.NonEmpty("empty.der"))

	require.NoError(t, ws.Remove("empty.der"))
	require.NoError(t, ws.Remove("empty.der"))

	require.NoError(t, ws.Cleanup())
	require.NoError(t, ws.Cleanup())
	_, err = os.Stat(ws.Dir())
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = ws.Write("late", []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWorkspace_RejectsEscapingNames(t *testing.T) {
	ws, err := NewWithFs(afero.NewMemMapFs(), "/tmp", "")
	require.NoError(t, err)
	defer func() { _ = ws.Cleanup() }()

	for _, name := range []string{"", "..", "../x", "/etc/passwd", "a\x00b", "."} {
		_, err := ws.Path(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
	p, err := ws.Path("sub/file.pem")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.Dir(), "sub", "file.pem"), p)
	assert.Panics(t, func() { ws.MustPath("../x") })
}

func TestWorkspace_MemFs(t *testing.T) {
	fs := afero.NewMemMapFs()
	ws, err := NewWithFs(fs, "/scratch", "op-")
	require.NoError(t, err)

	_, err = ws.Write("nested/cert.pem", []byte("pem"))
	require.NoError(t, err)
	ok, err := afero.Exists(fs, filepath.Join(ws.Dir(), "nested", "cert.pem"))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, ws.Cleanup())
	ok, err = afero.DirExists(fs, ws.Dir())
	require.NoError(t, err)
	assert.False(t, ok)
}

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

// Package workspace manages the private scratch directory owned by a single
// issuance or signing operation. Everything written through a Workspace
// lives under one directory that Cleanup removes on every exit path.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

const (
	dirPerms  = 0700
	filePerms = 0600

	defaultPrefix = "p11pki-"
)

var (
	// ErrInvalidName is returned for names that escape the workspace.
	ErrInvalidName = errors.New("workspace: invalid file name")

	// ErrClosed is returned after Cleanup.
	ErrClosed = errors.New("workspace: cleaned up")
)

// Workspace is a private temp directory. The external tools read and
// write its files by path, so it must be backed by the OS filesystem in
// production; tests may substitute any afero.Fs.
type Workspace struct {
	mu     sync.Mutex
	fs     afero.Fs
	dir    string
	closed bool
}

// New creates a workspace under base (os.TempDir() when empty).
func New(base string) (*Workspace, error) {
	return NewWithFs(afero.NewOsFs(), base, defaultPrefix)
}

// NewWithFs creates a workspace on fs.
func NewWithFs(fs afero.Fs, base, prefix string) (*Workspace, error) {
	if base == "" {
		base = os.TempDir()
	}
	if prefix == "" {
		prefix = defaultPrefix
	}
	if err := fs.MkdirAll(base, dirPerms); err != nil {
		return nil, fmt.Errorf("workspace: failed to create base %s: %w", base, err)
	}
	dir, err := afero.TempDir(fs, base, prefix)
	if err != nil {
		return nil, fmt.Errorf("workspace: failed to create temp dir: %w", err)
	}
	if err := fs.Chmod(dir, dirPerms); err != nil {
		_ = fs.RemoveAll(dir)
		return nil, fmt.Errorf("workspace: failed to restrict temp dir: %w", err)
	}
	return &Workspace{fs: fs, dir: dir}, nil
}

// Dir returns the workspace root.
func (w *Workspace) Dir() string {
	return w.dir
}

// Path returns the absolute path for name inside the workspace without
// creating anything.
func (w *Workspace) Path(name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	clean := filepath.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(w.dir, clean), nil
}

// MustPath is Path for names built from constants.
func (w *Workspace) MustPath(name string) string {
	p, err := w.Path(name)
	if err != nil {
		panic(err)
	}
	return p
}

// Write stores data under name and returns its path.
func (w *Workspace) Write(name string, data []byte) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return "", ErrClosed
	}
	p, err := w.Path(name)
	if err != nil {
		return "", err
	}
	if err := w.fs.MkdirAll(filepath.Dir(p), dirPerms); err != nil {
		return "", fmt.Errorf("workspace: failed to create dir for %s: %w", name, err)
	}
	if err := afero.WriteFile(w.fs, p, data, filePerms); err != nil {
		return "", fmt.Errorf("workspace: failed to write %s: %w", name, err)
	}
	return p, nil
}

// Read returns the contents of name.
func (w *Workspace) Read(name string) ([]byte, error) {
	p, err := w.Path(name)
	if err != nil {
		return nil, err
	}
	return afero.ReadFile(w.fs, p)
}

// NonEmpty reports whether name exists and has content.
func (w *Workspace) NonEmpty(name string) bool {
	p, err := w.Path(name)
	if err != nil {
		return false
	}
	fi, err := w.fs.Stat(p)
	return err == nil && !fi.IsDir() && fi.Size() > 0
}

// Remove deletes name, ignoring a missing file. Candidate loops use it to
// discard partial output before the next attempt.
func (w *Workspace) Remove(name string) error {
	p, err := w.Path(name)
	if err != nil {
		return err
	}
	if err := w.fs.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Cleanup removes the workspace and everything in it. It is safe to call
// more than once.
func (w *Workspace) Cleanup() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.fs.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("workspace: failed to remove %s: %w", w.dir, err)
	}
	return nil
}

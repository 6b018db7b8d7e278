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

// Package file provides a file-based implementation of the storage.Backend
// interface on top of an afero filesystem. Values are written to a temporary
// file in the destination directory and renamed into place, so a crash
// leaves either the old or the new document, never a partial one.
package file

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/jeremyhahn/go-p11pki/pkg/storage"
)

const (
	// Default directory permissions (owner rwx only)
	defaultDirPerms = 0700

	// defaultPerms applies when Options carry no permissions.
	defaultPerms = 0600

	tempPrefix = ".tmp-"
)

// FileStorage is a file-based implementation of storage.Backend.
// It stores each key as a file below rootDir and is thread-safe.
type FileStorage struct {
	mu      sync.RWMutex
	fs      afero.Fs
	rootDir string
	closed  bool
}

// New creates a FileStorage rooted at rootDir on the OS filesystem.
// The root directory is created with 0700 permissions if it doesn't exist.
func New(rootDir string) (*FileStorage, error) {
	return NewWithFs(afero.NewOsFs(), rootDir)
}

// NewWithFs creates a FileStorage on an arbitrary afero filesystem.
func NewWithFs(fsys afero.Fs, rootDir string) (*FileStorage, error) {
	if rootDir == "" {
		return nil, fmt.Errorf("file storage: root directory cannot be empty")
	}
	if err := fsys.MkdirAll(rootDir, defaultDirPerms); err != nil {
		return nil, fmt.Errorf("file storage: failed to create root directory: %w", err)
	}
	return &FileStorage{fs: fsys, rootDir: filepath.Clean(rootDir)}, nil
}

// Root returns the storage root directory.
func (f *FileStorage) Root() string {
	return f.rootDir
}

// Get retrieves the value for the given key.
// Returns storage.ErrNotFound if the key does not exist.
func (f *FileStorage) Get(key string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, storage.ErrClosed
	}
	p, err := f.keyToPath(key)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(f.fs, p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("file storage: failed to read key %q: %w", key, err)
	}
	return data, nil
}

// Put atomically replaces the value for key.
func (f *FileStorage) Put(key string, value []byte, opts *storage.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return storage.ErrClosed
	}
	p, err := f.keyToPath(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(p)
	if err := f.fs.MkdirAll(dir, defaultDirPerms); err != nil {
		return fmt.Errorf("file storage: failed to create directory for key %q: %w", key, err)
	}

	tmp, err := afero.TempFile(f.fs, dir, tempPrefix+filepath.Base(p)+"-")
	if err != nil {
		return fmt.Errorf("file storage: failed to create temp file for key %q: %w", key, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = f.fs.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("file storage: failed to write key %q: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("file storage: failed to sync key %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("file storage: failed to close key %q: %w", key, err)
	}
	if err := f.fs.Chmod(tmpName, permissions(opts)); err != nil {
		return fmt.Errorf("file storage: failed to chmod key %q: %w", key, err)
	}
	if err := f.fs.Rename(tmpName, p); err != nil {
		return fmt.Errorf("file storage: failed to replace key %q: %w", key, err)
	}
	committed = true
	return nil
}

// Delete removes the key and its value from storage.
// Returns storage.ErrNotFound if the key does not exist.
func (f *FileStorage) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return storage.ErrClosed
	}
	p, err := f.keyToPath(key)
	if err != nil {
		return err
	}
	if _, err := f.fs.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("file storage: failed to stat key %q: %w", key, err)
	}
	if err := f.fs.Remove(p); err != nil {
		return fmt.Errorf("file storage: failed to delete key %q: %w", key, err)
	}
	return nil
}

// List returns all keys with the given prefix in sorted order.
// Temporary files from interrupted writes are skipped.
func (f *FileStorage) List(prefix string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, storage.ErrClosed
	}

	keys := make([]string, 0)
	err := afero.Walk(f.fs, f.rootDir, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(f.rootDir, p)
		if err != nil {
			return fmt.Errorf("file storage: failed to convert path to key: %w", err)
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("file storage: failed to list keys: %w", err)
	}

	sort.Strings(keys)
	return keys, nil
}

// Exists checks if a key exists in storage.
func (f *FileStorage) Exists(key string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return false, storage.ErrClosed
	}
	p, err := f.keyToPath(key)
	if err != nil {
		return false, err
	}
	ok, err := afero.Exists(f.fs, p)
	if err != nil {
		return false, fmt.Errorf("file storage: failed to check key %q: %w", key, err)
	}
	return ok, nil
}

// Close marks the backend closed. Files stay on disk.
func (f *FileStorage) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *FileStorage) keyToPath(key string) (string, error) {
	if err := storage.ValidateKey(key); err != nil {
		return "", fmt.Errorf("%w: %q", err, key)
	}
	return filepath.Join(f.rootDir, filepath.FromSlash(path.Clean(key))), nil
}

func permissions(opts *storage.Options) fs.FileMode {
	if opts != nil && opts.Permissions != 0 {
		return opts.Permissions
	}
	return defaultPerms
}

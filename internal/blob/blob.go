// Package blob implements the attachment store: a flat directory keyed by
// unique filename, with no subdirectories. Metadata lives in the document
// store; this package only moves bytes.
package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store is a filesystem-backed attachment store.
type Store struct {
	root string
}

// New opens (creating if needed) the attachment directory.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) path(key string) (string, error) {
	// Keys are produced by hydrate.BlobKey, but defend the flat layout
	// against anything that smells like a path.
	if key == "" || strings.ContainsAny(key, "/\\") || strings.Contains(key, "..") {
		return "", fmt.Errorf("blob: invalid key %q", key)
	}
	return filepath.Join(s.root, key), nil
}

type blobWriter struct {
	f    *os.File
	dst  string
	done bool
}

func (w *blobWriter) Write(p []byte) (int, error) { return w.f.Write(p) }

// Close syncs and renames the temporary file into place. A partially
// written blob is never visible under its final key.
func (w *blobWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(w.f.Name())
		return err
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return err
	}
	return os.Rename(w.f.Name(), w.dst)
}

// Abort discards the temporary file.
func (w *blobWriter) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.f.Close()
	os.Remove(w.f.Name())
}

// Create opens a writer for a new blob. The blob appears under key only
// after Close returns nil.
func (s *Store) Create(key string) (io.WriteCloser, error) {
	dst, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(s.root, ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("blob: create temp: %w", err)
	}
	return &blobWriter{f: f, dst: dst}, nil
}

// Open returns a reader over a stored blob.
func (s *Store) Open(key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("blob: open %s: %w", key, err)
	}
	return f, nil
}

// Size reports the stored size of a blob.
func (s *Store) Size(key string) (int64, error) {
	p, err := s.path(key)
	if err != nil {
		return 0, err
	}
	st, err := os.Stat(p)
	if err != nil {
		return 0, fmt.Errorf("blob: stat %s: %w", key, err)
	}
	return st.Size(), nil
}

// Delete removes a blob. Missing blobs are not an error.
func (s *Store) Delete(key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: delete %s: %w", key, err)
	}
	return nil
}

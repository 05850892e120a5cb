/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

// Package artifacts implements the local content-addressed blob store that
// backs PhaseRun.Artifacts (spec §6: "artifacts that must survive are
// explicitly exported as content-addressed blobs referenced from
// PhaseRun"). Hashing is sha256-keyed, grounded in the teacher's
// result_cache.go cache-key digest; the PVC/ephemeral-pod extraction the
// teacher used to pull files out of a Kubernetes volume has no home here
// since workspaces are local directories in this single-node orchestrator
// (spec §1's non-goal: "horizontal distribution across machines").
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/forgeman-ai/forgeman/internal/core"
)

// ErrNotFound indicates the referenced blob does not exist in the store.
var ErrNotFound = errors.New("artifacts: blob not found")

// Store is a local, content-addressed blob store rooted at a directory.
// Blobs are named by the hex sha256 digest of their contents and sharded
// two levels deep (git's object-store layout) to keep any one directory
// from accumulating too many entries.
type Store struct {
	root string
}

// Open returns a Store rooted at dir, creating it if necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: mkdir root: %w", err)
	}
	return &Store{root: dir}, nil
}

func (s *Store) pathFor(digest string) string {
	return filepath.Join(s.root, digest[:2], digest[2:4], digest)
}

// Put writes r's contents to the store and returns a BlobRef keyed by its
// sha256 digest. name is carried through unchanged for display purposes
// (e.g. the PhaseRun.Artifacts map key or a file's original basename); it
// is not part of the content address.
func (s *Store) Put(ctx context.Context, name string, r io.Reader) (core.BlobRef, error) {
	tmp, err := os.CreateTemp(s.root, "put-*")
	if err != nil {
		return core.BlobRef{}, fmt.Errorf("artifacts: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hasher := sha256.New()
	if _, err := io.Copy(tmp, io.TeeReader(r, hasher)); err != nil {
		tmp.Close()
		return core.BlobRef{}, fmt.Errorf("artifacts: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return core.BlobRef{}, fmt.Errorf("artifacts: close temp: %w", err)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	dest := s.pathFor(digest)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return core.BlobRef{}, fmt.Errorf("artifacts: mkdir shard: %w", err)
	}
	if _, err := os.Stat(dest); err == nil {
		// Already present; content-addressed so this write is redundant.
		return core.BlobRef{Name: name, Digest: digest}, nil
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return core.BlobRef{}, fmt.Errorf("artifacts: commit blob: %w", err)
	}
	return core.BlobRef{Name: name, Digest: digest}, nil
}

// PutFile reads path from disk and stores it under its basename.
func (s *Store) PutFile(ctx context.Context, path string) (core.BlobRef, error) {
	f, err := os.Open(path)
	if err != nil {
		return core.BlobRef{}, fmt.Errorf("artifacts: open %s: %w", path, err)
	}
	defer f.Close()
	return s.Put(ctx, filepath.Base(path), f)
}

// Open returns a reader for the blob referenced by ref. Callers must
// Close it.
func (s *Store) Get(ctx context.Context, ref core.BlobRef) (io.ReadCloser, error) {
	f, err := os.Open(s.pathFor(ref.Digest))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("artifacts: open blob %s: %w", ref.Digest, err)
	}
	return f, nil
}

// Has reports whether ref's blob exists in the store.
func (s *Store) Has(ref core.BlobRef) bool {
	_, err := os.Stat(s.pathFor(ref.Digest))
	return err == nil
}

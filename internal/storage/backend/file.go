package backend

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/blake2b"

	"github.com/LettoKarvat/RCAFORM/internal/storage/entity"
)

// File stores the collection in a local file. Its version is the blake2b-256
// hash of the file content.
//
// Commits are atomic within a process (mutex, temp file and rename). Creating
// the file links the temp file into place, which fails if another process
// created it first. Two processes overwriting the same file can still
// interleave between the hash check and the rename; point them at another
// backend if that matters.
type File struct {
	path  string
	codec Codec

	mu sync.Mutex
}

// NewFile returns a file backend. The parent directory is created if needed.
func NewFile(path string, codec Codec) (*File, error) {
	if codec == nil {
		codec = JSONCodec{}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec // G301: data directory
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	return &File{path: path, codec: codec}, nil
}

// Name implements Backend.
func (f *File) Name() string {
	return "file"
}

// Path returns the file path.
func (f *File) Path() string {
	return f.path
}

// Fetch implements Backend.
func (f *File) Fetch(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, Unavailable("fetch", err)
	}
	f.mu.Lock()
	b, err := os.ReadFile(f.path)
	f.mu.Unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, Unavailable("fetch", err)
	}
	items, err := f.codec.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.path, err)
	}
	return &Snapshot{Items: items, Version: contentVersion(b)}, nil
}

// Commit implements Backend.
func (f *File) Commit(ctx context.Context, items []entity.Record, expected Version) (Version, error) {
	if err := ctx.Err(); err != nil {
		return "", Unavailable("commit", err)
	}
	data, err := f.codec.Encode(items)
	if err != nil {
		return "", fmt.Errorf("failed to encode collection: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var current Version
	cur, err := os.ReadFile(f.path)
	exists := err == nil
	switch {
	case exists:
		current = contentVersion(cur)
	case !errors.Is(err, fs.ErrNotExist):
		return "", Unavailable("commit", err)
	}
	if err := checkPrecondition(expected, current, exists); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), "."+filepath.Base(f.path)+".*")
	if err != nil {
		return "", Unavailable("commit", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", Unavailable("commit", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", Unavailable("commit", err)
	}
	if err := tmp.Close(); err != nil {
		return "", Unavailable("commit", err)
	}
	if !exists {
		if err := os.Link(tmp.Name(), f.path); err != nil {
			if errors.Is(err, fs.ErrExist) {
				return "", &ConflictError{Expected: expected}
			}
			return "", Unavailable("commit", err)
		}
		return contentVersion(data), nil
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return "", Unavailable("commit", err)
	}
	return contentVersion(data), nil
}

// Watch calls onChange whenever the file changes, until ctx is canceled. This
// includes changes made by Commit. The parent directory is watched so that
// editors replacing the file are also noticed.
func (f *File) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(f.path)); err != nil {
		_ = w.Close()
		return err
	}
	name := filepath.Clean(f.path)
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != name {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					onChange()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "Error watching collection file", "path", f.path, "err", err)
			}
		}
	}()
	return nil
}

// contentVersion hashes a document.
func contentVersion(b []byte) Version {
	sum := blake2b.Sum256(b)
	return Version(hex.EncodeToString(sum[:16]))
}

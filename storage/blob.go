// Package storage implements the content-addressable blob store backing
// message attachments. Bytes live on the filesystem under their sha256;
// message rows reference them by content id.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

type BlobStore struct {
	root string
}

func NewBlobStore(root string) (*BlobStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &BlobStore{root: root}, nil
}

// Put streams the blob to a temp file while hashing, then renames it into
// place. Returns the content id and byte size. Storing the same bytes twice
// is a no-op that returns the same id.
func (s *BlobStore) Put(r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "blob-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to write blob: %w", err)
	}

	id := hex.EncodeToString(h.Sum(nil))
	dst := s.path(id)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", 0, fmt.Errorf("failed to store blob %s: %w", id, err)
	}
	return id, size, nil
}

// Open returns a reader over the stored blob
func (s *BlobStore) Open(id string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		return nil, fmt.Errorf("blob %s: %w", id, err)
	}
	return f, nil
}

// Remove deletes the blob bytes. The core never calls this on the accept
// path; it exists for the excluded retention layer.
func (s *BlobStore) Remove(id string) error {
	return os.Remove(s.path(id))
}

// path shards blobs by the first two hex chars to keep directories small
func (s *BlobStore) path(id string) string {
	if len(id) < 2 {
		return filepath.Join(s.root, "xx", id)
	}
	return filepath.Join(s.root, id[:2], id)
}

package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore is a Store implementation that keeps object payloads on the
// local filesystem, with each key mapped onto a relative path under root.
// It is used by tests and for running the backend without an object store.
// Content types are not persisted; they only matter to the remote backend.
type LocalStore struct {
	root string
}

// NewLocalStore creates a LocalStore rooted at root.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

func (s *LocalStore) objectPath(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid object key: %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	objPath, err := s.objectPath(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(objPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	return data, nil
}

func (s *LocalStore) Put(_ context.Context, key string, data []byte, _ string) error {
	objPath, err := s.objectPath(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(objPath, data, 0o644)
}

func (s *LocalStore) Delete(_ context.Context, key string) error {
	objPath, err := s.objectPath(key)
	if err != nil {
		return err
	}

	// Deleting a missing key succeeds, matching S3 semantics.
	if err := os.Remove(objPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *LocalStore) Head(_ context.Context, key string) (bool, error) {
	objPath, err := s.objectPath(key)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(objPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func (s *LocalStore) Copy(ctx context.Context, srcKey string, dstKey string, contentType string) error {
	data, err := s.Get(ctx, srcKey)
	if err != nil {
		return err
	}
	return s.Put(ctx, dstKey, data, contentType)
}

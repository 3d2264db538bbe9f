// Package index persists the per-user file index as a single JSON document
// in the blob store. Every mutation is a full read-modify-write of that
// document; serialising writers is the caller's job.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"keepsake/internal/blob"
)

// Key is the storage key of the global file index document.
const Key = "files/user_files_index.json"

// FileRecord describes one uploaded file. JSON field names are the on-disk
// index format and must not change.
type FileRecord struct {
	// Name is the user-supplied display name.
	Name string `json:"name"`
	// UniqueName is the generated collision-avoiding name used as the
	// storage object's leaf name.
	UniqueName string `json:"uniqueName"`
	// StorageKey is the full blob store key, files/{username}/{uniqueName}.
	StorageKey string `json:"s3Key"`
	// URL is the public download URL.
	URL string `json:"url"`
	// Size is a human-readable size string, e.g. "1.5 KB".
	Size string `json:"size"`
	// UploadDate is the upload day, YYYY-MM-DD.
	UploadDate string `json:"uploadDate"`
	// UploadTime is the upload instant in RFC 3339 UTC.
	UploadTime string `json:"uploadTime"`
	// ContentType is derived from the filename extension at upload time.
	ContentType string `json:"type"`

	// LastModified and LastModifiedTime are set on rename only.
	LastModified     string `json:"lastModified,omitempty"`
	LastModifiedTime string `json:"lastModifiedTime,omitempty"`
}

// FileIndex maps a username to that user's records in upload order.
type FileIndex map[string][]FileRecord

// Codec loads and saves the file index document.
type Codec struct {
	store blob.Store
	key   string
}

// NewCodec returns a Codec persisting the index at the default Key.
func NewCodec(store blob.Store) *Codec {
	return &Codec{store: store, key: Key}
}

// Load reads the index document, returning an empty index when the document
// does not exist yet. Any other storage error propagates.
func (c *Codec) Load(ctx context.Context) (FileIndex, error) {
	idx, err := c.LoadStrict(ctx)
	if errors.Is(err, blob.ErrNotFound) {
		return FileIndex{}, nil
	}
	return idx, err
}

// LoadStrict reads the index document, returning blob.ErrNotFound when the
// document is absent. Callers that must distinguish a missing index from an
// empty one (the rename pipeline) use this instead of Load.
func (c *Codec) LoadStrict(ctx context.Context) (FileIndex, error) {
	data, err := c.store.Get(ctx, c.key)
	if err != nil {
		return nil, err
	}

	var idx FileIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("decode file index: %w", err)
	}
	if idx == nil {
		idx = FileIndex{}
	}
	return idx, nil
}

// Save serialises the index and overwrites the document unconditionally.
func (c *Codec) Save(ctx context.Context, idx FileIndex) error {
	data, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("encode file index: %w", err)
	}
	return c.store.Put(ctx, c.key, data, "application/json")
}

// Package files implements the upload, list, delete, and rename pipelines
// on top of the blob store and the JSON file index.
package files

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"keepsake/internal/blob"
	"keepsake/internal/index"
)

var (
	// ErrIndexMissing reports that the file index document does not exist.
	ErrIndexMissing = errors.New("file index does not exist")

	// ErrNoFiles reports that the user has no files in the index.
	ErrNoFiles = errors.New("user has no files")

	// ErrFileNotFound reports that no record matched the given name.
	ErrFileNotFound = errors.New("file not found")

	// ErrNameConflict reports that another record already uses the new name.
	ErrNameConflict = errors.New("file name already exists")

	// ErrSameName reports a rename where the new name equals the old one.
	ErrSameName = errors.New("new name is the same as the old name")
)

// Service runs the file pipelines. Index mutations are read-modify-write
// against a single shared document, so they serialise behind mu; without it,
// concurrent writers silently lose updates (last write wins).
type Service struct {
	store   blob.Store
	codec   *index.Codec
	baseURL string

	mu  sync.Mutex
	now func() time.Time
}

// NewService returns a Service storing blobs and the index in store, and
// building public URLs as baseURL + "/" + storage key.
func NewService(store blob.Store, baseURL string) *Service {
	return &Service{
		store:   store,
		codec:   index.NewCodec(store),
		baseURL: baseURL,
		now:     time.Now,
	}
}

func (s *Service) publicURL(key string) string {
	return s.baseURL + "/" + key
}

// jsonUpload is the JSON ingestion payload: base64 file bytes under "key",
// plus the owner and an optional display name.
type jsonUpload struct {
	Key      string `json:"key"`
	Username string `json:"username"`
	Filename string `json:"filename"`
}

// UploadJSON decodes a JSON upload body and runs the upload pipeline.
// A missing filename defaults to a timestamp-based generated image name.
func (s *Service) UploadJSON(ctx context.Context, body []byte) (index.FileRecord, error) {
	var req jsonUpload
	if err := json.Unmarshal(body, &req); err != nil {
		return index.FileRecord{}, fmt.Errorf("%w: invalid JSON body", ErrBadRequest)
	}

	if req.Key == "" || req.Username == "" {
		return index.FileRecord{}, fmt.Errorf(`%w: missing "key" or "username" field in request body`, ErrBadRequest)
	}

	// MIME-wrapping clients embed line breaks in the payload; drop all
	// whitespace before the strict decode.
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, req.Key)

	data, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return index.FileRecord{}, fmt.Errorf("%w: invalid base64 payload", ErrBadRequest)
	}

	filename := req.Filename
	if filename == "" {
		filename = fmt.Sprintf("upload_%s.jpg", s.now().UTC().Format(timestampFormat))
	}

	return s.Upload(ctx, req.Username, filename, data)
}

// UploadMultipart decodes a multipart body and runs the upload pipeline.
func (s *Service) UploadMultipart(ctx context.Context, body []byte, contentType string) (index.FileRecord, error) {
	form, err := parseMultipart(body, contentType)
	if err != nil {
		return index.FileRecord{}, err
	}
	return s.Upload(ctx, form.Username, form.Filename, form.Data)
}

// Upload writes the file blob under a generated unique name and appends a
// record to the owner's index sequence.
//
// The blob write and the index write are not atomic: if saving the index
// fails after the blob landed, the blob is orphaned and no cleanup is
// attempted. That limitation is inherited from the single-bucket design.
func (s *Service) Upload(ctx context.Context, username string, filename string, data []byte) (index.FileRecord, error) {
	if username == "" {
		return index.FileRecord{}, fmt.Errorf("%w: missing username", ErrBadRequest)
	}

	now := s.now().UTC()

	safe := sanitizeFilename(filename)
	base, ext := splitExt(safe)
	unique := uniqueName(base, ext, now)
	key := storageKey(username, unique)
	contentType := contentTypeFor(safe)

	if err := s.store.Put(ctx, key, data, contentType); err != nil {
		return index.FileRecord{}, fmt.Errorf("store file blob: %w", err)
	}

	record := index.FileRecord{
		Name:        filename,
		UniqueName:  unique,
		StorageKey:  key,
		URL:         s.publicURL(key),
		Size:        FormatSize(int64(len(data))),
		UploadDate:  now.Format("2006-01-02"),
		UploadTime:  now.Format(time.RFC3339),
		ContentType: contentType,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.codec.Load(ctx)
	if err != nil {
		return index.FileRecord{}, fmt.Errorf("load file index: %w", err)
	}

	idx[username] = append(idx[username], record)

	if err := s.codec.Save(ctx, idx); err != nil {
		// The blob at key is now orphaned; no cleanup is attempted.
		slog.Error("Index save failed after blob write", "user", username, "key", key, "err", err)
		return index.FileRecord{}, fmt.Errorf("save file index: %w", err)
	}

	slog.Info("Uploaded file", "user", username, "name", filename, "key", key, "size", record.Size)
	return record, nil
}

// List returns the user's records in upload order. An absent user or an
// absent index yields an empty slice, not an error.
func (s *Service) List(ctx context.Context, username string) ([]index.FileRecord, error) {
	idx, err := s.codec.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load file index: %w", err)
	}

	records := idx[username]
	if records == nil {
		records = []index.FileRecord{}
	}
	return records, nil
}

// findRecord locates the first record whose display name or unique name
// equals name. Both fields are matched; the first hit in sequence order wins.
func findRecord(records []index.FileRecord, name string) (int, bool) {
	for i, r := range records {
		if r.Name == name || r.UniqueName == name {
			return i, true
		}
	}
	return -1, false
}

// Delete removes the named file's blob and its index record. A failing blob
// delete is logged and does not block index cleanup, so a blob that already
// vanished does not wedge the record forever.
func (s *Service) Delete(ctx context.Context, username string, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.codec.LoadStrict(ctx)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return ErrFileNotFound
		}
		return fmt.Errorf("load file index: %w", err)
	}

	records := idx[username]
	i, ok := findRecord(records, filename)
	if !ok {
		return ErrFileNotFound
	}

	target := records[i]
	if err := s.store.Delete(ctx, target.StorageKey); err != nil {
		slog.Error("Delete file blob", "user", username, "key", target.StorageKey, "err", err)
	}

	idx[username] = append(records[:i], records[i+1:]...)

	if err := s.codec.Save(ctx, idx); err != nil {
		return fmt.Errorf("save file index: %w", err)
	}

	slog.Info("Deleted file", "user", username, "name", filename, "key", target.StorageKey)
	return nil
}

// RenameResult reports the outcome of a successful rename.
type RenameResult struct {
	OldName string
	NewName string
	NewURL  string
}

// Rename gives a file a new display name and moves its blob to a new storage
// key via copy-then-delete.
//
// All validation runs before any mutation. The storage sequence is ordered
// copy, verify, delete-old, update record, save index. If the index save
// fails the pipeline compensates by copying the payload back to the old key
// and deleting the new one; compensation failures are logged and swallowed,
// and the caller sees the same save error either way, so the blob location
// may end up matching neither the old nor the new index state.
func (s *Service) Rename(ctx context.Context, username string, oldName string, newName string) (RenameResult, error) {
	if err := validateNewName(newName); err != nil {
		return RenameResult{}, err
	}
	if oldName == newName {
		return RenameResult{}, ErrSameName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.codec.LoadStrict(ctx)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return RenameResult{}, ErrIndexMissing
		}
		return RenameResult{}, fmt.Errorf("load file index: %w", err)
	}

	records := idx[username]
	if len(records) == 0 {
		return RenameResult{}, ErrNoFiles
	}

	i, ok := findRecord(records, oldName)
	if !ok {
		return RenameResult{}, fmt.Errorf("%w: %s", ErrFileNotFound, oldName)
	}
	target := records[i]

	for j, r := range records {
		if j != i && r.Name == newName {
			return RenameResult{}, fmt.Errorf("%w: %s", ErrNameConflict, newName)
		}
	}

	// Keep the original extension when the new name has none.
	_, oldExt := splitExt(target.Name)
	_, newExt := splitExt(newName)
	if newExt == "" {
		newExt = oldExt
	}

	// The whole sanitized new name, extension included, forms the base of
	// the unique name; the extension is then appended again.
	now := s.now().UTC()
	newUnique := uniqueName(sanitizeRenameName(newName), newExt, now)
	newKey := storageKey(username, newUnique)
	oldKey := target.StorageKey

	if err := s.store.Copy(ctx, oldKey, newKey, target.ContentType); err != nil {
		return RenameResult{}, fmt.Errorf("copy blob to new key: %w", err)
	}

	exists, err := s.store.Head(ctx, newKey)
	if err != nil {
		return RenameResult{}, fmt.Errorf("verify new blob: %w", err)
	}
	if !exists {
		return RenameResult{}, errors.New("new blob missing after copy")
	}

	if err := s.store.Delete(ctx, oldKey); err != nil {
		return RenameResult{}, fmt.Errorf("delete old blob: %w", err)
	}

	records[i].Name = newName
	records[i].UniqueName = newUnique
	records[i].StorageKey = newKey
	records[i].URL = s.publicURL(newKey)
	records[i].LastModified = now.Format("2006-01-02")
	records[i].LastModifiedTime = now.Format(time.RFC3339)
	idx[username] = records

	if err := s.codec.Save(ctx, idx); err != nil {
		s.compensateRename(ctx, username, oldKey, newKey, target.ContentType)
		return RenameResult{}, fmt.Errorf("save file index: %w", err)
	}

	slog.Info("Renamed file", "user", username, "old", oldName, "new", newName, "key", newKey)
	return RenameResult{
		OldName: oldName,
		NewName: newName,
		NewURL:  s.publicURL(newKey),
	}, nil
}

// compensateRename tries to undo a rename's blob move after the index save
// failed: copy the payload back to the old key, then remove the new one.
// Failures here leave storage inconsistent with the index; they are logged
// for operators and otherwise swallowed.
func (s *Service) compensateRename(ctx context.Context, username string, oldKey string, newKey string, contentType string) {
	if err := s.store.Copy(ctx, newKey, oldKey, contentType); err != nil {
		slog.Error("Rename compensation left storage inconsistent", "user", username, "old_key", oldKey, "new_key", newKey, "err", err)
		return
	}
	if err := s.store.Delete(ctx, newKey); err != nil {
		slog.Error("Rename compensation could not remove new blob", "user", username, "new_key", newKey, "err", err)
	}
}

package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/bitrise-io/go-dataset-uploader/upload/uploaderr"
	"github.com/bitrise-io/go-utils/v2/fileutil"
)

// FileSuffix is appended to the source path to derive the default state file path.
const FileSuffix = ".mdc-upload.json"

// Store is the durable home of an UploadState.
type Store interface {
	// Load returns the persisted state, ErrNotFound if there is none, or ErrCorruptState.
	Load() (*UploadState, error)
	// Save atomically replaces the persisted state.
	Save(*UploadState) error
	// Remove deletes the persisted state. Removing a missing state is not an error.
	Remove() error
	// Path identifies the persisted state for logging.
	Path() string
}

// DefaultPath returns the state file path used for sourcePath when the caller provides none.
func DefaultPath(sourcePath string) string {
	return filepath.Join(filepath.Dir(sourcePath), filepath.Base(sourcePath)+FileSuffix)
}

// FileStore keeps the state as a JSON document on the local disk. It is the single writer
// of its file: concurrent Save calls are serialized.
type FileStore struct {
	path        string
	fileManager fileutil.FileManager
	mu          sync.Mutex
}

// NewFileStore ...
func NewFileStore(path string, fileManager fileutil.FileManager) *FileStore {
	if fileManager == nil {
		fileManager = fileutil.NewFileManager()
	}
	return &FileStore{
		path:        path,
		fileManager: fileManager,
	}
}

// Path ...
func (s *FileStore) Path() string {
	return s.path
}

// Load ...
func (s *FileStore) Load() (*UploadState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", uploaderr.ErrNotFound, s.path)
		}
		return nil, fmt.Errorf("read upload state %s: %w", s.path, err)
	}

	return Decode(data)
}

// Decode parses and validates a persisted state document.
func Decode(data []byte) (*UploadState, error) {
	var st UploadState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %s", uploaderr.ErrCorruptState, err)
	}
	if err := st.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", uploaderr.ErrCorruptState, err)
	}
	if st.Parts == nil {
		st.Parts = map[int]PartRecord{}
	}
	return &st, nil
}

// Save writes the state next to its final location and renames it into place, so a crash
// mid-write leaves the previous document intact.
func (s *FileStore) Save(st *UploadState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode upload state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temporary state file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = s.fileManager.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temporary state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temporary state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temporary state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("move state file into place: %w", err)
	}
	committed = true

	syncDir(dir)

	return nil
}

// Remove ...
func (s *FileStore) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fileManager.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove upload state %s: %w", s.path, err)
	}
	return nil
}

// syncDir flushes the rename to disk where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

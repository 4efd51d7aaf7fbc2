package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/raphaelgruber/dishcapture/internal/models"
	"gopkg.in/yaml.v3"
)

// SchemaVersion is the current ledger file format.
const SchemaVersion = 1

const fileType = "pending_uploads"

// fileState is the on-disk document.
type fileState struct {
	SchemaVersion int                          `yaml:"schema_version"`
	FileType      string                       `yaml:"file_type"`
	UpdatedAt     time.Time                    `yaml:"updated_at"`
	Entries       []models.PendingUploadRecord `yaml:"entries"`
}

// FileStore keeps the ledger in a YAML file, rewritten atomically on every
// change.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store at path. The file is created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the ledger file location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) List(ctx context.Context) ([]models.PendingUploadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileStore) Append(ctx context.Context, rec models.PendingUploadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load()
	if err != nil {
		return err
	}
	return s.save(append(recs, rec))
}

func (s *FileStore) Remove(ctx context.Context, dishID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load()
	if err != nil {
		return err
	}
	kept := slices.DeleteFunc(recs, func(r models.PendingUploadRecord) bool { return r.DishID == dishID })
	return s.save(kept)
}

// load reads the file. A missing file is an empty ledger; a bare YAML list is
// read as the unversioned legacy format.
func (s *FileStore) load() ([]models.PendingUploadRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse ledger: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, nil
	}

	if root.Content[0].Kind == yaml.SequenceNode {
		var legacy []models.PendingUploadRecord
		if err := root.Content[0].Decode(&legacy); err != nil {
			return nil, fmt.Errorf("parse legacy ledger: %w", err)
		}
		return legacy, nil
	}

	var state fileState
	if err := root.Content[0].Decode(&state); err != nil {
		return nil, fmt.Errorf("parse ledger: %w", err)
	}
	if state.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("ledger schema_version %d is newer than supported %d", state.SchemaVersion, SchemaVersion)
	}
	return state.Entries, nil
}

// save writes recs to a temp file and renames it over the ledger.
func (s *FileStore) save(recs []models.PendingUploadRecord) error {
	if recs == nil {
		recs = []models.PendingUploadRecord{}
	}
	data, err := yaml.Marshal(fileState{
		SchemaVersion: SchemaVersion,
		FileType:      fileType,
		UpdatedAt:     time.Now().UTC(),
		Entries:       recs,
	})
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ledger-*.yaml")
	if err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sync ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}

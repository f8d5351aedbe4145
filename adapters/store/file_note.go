package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/layer-3/didconnect/core"
	"github.com/layer-3/didconnect/ports"
)

type noteFile struct {
	UserDID core.DID `yaml:"userDID"`
}

// FileNoteStore keeps the DID note in a small YAML file so it survives restarts.
type FileNoteStore struct {
	path string
	mu   sync.Mutex
}

func NewFileNoteStore(path string) *FileNoteStore {
	return &FileNoteStore{path: path}
}

var _ ports.NoteStore = (*FileNoteStore)(nil)

func (s *FileNoteStore) Get(ctx context.Context) (core.DID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", core.ErrNoteNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read did note: %w", err)
	}

	var note noteFile
	if err := yaml.Unmarshal(raw, &note); err != nil {
		return "", fmt.Errorf("failed to parse did note: %w", err)
	}
	if note.UserDID == "" {
		return "", core.ErrNoteNotFound
	}
	return note.UserDID, nil
}

func (s *FileNoteStore) Set(ctx context.Context, did core.DID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := yaml.Marshal(noteFile{UserDID: did})
	if err != nil {
		return fmt.Errorf("failed to encode did note: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create note dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write did note: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *FileNoteStore) Delete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete did note: %w", err)
	}
	return nil
}

package artifact

import (
	"context"
	"errors"
	"extrato-queue/internal/models"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps artifacts in a local directory
type FileStore struct {
	BaseDir string
}

// NewFileStore creates a new file store rooted at baseDir
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{BaseDir: baseDir}
}

// Save writes r to BaseDir/name through a temporary file so readers never see a partial PDF
func (s *FileStore) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	if err := os.MkdirAll(s.BaseDir, 0o775); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(s.BaseDir, ".upload-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write artifact %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	path := s.Location(name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}

// Location returns the path of name under BaseDir
func (s *FileStore) Location(name string) string {
	return filepath.Join(s.BaseDir, name)
}

// Move renames the file at from to BaseDir/name
func (s *FileStore) Move(ctx context.Context, from, name string) (string, error) {
	path := s.Location(name)
	if err := os.Rename(from, path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("artifact %s missing: %w", from, models.ErrNotFound)
		}
		return "", err
	}
	return path, nil
}

// Open opens the artifact at location
func (s *FileStore) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	f, err := os.Open(location)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("artifact %s missing: %w", location, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Remove deletes the artifact at location, ignoring missing files
func (s *FileStore) Remove(ctx context.Context, location string) error {
	err := os.Remove(location)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

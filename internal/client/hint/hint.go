// Package hint persists the code of the room the user last joined so a
// restarted client can offer to rejoin it.
package hint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

var ErrNoHint = errors.New("no room hint")

type Store struct {
	fs   afero.Fs
	path string
}

func NewStore(fs afero.Fs, path string) *Store {
	return &Store{fs: fs, path: path}
}

func (s *Store) Save(code string) error {
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create hint dir: %w", err)
	}

	if err := afero.WriteFile(s.fs, s.path, []byte(code), 0o600); err != nil {
		return fmt.Errorf("failed to write hint: %w", err)
	}

	return nil
}

func (s *Store) Load() (string, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoHint
	}
	if err != nil {
		return "", fmt.Errorf("failed to read hint: %w", err)
	}

	code := strings.TrimSpace(string(data))
	if code == "" {
		return "", ErrNoHint
	}

	return code, nil
}

// Clear removes the hint. Clearing a missing hint is not an error.
func (s *Store) Clear() error {
	err := s.fs.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear hint: %w", err)
	}

	return nil
}

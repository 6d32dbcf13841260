// internal/schema/store.go
package schema

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aceteam-ai/tally/assets"
)

// Store resolves schemas and prompts for pipeline stages. Files in Dir
// (schemas/<stage>.json, prompts/<stage>.txt) take precedence over the
// embedded defaults.
type Store struct {
	Dir string
}

// NewStore returns a store that reads overrides from dir. An empty dir uses
// only the embedded assets.
func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

// Schema returns the schema document for a stage.
func (s *Store) Schema(stage string) ([]byte, error) {
	if b, ok, err := s.readOverride("schemas", stage+".json"); err != nil || ok {
		return b, err
	}
	return assets.Schema(stage)
}

// Prompt returns the prompt text for a stage.
func (s *Store) Prompt(stage string) (string, error) {
	b, ok, err := s.readOverride("prompts", stage+".txt")
	if err != nil {
		return "", err
	}
	if ok {
		return strings.TrimSpace(string(b)), nil
	}
	return assets.Prompt(stage)
}

func (s *Store) readOverride(kind, name string) ([]byte, bool, error) {
	if s == nil || s.Dir == "" {
		return nil, false, nil
	}
	path := filepath.Join(s.Dir, kind, name)
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	return b, true, nil
}

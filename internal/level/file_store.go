package level

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps one YAML file per level in a directory.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir. The directory is created on
// the first Save.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Load reads <dir>/<id>.yaml.
//
// Postcondition: Returns ErrNotFound when the file does not exist.
func (s *FileStore) Load(ctx context.Context, id string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	doc, err := LoadFromFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("level %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if doc.ID != id {
		return nil, fmt.Errorf("level file %s declares id %q", path, doc.ID)
	}
	return doc, nil
}

// Save validates doc and atomically replaces <dir>/<id>.yaml.
func (s *FileStore) Save(ctx context.Context, doc *Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := doc.Validate(); err != nil {
		return err
	}
	path, err := s.path(doc.ID)
	if err != nil {
		return err
	}
	data, err := MarshalYAML(doc)
	if err != nil {
		return fmt.Errorf("encoding level %s: %w", doc.ID, err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating level directory: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+doc.ID+"-*.yaml")
	if err != nil {
		return fmt.Errorf("saving level %s: %w", doc.ID, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("saving level %s: %w", doc.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("saving level %s: %w", doc.ID, err)
	}
	return os.Rename(tmp.Name(), path)
}

// IDs lists the levels present in the directory.
func (s *FileStore) IDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading level directory %s: %w", s.dir, err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".yaml" {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".yaml"))
	}
	return out, nil
}

func (s *FileStore) path(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid level id %q", id)
	}
	return filepath.Join(s.dir, id+".yaml"), nil
}

package level

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// yamlLevelFile is the top-level YAML structure for level files.
type yamlLevelFile struct {
	Level Document `yaml:"level"`
}

// LoadFromFile reads and validates a single level YAML file.
//
// Precondition: path must point to a YAML level file.
// Postcondition: Returns a validated Document or a non-nil error.
func LoadFromFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading level file %s: %w", path, err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses and validates a level from YAML bytes.
func LoadFromBytes(data []byte) (*Document, error) {
	var file yamlLevelFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing level YAML: %w", err)
	}
	doc := file.Level
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("validating level: %w", err)
	}
	return &doc, nil
}

// MarshalYAML encodes doc in the level file layout.
func MarshalYAML(doc *Document) ([]byte, error) {
	return yaml.Marshal(yamlLevelFile{Level: *doc})
}

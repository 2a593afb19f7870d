// Package level stores level documents and the entity template catalog.
package level

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no level exists under the requested id.
var ErrNotFound = errors.New("level not found")

// Document describes the starting entity set of a room.
type Document struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// ScriptDir is relative to the scripting root; empty means no scripts.
	ScriptDir              string       `json:"scriptDir,omitempty" yaml:"script_dir,omitempty"`
	ScriptInstructionLimit int          `json:"scriptInstructionLimit,omitempty" yaml:"script_instruction_limit,omitempty"`
	Entities               []EntitySpec `json:"entities" yaml:"entities"`
}

// EntitySpec is one node of a level's scene tree. Template fields are
// applied first and the spec's own fields override them.
type EntitySpec struct {
	Name      string         `json:"name" yaml:"name"`
	Template  string         `json:"template,omitempty" yaml:"template,omitempty"`
	Networked bool           `json:"networked,omitempty" yaml:"networked,omitempty"`
	State     map[string]any `json:"state,omitempty" yaml:"state,omitempty"`
	Children  []EntitySpec   `json:"children,omitempty" yaml:"children,omitempty"`
}

// Validate checks that the document has an id and that every entity is
// named with a name unique within the level.
func (d *Document) Validate() error {
	if d.ID == "" {
		return errors.New("level id must not be empty")
	}
	if d.ScriptInstructionLimit < 0 {
		return fmt.Errorf("level %s: script_instruction_limit must be >= 0", d.ID)
	}
	seen := make(map[string]struct{})
	var check func(specs []EntitySpec) error
	check = func(specs []EntitySpec) error {
		for _, s := range specs {
			if s.Name == "" {
				return fmt.Errorf("level %s: entity without a name", d.ID)
			}
			if _, dup := seen[s.Name]; dup {
				return fmt.Errorf("level %s: duplicate entity name %q", d.ID, s.Name)
			}
			seen[s.Name] = struct{}{}
			if err := check(s.Children); err != nil {
				return err
			}
		}
		return nil
	}
	return check(d.Entities)
}

// Loader resolves a level id to its document.
type Loader interface {
	Load(ctx context.Context, id string) (*Document, error)
}

// Saver persists a level document, replacing any previous version.
type Saver interface {
	Save(ctx context.Context, doc *Document) error
}

// Store both loads and saves levels.
type Store interface {
	Loader
	Saver
}

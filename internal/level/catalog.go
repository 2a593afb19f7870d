package level

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Template is a reusable entity definition spawnable by name.
type Template struct {
	Name      string         `json:"name" yaml:"name"`
	Networked bool           `json:"networked" yaml:"networked"`
	State     map[string]any `json:"state,omitempty" yaml:"state,omitempty"`
	Children  []EntitySpec   `json:"children,omitempty" yaml:"children,omitempty"`
}

type yamlTemplateFile struct {
	Templates []Template `yaml:"templates"`
}

// Catalog is the static set of entity templates shared by every room.
type Catalog struct {
	templates map[string]*Template
}

// NewCatalog builds a catalog from templates.
//
// Postcondition: Returns an error on an unnamed or duplicate template.
func NewCatalog(templates ...Template) (*Catalog, error) {
	c := &Catalog{templates: make(map[string]*Template, len(templates))}
	for i := range templates {
		t := templates[i]
		if t.Name == "" {
			return nil, fmt.Errorf("template %d has no name", i)
		}
		if _, dup := c.templates[t.Name]; dup {
			return nil, fmt.Errorf("duplicate template %q", t.Name)
		}
		c.templates[t.Name] = &t
	}
	return c, nil
}

// LoadCatalog reads every YAML file in dir. A missing directory yields an
// empty catalog.
func LoadCatalog(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return NewCatalog()
	}
	if err != nil {
		return nil, fmt.Errorf("reading template directory %s: %w", dir, err)
	}
	var all []Template
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading template file %s: %w", name, err)
		}
		var file yamlTemplateFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parsing template file %s: %w", name, err)
		}
		all = append(all, file.Templates...)
	}
	return NewCatalog(all...)
}

// Get returns the template called name.
func (c *Catalog) Get(name string) (*Template, bool) {
	t, ok := c.templates[name]
	return t, ok
}

// Names returns the template names in lexical order.
func (c *Catalog) Names() []string {
	return slices.Sorted(maps.Keys(c.templates))
}

// ToData returns the catalog as sent to clients in the self message.
func (c *Catalog) ToData() map[string]Template {
	out := make(map[string]Template, len(c.templates))
	for name, t := range c.templates {
		out[name] = *t
	}
	return out
}

package klaviyo

import (
	"context"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/teranos/segpulse/errors"
)

// Definition is a segment to create. ConditionGroups is passed through to the
// segments API untouched.
type Definition struct {
	ID              string           `yaml:"id"`
	Name            string           `yaml:"name"`
	ConditionGroups []map[string]any `yaml:"condition_groups"`
	Starred         bool             `yaml:"starred"`
}

// Validate checks the fields the API requires
func (d Definition) Validate() error {
	if d.ID == "" {
		return errors.NewInvalidRequestError("segment definition has no id")
	}
	if d.Name == "" {
		return errors.NewInvalidRequestError("segment definition %s has no name", d.ID)
	}
	if len(d.ConditionGroups) == 0 {
		return errors.NewInvalidRequestError("segment definition %s has no condition groups", d.ID)
	}
	return nil
}

// DefinitionSource resolves a work item id to the segment it describes.
// Unknown ids return an error wrapping errors.ErrNotFound.
type DefinitionSource interface {
	Lookup(ctx context.Context, id string) (Definition, error)
}

// StaticDefinitions is a map-backed DefinitionSource
type StaticDefinitions map[string]Definition

// Lookup returns the definition registered under id
func (s StaticDefinitions) Lookup(ctx context.Context, id string) (Definition, error) {
	def, ok := s[id]
	if !ok {
		return Definition{}, errors.NewNotFoundError("segment definition %s", id)
	}
	if def.ID == "" {
		def.ID = id
	}
	return def, nil
}

// definitionsFile is the on-disk layout:
//
//	segments:
//	  - id: vip-customers
//	    name: VIP customers
//	    condition_groups:
//	      - conditions: [...]
type definitionsFile struct {
	Segments []Definition `yaml:"segments"`
}

// FileDefinitions serves definitions from a YAML file. Reload re-reads it.
type FileDefinitions struct {
	path string

	mu   sync.RWMutex
	defs map[string]Definition
}

// LoadFileDefinitions reads and validates the definitions file at path
func LoadFileDefinitions(path string) (*FileDefinitions, error) {
	f := &FileDefinitions{path: path}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload replaces the served definitions with the file's current contents.
// On error the previous definitions stay in place.
func (f *FileDefinitions) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return errors.Wrapf(err, "failed to read segment definitions %s", f.path)
	}

	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return errors.Wrapf(err, "failed to parse segment definitions %s", f.path)
	}

	defs := make(map[string]Definition, len(file.Segments))
	for i, def := range file.Segments {
		if err := def.Validate(); err != nil {
			return errors.Wrapf(err, "%s: segment #%d", f.path, i+1)
		}
		if _, dup := defs[def.ID]; dup {
			return errors.NewInvalidRequestError("%s: duplicate segment id %q", f.path, def.ID)
		}
		defs[def.ID] = def
	}

	f.mu.Lock()
	f.defs = defs
	f.mu.Unlock()
	return nil
}

// Lookup returns the definition with the given id
func (f *FileDefinitions) Lookup(ctx context.Context, id string) (Definition, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	def, ok := f.defs[id]
	if !ok {
		return Definition{}, errors.NewNotFoundError("segment definition %s", id)
	}
	return def, nil
}

// IDs lists every known definition id, sorted
func (f *FileDefinitions) IDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	ids := make([]string, 0, len(f.defs))
	for id := range f.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Path returns the file the definitions were loaded from
func (f *FileDefinitions) Path() string {
	return f.path
}

package graph

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/protocold/internal/protocol"
)

// MaxDefinitionSize caps definition files read from disk.
const MaxDefinitionSize = 1024 * 1024

//go:embed builtin/*.yaml
var builtinFS embed.FS

// ParseYAML decodes a YAML definition.
func ParseYAML(data []byte) (Definition, error) {
	var def Definition
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return def, fmt.Errorf("parsing yaml definition: %w", err)
	}
	if err := k.UnmarshalWithConf("", &def, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return def, fmt.Errorf("decoding yaml definition: %w", err)
	}
	return def, nil
}

// ParseTOML decodes a TOML definition.
func ParseTOML(data []byte) (Definition, error) {
	var def Definition
	if _, err := toml.Decode(string(data), &def); err != nil {
		return def, fmt.Errorf("parsing toml definition: %w", err)
	}
	return def, nil
}

// LoadFile reads a definition from path, choosing the parser by extension.
func LoadFile(path string) (Definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Definition{}, fmt.Errorf("stat definition %s: %w", path, err)
	}
	if info.Size() > MaxDefinitionSize {
		return Definition{}, fmt.Errorf("definition %s exceeds %d bytes", path, MaxDefinitionSize)
	}
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied definition path
	if err != nil {
		return Definition{}, fmt.Errorf("reading definition %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".toml":
		return ParseTOML(data)
	default:
		return Definition{}, fmt.Errorf("unsupported definition format %q", filepath.Ext(path))
	}
}

// MarshalYAML renders a definition as YAML.
func MarshalYAML(def Definition) ([]byte, error) {
	return yamlv3.Marshal(def)
}

// Catalog maps protocol kinds to graphs.
type Catalog struct {
	mu     sync.RWMutex
	graphs map[string]*Graph
}

// NewCatalog creates a catalog holding graphs.
func NewCatalog(graphs ...*Graph) (*Catalog, error) {
	c := &Catalog{graphs: make(map[string]*Graph, len(graphs))}
	for _, g := range graphs {
		if err := c.Add(g); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add registers g under its kind.
func (c *Catalog) Add(g *Graph) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.graphs[g.Kind()]; ok {
		return fmt.Errorf("%w: kind %q", ErrDuplicateName, g.Kind())
	}
	c.graphs[g.Kind()] = g
	return nil
}

// Get returns the graph for kind.
func (c *Catalog) Get(kind string) (*Graph, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.graphs[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", protocol.ErrUnknownKind, kind)
	}
	return g, nil
}

// Kinds returns the registered kinds, sorted.
func (c *Catalog) Kinds() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.graphs))
	for k := range c.graphs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate checks references between graphs: every PARALLEL branch_kind must
// name a graph in the catalog.
func (c *Catalog) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var errs []error
	for _, g := range c.graphs {
		for _, p := range g.Phases() {
			if p.Type != Parallel || p.BranchKind == "" {
				continue
			}
			if _, ok := c.graphs[p.BranchKind]; !ok {
				errs = append(errs, fmt.Errorf("%w: %s: phase %q branch_kind %q not in catalog",
					ErrInvalidGraph, g.Kind(), p.ID, p.BranchKind))
			}
		}
	}
	return errors.Join(errs...)
}

// BuiltinDefinitions returns the embedded reasoning, skill and agent
// definitions.
func BuiltinDefinitions() ([]Definition, error) {
	entries, err := builtinFS.ReadDir("builtin")
	if err != nil {
		return nil, fmt.Errorf("reading builtin definitions: %w", err)
	}
	defs := make([]Definition, 0, len(entries))
	for _, e := range entries {
		data, err := builtinFS.ReadFile("builtin/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading builtin %s: %w", e.Name(), err)
		}
		def, err := ParseYAML(data)
		if err != nil {
			return nil, fmt.Errorf("builtin %s: %w", e.Name(), err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// LoadCatalog builds the built-in graphs plus the definitions in extra
// files, resolving names through r.
func LoadCatalog(r *Registry, extra ...string) (*Catalog, error) {
	defs, err := BuiltinDefinitions()
	if err != nil {
		return nil, err
	}
	for _, path := range extra {
		def, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}

	b := NewBuilder(r)
	c := &Catalog{graphs: make(map[string]*Graph, len(defs))}
	for _, def := range defs {
		g, err := b.Build(def)
		if err != nil {
			return nil, err
		}
		if err := c.Add(g); err != nil {
			return nil, err
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

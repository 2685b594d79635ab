// Package repository reads model definitions from a model repository
// directory. Each model is a folder holding a config document (config.yaml,
// config.yml or config.json) and optional numeric version folders.
package repository

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var ErrModelNotFound = errors.New("model not found in repository")

var configNames = []string{"config.yaml", "config.yml", "config.json"}

type Definition struct {
	Name     string
	Path     string
	Versions []string
	Config   map[string]any
}

// DefaultConfig returns a copy of the repository configuration.
func (d Definition) DefaultConfig() map[string]any {
	return CloneConfig(d.Config)
}

// Source is where the server polls model definitions from.
type Source interface {
	List() ([]Definition, error)
	Lookup(name string) (Definition, error)
}

// Dir is a Source backed by a directory. It re-reads the disk on every call
// so that models added after startup can be loaded.
type Dir struct {
	Root   string
	Logger *zap.Logger
}

func NewDir(root string, logger *zap.Logger) *Dir {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dir{Root: root, Logger: logger.Named("repository")}
}

func (d *Dir) List() ([]Definition, error) {
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		return nil, fmt.Errorf("read model repository: %w", err)
	}

	var out []Definition
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		def, err := readModel(filepath.Join(d.Root, e.Name()))
		if err != nil {
			d.Logger.Warn("skipping model folder", zap.String("model", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *Dir) Lookup(name string) (Definition, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return Definition{}, ErrModelNotFound
	}
	dir := filepath.Join(d.Root, name)
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		return Definition{}, ErrModelNotFound
	}
	return readModel(dir)
}

func readModel(dir string) (Definition, error) {
	name := filepath.Base(dir)

	var raw []byte
	var err error
	for _, fn := range configNames {
		raw, err = os.ReadFile(filepath.Join(dir, fn))
		if err == nil {
			break
		}
	}
	if err != nil {
		return Definition{}, fmt.Errorf("no config document in %s", dir)
	}

	cfg, err := ParseConfig(raw)
	if err != nil {
		return Definition{}, fmt.Errorf("%s: %w", dir, err)
	}
	if n, ok := cfg["name"]; ok && n != name {
		return Definition{}, fmt.Errorf("config name %v does not match folder %q", n, name)
	}
	cfg["name"] = name

	return Definition{
		Name:     name,
		Path:     dir,
		Versions: scanVersions(dir),
		Config:   cfg,
	}, nil
}

// ParseConfig decodes a YAML (or JSON) config document into a map.
func ParseConfig(raw []byte) (map[string]any, error) {
	var cfg map[string]any
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	return cfg, nil
}

func scanVersions(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var nums []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if n, err := strconv.Atoi(e.Name()); err == nil && n >= 0 {
			nums = append(nums, n)
		}
	}
	sort.Ints(nums)
	out := make([]string, 0, len(nums))
	for _, n := range nums {
		out = append(out, strconv.Itoa(n))
	}
	return out
}

// Static is an in-memory Source.
type Static struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewStatic(defs ...Definition) *Static {
	s := &Static{defs: map[string]Definition{}}
	for _, d := range defs {
		s.Put(d)
	}
	return s
}

func (s *Static) Put(d Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d.Config = CloneConfig(d.Config)
	if d.Config == nil {
		d.Config = map[string]any{}
	}
	d.Config["name"] = d.Name
	s.defs[d.Name] = d
}

func (s *Static) List() ([]Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Definition, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Static) Lookup(name string) (Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.defs[name]
	if !ok {
		return Definition{}, ErrModelNotFound
	}
	return d, nil
}

// CloneConfig deep-copies nested maps and slices.
func CloneConfig(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return CloneConfig(x)
	case []any:
		cp := make([]any, len(x))
		for i := range x {
			cp[i] = cloneValue(x[i])
		}
		return cp
	default:
		return v
	}
}

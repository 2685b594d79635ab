package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcules/modelctl/internal/repository"
)

type ModelState string

const (
	ModelReady       ModelState = "ready"
	ModelUnavailable ModelState = "unavailable"
)

var (
	ErrUnknownModel = errors.New("unknown model")
	ErrNotLoaded    = errors.New("model not loaded")
)

// LoadError is a rejected load. The message always starts with "failed to load".
type LoadError struct {
	Model  string
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load '%s', %s", e.Model, e.Reason)
}

func (e *LoadError) Unwrap() error { return e.Err }

type ModelEntry struct {
	Name        string
	Version     string
	State       ModelState
	Reason      string
	Config      map[string]any
	Overrides   map[string]any
	LoadedSince time.Time
}

// Notifier observes state transitions. It is called with the repository lock
// held and must not call back into the Repository.
type Notifier interface {
	NotifyModelState(model string, st ModelState)
}

// Repository tracks which models are loaded and with what configuration.
// All operations take one lock, so load/unload/config reads on the same
// model are linearizable.
type Repository struct {
	mu        sync.RWMutex
	source    repository.Source
	models    map[string]*ModelEntry
	notifiers []Notifier
	logger    *zap.Logger
}

func NewRepository(source repository.Source, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		source: source,
		models: map[string]*ModelEntry{},
		logger: logger.Named("state"),
	}
}

func (r *Repository) AddNotifier(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifiers = append(r.notifiers, n)
}

// Load loads name from the repository. Without overrides the repository
// configuration is applied as is. With overrides they are laid over the
// currently loaded configuration (or the repository one if not loaded).
// A failed load leaves the previous state untouched. The accumulated
// overrides are returned.
func (r *Repository) Load(name string, overrides map[string]any) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, err := r.source.Lookup(name)
	if err != nil {
		r.logger.Debug("repository lookup failed", zap.String("model", name), zap.Error(err))
		return nil, &LoadError{Model: name, Reason: "failed to poll from model repository", Err: ErrUnknownModel}
	}

	cur := r.models[name]
	base := def.DefaultConfig()
	var acc map[string]any
	if overrides != nil && cur != nil && cur.State == ModelReady {
		base = repository.CloneConfig(cur.Config)
		acc = repository.CloneConfig(cur.Overrides)
	}
	if acc == nil {
		acc = map[string]any{}
	}

	merged, err := applyOverrides(name, base, overrides)
	if err != nil {
		return nil, &LoadError{Model: name, Reason: err.Error()}
	}
	for k := range overrides {
		acc[k] = merged[k]
	}
	if len(acc) == 0 {
		acc = nil
	}

	version := ""
	if n := len(def.Versions); n > 0 {
		version = def.Versions[n-1]
	}

	r.models[name] = &ModelEntry{
		Name:        name,
		Version:     version,
		State:       ModelReady,
		Config:      merged,
		Overrides:   acc,
		LoadedSince: time.Now(),
	}
	r.notifyLocked(name, ModelReady)
	r.logger.Info("model loaded", zap.String("model", name), zap.String("version", version), zap.Int("overrides", len(acc)))
	return repository.CloneConfig(acc), nil
}

// Unload marks name unavailable and drops its configuration. It reports
// whether anything changed; unloading an unloaded or unknown model is a no-op.
func (r *Repository) Unload(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.models[name]
	if cur == nil || cur.State != ModelReady {
		return false
	}
	r.models[name] = &ModelEntry{
		Name:    name,
		Version: cur.Version,
		State:   ModelUnavailable,
		Reason:  "unloaded",
	}
	r.notifyLocked(name, ModelUnavailable)
	r.logger.Info("model unloaded", zap.String("model", name))
	return true
}

func (r *Repository) IsReady(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := r.models[name]
	return m != nil && m.State == ModelReady
}

// Config returns a copy of the loaded configuration of name.
func (r *Repository) Config(name string) (map[string]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, err := r.readyLocked(name)
	if err != nil {
		return nil, err
	}
	return repository.CloneConfig(m.Config), nil
}

// Get returns a copy of the entry for name.
func (r *Repository) Get(name string) (ModelEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := r.models[name]
	if m == nil {
		return ModelEntry{}, false
	}
	return cloneEntry(m), true
}

// Index lists repository models merged with tracked state, sorted by name.
func (r *Repository) Index(readyOnly bool) ([]ModelEntry, error) {
	defs, err := r.source.List()
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(defs))
	out := make([]ModelEntry, 0, len(defs))
	for _, d := range defs {
		seen[d.Name] = struct{}{}
		if m := r.models[d.Name]; m != nil {
			out = append(out, cloneEntry(m))
			continue
		}
		out = append(out, ModelEntry{Name: d.Name})
	}
	// Loaded models that disappeared from disk stay visible until unloaded.
	for name, m := range r.models {
		if _, ok := seen[name]; !ok && m.State == ModelReady {
			out = append(out, cloneEntry(m))
		}
	}

	if readyOnly {
		filtered := out[:0]
		for _, m := range out {
			if m.State == ModelReady {
				filtered = append(filtered, m)
			}
		}
		out = filtered
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ReadyCount returns how many models are currently ready.
func (r *Repository) ReadyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, m := range r.models {
		if m.State == ModelReady {
			n++
		}
	}
	return n
}

func (r *Repository) readyLocked(name string) (*ModelEntry, error) {
	m := r.models[name]
	if m != nil && m.State == ModelReady {
		return m, nil
	}
	if m == nil {
		if _, err := r.source.Lookup(name); err != nil {
			return nil, ErrUnknownModel
		}
	}
	return nil, ErrNotLoaded
}

func (r *Repository) notifyLocked(name string, st ModelState) {
	for _, n := range r.notifiers {
		n.NotifyModelState(name, st)
	}
}

func applyOverrides(name string, base, overrides map[string]any) (map[string]any, error) {
	out := repository.CloneConfig(base)
	for k, v := range overrides {
		if k == "name" && fmt.Sprint(v) != name {
			return nil, fmt.Errorf("failed to parse config override: name %q does not match model", fmt.Sprint(v))
		}
		cv, err := coerce(base[k], v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config override: key %q: %v", k, err)
		}
		out[k] = cv
	}
	return out, nil
}

// coerce converts v to the kind of the repository value it replaces. Numeric
// settings accept numeric strings ("16" becomes 16).
func coerce(prev, v any) (any, error) {
	if n, ok := v.(json.Number); ok {
		return numberValue(string(n))
	}
	if !isNumber(prev) {
		return v, nil
	}
	switch x := v.(type) {
	case string:
		return numberValue(x)
	case bool:
		return nil, errors.New("expected a number, got a boolean")
	default:
		return v, nil
	}
}

func numberValue(s string) (any, error) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("expected a number, got %q", s)
	}
	return f, nil
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int32, int64, uint, uint32, uint64, float32, float64, json.Number:
		return true
	}
	return false
}

func cloneEntry(m *ModelEntry) ModelEntry {
	cp := *m
	cp.Config = repository.CloneConfig(m.Config)
	cp.Overrides = repository.CloneConfig(m.Overrides)
	return cp
}

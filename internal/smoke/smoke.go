package smoke

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mcules/modelctl/internal/triton"
)

const (
	DefaultModel          = "simple"
	DefaultExpectedModels = 7
	DefaultWrongModel     = "wrong_model_name"

	// A request body fragment with doubly nested braces, not a JSON object.
	DefaultMalformedOverride = `"parameters": {"config": {{"max_batch_size": "16"}}}`
	DefaultOverride          = `{"max_batch_size":"16"}`
	DefaultOverrideKey       = "max_batch_size"
	DefaultOverrideValue     = 16
)

const loadFailureMarker = "failed to load"

// Client is the part of the control-plane client the scenario drives.
type Client interface {
	RepositoryIndex(ctx context.Context, readyOnly bool) ([]triton.IndexEntry, error)
	LoadModel(ctx context.Context, name string, opts ...triton.LoadOption) error
	UnloadModel(ctx context.Context, name string, opts ...triton.UnloadOption) error
	IsModelReady(ctx context.Context, name string) (bool, error)
	ModelConfig(ctx context.Context, name string) (triton.Config, error)
}

type Config struct {
	Model             string
	ExpectedModels    int
	WrongModel        string
	MalformedOverride string
	Override          string
	OverrideKey       string
	OverrideValue     int64
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.ExpectedModels <= 0 {
		c.ExpectedModels = DefaultExpectedModels
	}
	if c.WrongModel == "" {
		c.WrongModel = DefaultWrongModel
	}
	if c.MalformedOverride == "" {
		c.MalformedOverride = DefaultMalformedOverride
	}
	if c.Override == "" {
		c.Override = DefaultOverride
		c.OverrideKey = DefaultOverrideKey
		c.OverrideValue = DefaultOverrideValue
	}
	return c
}

type Step struct {
	Name     string
	Err      error
	Duration time.Duration
}

func (s Step) Passed() bool { return s.Err == nil }

type Result struct {
	Steps []Step
}

// Passed reports whether every step ran and succeeded.
func (r Result) Passed() bool {
	if len(r.Steps) != len(scenario) {
		return false
	}
	for _, s := range r.Steps {
		if !s.Passed() {
			return false
		}
	}
	return true
}

// Failed returns the first failed step, if any.
func (r Result) Failed() (Step, bool) {
	for _, s := range r.Steps {
		if !s.Passed() {
			return s, true
		}
	}
	return Step{}, false
}

type Runner struct {
	client Client
	cfg    Config
	logger *zap.Logger
}

func NewRunner(client Client, cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{client: client, cfg: cfg.withDefaults(), logger: logger.Named("smoke")}
}

type stepFunc func(r *Runner, ctx context.Context) error

var scenario = []struct {
	name string
	run  stepFunc
}{
	{"repository-count", (*Runner).repositoryCount},
	{"load", (*Runner).load},
	{"reject-malformed-override", (*Runner).rejectMalformedOverride},
	{"apply-override", (*Runner).applyOverride},
	{"unload", (*Runner).unload},
	{"reject-unknown-model", (*Runner).rejectUnknownModel},
}

// Run executes the scenario in order and stops at the first failing step.
func (r *Runner) Run(ctx context.Context) Result {
	var res Result
	for _, s := range scenario {
		start := time.Now()
		err := s.run(r, ctx)
		step := Step{Name: s.name, Err: err, Duration: time.Since(start)}
		res.Steps = append(res.Steps, step)

		if err != nil {
			r.logger.Error("step failed", zap.String("step", s.name), zap.Error(err))
			break
		}
		r.logger.Info("step passed", zap.String("step", s.name), zap.Duration("duration", step.Duration))
	}
	return res
}

func (r *Runner) repositoryCount(ctx context.Context) error {
	idx, err := r.client.RepositoryIndex(ctx, false)
	if err != nil {
		return fmt.Errorf("repository index: %w", err)
	}
	if len(idx) != r.cfg.ExpectedModels {
		return fmt.Errorf("expected %d models in repository, got %d", r.cfg.ExpectedModels, len(idx))
	}
	return nil
}

func (r *Runner) load(ctx context.Context) error {
	if err := r.client.LoadModel(ctx, r.cfg.Model); err != nil {
		return fmt.Errorf("load %s: %w", r.cfg.Model, err)
	}
	return r.expectReady(ctx, r.cfg.Model, true)
}

func (r *Runner) rejectMalformedOverride(ctx context.Context) error {
	err := r.client.LoadModel(ctx, r.cfg.Model, triton.WithConfig(r.cfg.MalformedOverride))
	if err := expectLoadFailure(err); err != nil {
		return err
	}
	return r.expectReady(ctx, r.cfg.Model, true)
}

func (r *Runner) applyOverride(ctx context.Context) error {
	if err := r.client.LoadModel(ctx, r.cfg.Model, triton.WithConfig(r.cfg.Override)); err != nil {
		return fmt.Errorf("load %s with override: %w", r.cfg.Model, err)
	}
	if err := r.expectReady(ctx, r.cfg.Model, true); err != nil {
		return err
	}
	if r.cfg.OverrideKey == "" {
		return nil
	}

	cfg, err := r.client.ModelConfig(ctx, r.cfg.Model)
	if err != nil {
		return fmt.Errorf("config %s: %w", r.cfg.Model, err)
	}
	got, ok := cfg.Int(r.cfg.OverrideKey)
	if !ok || got != r.cfg.OverrideValue {
		return fmt.Errorf("expected %s=%d after override, got %v", r.cfg.OverrideKey, r.cfg.OverrideValue, cfg[r.cfg.OverrideKey])
	}
	return nil
}

func (r *Runner) unload(ctx context.Context) error {
	if err := r.client.UnloadModel(ctx, r.cfg.Model); err != nil {
		return fmt.Errorf("unload %s: %w", r.cfg.Model, err)
	}
	if err := r.expectReady(ctx, r.cfg.Model, false); err != nil {
		return err
	}
	_, err := r.client.ModelConfig(ctx, r.cfg.Model)
	if !errors.Is(err, triton.ErrNotFound) {
		return fmt.Errorf("expected config of unloaded %s to be not found, got %v", r.cfg.Model, err)
	}
	return nil
}

func (r *Runner) rejectUnknownModel(ctx context.Context) error {
	err := r.client.LoadModel(ctx, r.cfg.WrongModel)
	if err := expectLoadFailure(err); err != nil {
		return err
	}
	return r.expectReady(ctx, r.cfg.WrongModel, false)
}

func (r *Runner) expectReady(ctx context.Context, name string, want bool) error {
	ready, err := r.client.IsModelReady(ctx, name)
	if err != nil {
		return fmt.Errorf("readiness of %s: %w", name, err)
	}
	if ready != want {
		return fmt.Errorf("expected %s ready=%t, got %t", name, want, ready)
	}
	return nil
}

// expectLoadFailure accepts only a load rejection. Transport errors still fail
// the step.
func expectLoadFailure(err error) error {
	switch {
	case err == nil:
		return errors.New("expected load to fail, it succeeded")
	case errors.Is(err, triton.ErrConnection):
		return err
	case !errors.Is(err, triton.ErrLoadFailed) || !strings.Contains(err.Error(), loadFailureMarker):
		return fmt.Errorf("expected a %q error, got: %w", loadFailureMarker, err)
	}
	return nil
}

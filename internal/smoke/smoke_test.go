package smoke

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcules/modelctl/internal/repository"
	"github.com/mcules/modelctl/internal/server"
	"github.com/mcules/modelctl/internal/state"
	"github.com/mcules/modelctl/internal/triton"
)

func newRepoServer(t *testing.T, models int) *triton.Client {
	t.Helper()
	defs := []repository.Definition{{
		Name:     "simple",
		Versions: []string{"1"},
		Config:   map[string]any{"name": "simple", "max_batch_size": 8, "platform": "tensorflow_graphdef"},
	}}
	for i := 1; i < models; i++ {
		name := fmt.Sprintf("model_%d", i)
		defs = append(defs, repository.Definition{Name: name, Config: map[string]any{"name": name}})
	}

	s := server.New(server.Options{Models: state.NewRepository(repository.NewStatic(defs...), nil)})
	s.SetReady(true)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return triton.New(hs.URL)
}

func stepNames(res Result) []string {
	out := make([]string, 0, len(res.Steps))
	for _, s := range res.Steps {
		out = append(out, s.Name)
	}
	return out
}

func TestRun_AgainstReferenceServer(t *testing.T) {
	client := newRepoServer(t, DefaultExpectedModels)

	res := NewRunner(client, Config{}, nil).Run(context.Background())
	for _, s := range res.Steps {
		assert.NoError(t, s.Err, s.Name)
	}
	assert.True(t, res.Passed())
	assert.Equal(t, []string{
		"repository-count",
		"load",
		"reject-malformed-override",
		"apply-override",
		"unload",
		"reject-unknown-model",
	}, stepNames(res))

	ready, err := client.IsModelReady(context.Background(), "simple")
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestRun_Rerunnable(t *testing.T) {
	client := newRepoServer(t, 3)
	r := NewRunner(client, Config{ExpectedModels: 3}, nil)
	assert.True(t, r.Run(context.Background()).Passed())
	assert.True(t, r.Run(context.Background()).Passed())
}

func TestRun_WrongModelCount(t *testing.T) {
	client := newRepoServer(t, 6)

	res := NewRunner(client, Config{}, nil).Run(context.Background())
	assert.False(t, res.Passed())
	require.Len(t, res.Steps, 1)
	failed, ok := res.Failed()
	require.True(t, ok)
	assert.Equal(t, "repository-count", failed.Name)
	assert.Contains(t, failed.Err.Error(), "expected 7 models in repository, got 6")
}

func TestRun_Unreachable(t *testing.T) {
	client := triton.New("127.0.0.1:1")

	res := NewRunner(client, Config{}, nil).Run(context.Background())
	assert.False(t, res.Passed())
	failed, ok := res.Failed()
	require.True(t, ok)
	assert.ErrorIs(t, failed.Err, triton.ErrConnection)
}

// stickyClient ignores overrides and never forgets a config.
type stickyClient struct {
	ready bool
}

func (c *stickyClient) RepositoryIndex(ctx context.Context, readyOnly bool) ([]triton.IndexEntry, error) {
	return make([]triton.IndexEntry, DefaultExpectedModels), nil
}

func (c *stickyClient) LoadModel(ctx context.Context, name string, opts ...triton.LoadOption) error {
	if name != DefaultModel {
		return errors.New("failed to load '" + name + "'")
	}
	c.ready = true
	return nil
}

func (c *stickyClient) UnloadModel(ctx context.Context, name string, opts ...triton.UnloadOption) error {
	c.ready = false
	return nil
}

func (c *stickyClient) IsModelReady(ctx context.Context, name string) (bool, error) {
	return c.ready && name == DefaultModel, nil
}

func (c *stickyClient) ModelConfig(ctx context.Context, name string) (triton.Config, error) {
	return triton.Config{"max_batch_size": 8}, nil
}

func TestRun_DetectsAcceptedMalformedOverride(t *testing.T) {
	res := NewRunner(&stickyClient{}, Config{}, nil).Run(context.Background())
	failed, ok := res.Failed()
	require.True(t, ok)
	assert.Equal(t, "reject-malformed-override", failed.Name)
	assert.Contains(t, failed.Err.Error(), "expected load to fail")
}

func TestExpectLoadFailure(t *testing.T) {
	assert.NoError(t, expectLoadFailure(&triton.ConfigFormatError{Model: "simple", Err: errors.New("bad")}))
	assert.Error(t, expectLoadFailure(nil))
	assert.Error(t, expectLoadFailure(errors.New("failed to load but untyped")))
	assert.Error(t, expectLoadFailure(&triton.ConnectionError{Op: "load_model", Err: errors.New("refused")}))
}

func TestDefaultMalformedOverride(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, `"parameters": {"config": {{"max_batch_size": "16"}}}`, cfg.MalformedOverride)

	_, err := triton.ParseOverride(cfg.MalformedOverride)
	assert.Error(t, err)

	_, err = triton.ParseOverride(cfg.Override)
	assert.NoError(t, err)
}

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcules/modelctl/internal/activity"
	"github.com/mcules/modelctl/internal/auth"
	"github.com/mcules/modelctl/internal/metrics"
	"github.com/mcules/modelctl/internal/repository"
	"github.com/mcules/modelctl/internal/state"
	"github.com/mcules/modelctl/internal/store"
	"github.com/mcules/modelctl/internal/triton"
)

func simpleDefinition() repository.Definition {
	return repository.Definition{
		Name:     "simple",
		Versions: []string{"1"},
		Config: map[string]any{
			"name":           "simple",
			"platform":       "tensorflow_graphdef",
			"max_batch_size": 8,
			"input": []any{
				map[string]any{"name": "INPUT0", "data_type": "TYPE_INT32", "dims": []any{16}},
			},
			"output": []any{
				map[string]any{"name": "OUTPUT0", "data_type": "TYPE_INT32", "dims": []any{16}},
			},
		},
	}
}

type testEnv struct {
	srv    *Server
	http   *httptest.Server
	client *triton.Client
	store  *store.Store
	models *state.Repository
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	if opts.Models == nil {
		src := repository.NewStatic(simpleDefinition(), repository.Definition{Name: "identity", Config: map[string]any{"max_batch_size": 0}})
		opts.Models = state.NewRepository(src, nil)
	}
	opts.Store = st
	s := New(opts)
	s.SetReady(true)

	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)

	return &testEnv{
		srv:    s,
		http:   hs,
		client: triton.New(hs.URL),
		store:  st,
		models: opts.Models,
	}
}

func TestHealthAndMetadata(t *testing.T) {
	env := newTestEnv(t, Options{Version: "1.2.3"})
	ctx := context.Background()

	live, err := env.client.IsServerLive(ctx)
	require.NoError(t, err)
	assert.True(t, live)

	ready, err := env.client.IsServerReady(ctx)
	require.NoError(t, err)
	assert.True(t, ready)

	env.srv.SetReady(false)
	ready, err = env.client.IsServerReady(ctx)
	require.NoError(t, err)
	assert.False(t, ready)

	md, err := env.client.ServerMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, "modelrepo", md.Name)
	assert.Equal(t, "1.2.3", md.Version)
}

func TestLoadUnloadLifecycle(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	idx, err := env.client.RepositoryIndex(ctx, false)
	require.NoError(t, err)
	require.Len(t, idx, 2)
	assert.Equal(t, triton.IndexEntry{Name: "identity"}, idx[0])

	require.NoError(t, env.client.LoadModel(ctx, "simple"))
	ok, err := env.client.IsModelReady(ctx, "simple")
	require.NoError(t, err)
	assert.True(t, ok)

	idx, err = env.client.RepositoryIndex(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []triton.IndexEntry{{Name: "simple", Version: "1", State: triton.StateReady}}, idx)

	require.NoError(t, env.client.UnloadModel(ctx, "simple"))
	ok, err = env.client.IsModelReady(ctx, "simple")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = env.client.ModelConfig(ctx, "simple")
	require.Error(t, err)
	assert.ErrorIs(t, err, triton.ErrNotFound)
	assert.Contains(t, err.Error(), "has no available versions")

	idx, err = env.client.RepositoryIndex(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, triton.IndexEntry{Name: "simple", Version: "1", State: triton.StateUnavailable, Reason: "unloaded"}, idx[1])

	// Unloading again is a no-op.
	require.NoError(t, env.client.UnloadModel(ctx, "simple", triton.WithUnloadDependents()))
	require.NoError(t, env.client.UnloadModel(ctx, "wrong_model_name"))
}

func TestLoadOverride(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	require.NoError(t, env.client.LoadModel(ctx, "simple"))
	require.NoError(t, env.client.LoadModel(ctx, "simple", triton.WithConfig(`{"max_batch_size":"16"}`)))

	cfg, err := env.client.ModelConfig(ctx, "simple")
	require.NoError(t, err)
	n, ok := cfg.Int("max_batch_size")
	require.True(t, ok)
	assert.EqualValues(t, 16, n)
	assert.Equal(t, "tensorflow_graphdef", cfg["platform"])

	o, found, err := env.store.GetOverride(ctx, "simple")
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, o.Config, "max_batch_size")

	// A plain load restores the repository configuration and drops the override.
	require.NoError(t, env.client.LoadModel(ctx, "simple"))
	cfg, err = env.client.ModelConfig(ctx, "simple")
	require.NoError(t, err)
	n, _ = cfg.Int("max_batch_size")
	assert.EqualValues(t, 8, n)
	_, found, err = env.store.GetOverride(ctx, "simple")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLoadRejections(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	err := env.client.LoadModel(ctx, "wrong_model_name")
	require.Error(t, err)
	assert.ErrorIs(t, err, triton.ErrLoadFailed)
	assert.Equal(t, "failed to load 'wrong_model_name', failed to poll from model repository", err.Error())

	err = env.client.LoadModel(ctx, "simple", triton.WithConfig(`{"max_batch_size": true}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, triton.ErrLoadFailed)
	assert.False(t, env.models.IsReady("simple"))

	// Malformed text sent past the client is rejected by the server too.
	resp, err := http.Post(env.http.URL+"/v2/repository/models/simple/load", "application/json",
		strings.NewReader(`{"parameters":{"config":"{\"max_batch_size\": 16"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	events, err := env.client.Activity(ctx)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for _, e := range events {
		assert.Equal(t, string(activity.EventLoadFailed), e.Type)
		assert.Contains(t, e.Note, "failed to load")
	}
}

func TestModelMetadata(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	_, err := env.client.ModelMetadata(ctx, "wrong_model_name")
	require.Error(t, err)
	assert.ErrorIs(t, err, triton.ErrNotFound)
	assert.Equal(t, "Request for unknown model: 'wrong_model_name' is not found", err.Error())

	require.NoError(t, env.client.LoadModel(ctx, "simple"))
	md, err := env.client.ModelMetadata(ctx, "simple")
	require.NoError(t, err)

	want := &triton.ModelMetadata{
		Name:     "simple",
		Versions: []string{"1"},
		Platform: "tensorflow_graphdef",
		Inputs:   []triton.TensorMetadata{{Name: "INPUT0", Datatype: "INT32", Shape: []int64{-1, 16}}},
		Outputs:  []triton.TensorMetadata{{Name: "OUTPUT0", Datatype: "INT32", Shape: []int64{-1, 16}}},
	}
	if diff := cmp.Diff(want, md); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadStartupModels_RestoresOverrides(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	require.NoError(t, env.store.UpsertOverride(ctx, "simple", map[string]any{"max_batch_size": 4}))
	require.NoError(t, env.srv.LoadStartupModels(ctx, []string{"simple", "identity"}, true))

	cfg, err := env.models.Config("simple")
	require.NoError(t, err)
	assert.Equal(t, int64(4), cfg["max_batch_size"])
	assert.True(t, env.models.IsReady("identity"))

	events := env.srv.activity.List()
	require.NotEmpty(t, events)
	assert.Equal(t, activity.EventLoad, events[0].Type)
	assert.Equal(t, "identity", events[0].Model)
	assert.Equal(t, activity.EventRestore, events[1].Type)
}

func TestLoadStartupModels_UnknownModel(t *testing.T) {
	env := newTestEnv(t, Options{})
	err := env.srv.LoadStartupModels(context.Background(), []string{"nope"}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to poll from model repository")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{})
	require.NoError(t, env.client.LoadModel(context.Background(), "simple"))

	resp, err := http.Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := new(strings.Builder)
	_, err = io.Copy(body, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `modelrepo_load_total{model="simple",status="ok"} 1`)
	assert.Contains(t, body.String(), "modelrepo_models_ready 1")
}

func TestAuthRequired(t *testing.T) {
	keys, err := store.Open(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = keys.Close() })
	a := auth.NewAuthenticator(keys, nil)
	key, _, err := a.GenerateKey(context.Background(), "test")
	require.NoError(t, err)

	env := newTestEnv(t, Options{Auth: a, Keys: keys})
	ctx := context.Background()

	_, err = env.client.RepositoryIndex(ctx, false)
	require.Error(t, err)
	var se *triton.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)

	live, err := env.client.IsServerLive(ctx)
	require.NoError(t, err)
	assert.True(t, live)

	authed := triton.New(env.http.URL, triton.WithToken(key))
	idx, err := authed.RepositoryIndex(ctx, false)
	require.NoError(t, err)
	assert.Len(t, idx, 2)
}

func TestKeyAdmin(t *testing.T) {
	keys, err := store.Open(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = keys.Close() })
	a := auth.NewAuthenticator(keys, nil)
	key, _, err := a.GenerateKey(context.Background(), "admin")
	require.NoError(t, err)

	env := newTestEnv(t, Options{Auth: a, Keys: keys})

	do := func(method, path, body string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, env.http.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+key)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := do(http.MethodPost, "/admin/keys", `{"name":"ci"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.True(t, strings.HasPrefix(created.Key, "mc-"))

	resp = do(http.MethodGet, "/admin/keys", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	assert.Len(t, listed, 2)
	for _, k := range listed {
		assert.NotContains(t, k, "hashed_key")
	}

	resp = do(http.MethodDelete, "/admin/keys/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	authed := triton.New(env.http.URL, triton.WithToken(created.Key))
	_, err = authed.RepositoryIndex(context.Background(), false)
	assert.Error(t, err)
}

// gatedStore blocks the first upsert until release is closed.
type gatedStore struct {
	mu        sync.Mutex
	overrides map[string]map[string]any
	entered   chan struct{}
	release   chan struct{}
	once      sync.Once
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		overrides: map[string]map[string]any{},
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (g *gatedStore) UpsertOverride(ctx context.Context, modelID string, cfg map[string]any) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.overrides[modelID] = cfg
	return nil
}

func (g *gatedStore) DeleteOverride(ctx context.Context, modelID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.overrides, modelID)
	return nil
}

func (g *gatedStore) GetOverride(ctx context.Context, modelID string) (store.Override, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cfg, ok := g.overrides[modelID]
	return store.Override{ModelID: modelID, Config: cfg}, ok, nil
}

func (g *gatedStore) ListOverrides(ctx context.Context) ([]store.Override, error) {
	return nil, nil
}

func TestLoad_PersistenceFollowsLastAppliedLoad(t *testing.T) {
	models := state.NewRepository(repository.NewStatic(simpleDefinition()), nil)
	gs := newGatedStore()
	s := New(Options{Models: models, Store: gs})
	ctx := context.Background()

	overrideDone := make(chan error, 1)
	go func() {
		overrideDone <- s.Load(ctx, "simple", map[string]any{"max_batch_size": "16"})
	}()
	<-gs.entered

	plainDone := make(chan error, 1)
	go func() {
		plainDone <- s.Load(ctx, "simple", nil)
	}()

	select {
	case <-plainDone:
		t.Fatal("plain load finished while an earlier load was still persisting")
	case <-time.After(50 * time.Millisecond):
	}

	close(gs.release)
	require.NoError(t, <-overrideDone)
	require.NoError(t, <-plainDone)

	cfg, err := models.Config("simple")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg["max_batch_size"])
	_, found, err := gs.GetOverride(ctx, "simple")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLoadMetrics_UnknownModelsShareOneSeries(t *testing.T) {
	registry := prometheus.NewRegistry()
	env := newTestEnv(t, Options{Metrics: metrics.NewPrometheus(registry)})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.Error(t, env.client.LoadModel(ctx, fmt.Sprintf("junk_%d", i)))
	}
	require.NoError(t, env.client.LoadModel(ctx, "simple"))
	require.Error(t, env.client.LoadModel(ctx, "simple", triton.WithConfig(`{"max_batch_size": true}`)))

	n, err := testutil.GatherAndCount(registry, "modelrepo_load_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	body := gatherText(t, env.http.URL+"/metrics")
	assert.Contains(t, body, `modelrepo_load_total{model="unknown",status="failed"} 50`)
	assert.Contains(t, body, `modelrepo_load_total{model="simple",status="failed"} 1`)
	assert.NotContains(t, body, "junk_")
}

func gatherText(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(raw)
}

func TestAdminOverrides(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	resp, err := http.Get(env.http.URL + "/admin/overrides")
	require.NoError(t, err)
	var empty []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&empty))
	resp.Body.Close()
	assert.Empty(t, empty)

	require.NoError(t, env.client.LoadModel(ctx, "simple", triton.WithConfig(`{"max_batch_size":"16"}`)))
	require.NoError(t, env.client.LoadModel(ctx, "identity"))

	resp, err = http.Get(env.http.URL + "/admin/overrides")
	require.NoError(t, err)
	defer resp.Body.Close()
	var listed []struct {
		Model  string         `json:"model"`
		Config map[string]any `json:"config"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "simple", listed[0].Model)
	assert.EqualValues(t, 16, listed[0].Config["max_batch_size"])

	require.NoError(t, env.client.UnloadModel(ctx, "simple"))
	overrides, err := env.store.ListOverrides(ctx)
	require.NoError(t, err)
	assert.Empty(t, overrides)
}

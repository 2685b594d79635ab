package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheus_UsesProvidedRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	p := NewPrometheus(registry)

	p.ObserveLoad("simple", nil)
	p.ObserveLoad("simple", nil)
	p.ObserveLoad("wrong_model_name", errors.New("failed to load"))
	p.ObserveUnload("simple")
	p.SetModelsReady(3)
	p.ObserveRequest("POST /v2/repository/models/{name}/load", 200, 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.loads.WithLabelValues("simple", LoadOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.loads.WithLabelValues("wrong_model_name", LoadFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.unloads.WithLabelValues("simple")))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.modelsReady))

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "modelrepo_load_total")
	assert.Contains(t, names, "modelrepo_unload_total")
	assert.Contains(t, names, "modelrepo_models_ready")
	assert.Contains(t, names, "modelrepo_http_request_duration_seconds")
}

func TestPrometheus_Handler(t *testing.T) {
	p := NewPrometheus(nil)
	p.SetModelsReady(1)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "modelrepo_models_ready 1")
}

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	LoadOK     = "ok"
	LoadFailed = "failed"

	// UnknownModel labels loads of names the repository does not have.
	UnknownModel = "unknown"
)

// Prometheus holds the repository server collectors.
type Prometheus struct {
	registry *prometheus.Registry

	loads           *prometheus.CounterVec
	unloads         *prometheus.CounterVec
	modelsReady     prometheus.Gauge
	requestDuration *prometheus.HistogramVec
}

func NewPrometheus(registry *prometheus.Registry) *Prometheus {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &Prometheus{
		registry: registry,
		loads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelrepo_load_total",
				Help: "Total number of model load requests",
			},
			[]string{"model", "status"},
		),
		unloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelrepo_unload_total",
				Help: "Total number of model unload requests",
			},
			[]string{"model"},
		),
		modelsReady: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "modelrepo_models_ready",
				Help: "Current number of ready models",
			},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modelrepo_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"route", "code"},
		),
	}
}

func (p *Prometheus) ObserveLoad(model string, err error) {
	status := LoadOK
	if err != nil {
		status = LoadFailed
	}
	p.loads.WithLabelValues(model, status).Inc()
}

func (p *Prometheus) ObserveUnload(model string) {
	p.unloads.WithLabelValues(model).Inc()
}

func (p *Prometheus) SetModelsReady(n int) {
	p.modelsReady.Set(float64(n))
}

// ObserveRequest satisfies httpx.Observer.
func (p *Prometheus) ObserveRequest(route string, status int, d time.Duration) {
	p.requestDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(d.Seconds())
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

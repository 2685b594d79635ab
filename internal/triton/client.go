package triton

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/mcules/modelctl/internal/endpoint"
	"github.com/mcules/modelctl/internal/metrics"
)

const (
	opServerLive     = "server_live"
	opServerReady    = "server_ready"
	opServerMetadata = "server_metadata"
	opIndex          = "repository_index"
	opLoad           = "load_model"
	opUnload         = "unload_model"
	opModelReady     = "model_ready"
	opModelConfig    = "model_config"
	opModelMetadata  = "model_metadata"
	opActivity       = "activity"
)

// DefaultURL is the address used when none is configured.
const DefaultURL = "localhost:8000"

// Client talks to the model control endpoints of a KServe v2 / Triton style
// inference server. Calls are synchronous and never retried.
type Client struct {
	HTTP *http.Client

	endpoints *endpoint.Picker
	headers   http.Header
	logger    *zap.Logger
	latency   *metrics.LatencyTracker
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.HTTP.Timeout = d
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.HTTP = h
		}
	}
}

// WithVerbose logs every request and response at debug level.
func WithVerbose(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.Named("triton")
		}
	}
}

func WithToken(token string) Option {
	return func(c *Client) {
		if token != "" {
			c.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers.Add(key, value)
	}
}

func WithLatency(t *metrics.LatencyTracker) Option {
	return func(c *Client) {
		c.latency = t
	}
}

// New creates a client for url, which may be a comma separated list of servers.
func New(url string, opts ...Option) *Client {
	if url == "" {
		url = DefaultURL
	}
	return NewWithResolver(endpoint.Parse(url), opts...)
}

func NewWithResolver(r endpoint.Resolver, opts ...Option) *Client {
	c := &Client{
		HTTP: &http.Client{
			Timeout: 60 * time.Second,
		},
		endpoints: endpoint.NewPicker(r),
		headers:   http.Header{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) IsServerLive(ctx context.Context) (bool, error) {
	status, _, err := c.do(ctx, opServerLive, http.MethodGet, "/v2/health/live", nil)
	if err != nil {
		return false, err
	}
	return status == http.StatusOK, nil
}

func (c *Client) IsServerReady(ctx context.Context) (bool, error) {
	status, _, err := c.do(ctx, opServerReady, http.MethodGet, "/v2/health/ready", nil)
	if err != nil {
		return false, err
	}
	return status == http.StatusOK, nil
}

func (c *Client) ServerMetadata(ctx context.Context) (*ServerMetadata, error) {
	var out ServerMetadata
	if err := c.getJSON(ctx, opServerMetadata, "", "/v2", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RepositoryIndex lists the models known to the server, ordered as the server
// returns them. readyOnly restricts the list to models that can serve.
func (c *Client) RepositoryIndex(ctx context.Context, readyOnly bool) ([]IndexEntry, error) {
	status, body, err := c.do(ctx, opIndex, http.MethodPost, "/v2/repository/index", indexRequest{Ready: readyOnly})
	if err != nil {
		return nil, err
	}
	if status/100 != 2 {
		return nil, newServerError(opIndex, "", status, errorMessage(body))
	}
	var out []IndexEntry
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode repository index: %w", err)
	}
	return out, nil
}

type LoadOption func(*loadOptions)

type loadOptions struct {
	config    string
	hasConfig bool
}

// WithConfig attaches an override configuration given as JSON text.
func WithConfig(text string) LoadOption {
	return func(o *loadOptions) {
		o.config = text
		o.hasConfig = true
	}
}

// WithConfigMap attaches an override configuration given as a map.
func WithConfigMap(cfg Config) LoadOption {
	return func(o *loadOptions) {
		// An unencodable map leaves config empty, which ParseOverride rejects.
		raw, _ := json.Marshal(cfg)
		o.config = string(raw)
		o.hasConfig = true
	}
}

// LoadModel asks the server to load or reload name. A malformed override is
// rejected locally with a *ConfigFormatError and nothing is sent.
func (c *Client) LoadModel(ctx context.Context, name string, opts ...LoadOption) error {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	req := loadRequest{}
	if o.hasConfig {
		if _, err := ParseOverride(o.config); err != nil {
			c.logger.Debug("override rejected", zap.String("model", name), zap.Error(err))
			return &ConfigFormatError{Model: name, Err: err}
		}
		req.Parameters = map[string]any{"config": o.config}
	}

	status, body, err := c.do(ctx, opLoad, http.MethodPost, "/v2/repository/models/"+url.PathEscape(name)+"/load", req)
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return newServerError(opLoad, name, status, errorMessage(body))
	}
	return nil
}

type UnloadOption func(*unloadRequest)

// WithUnloadDependents also unloads models that depend on the target.
func WithUnloadDependents() UnloadOption {
	return func(r *unloadRequest) {
		r.Parameters = map[string]any{"unload_dependents": true}
	}
}

// UnloadModel marks name not ready. Unloading an unloaded model is not an error.
func (c *Client) UnloadModel(ctx context.Context, name string, opts ...UnloadOption) error {
	req := unloadRequest{}
	for _, opt := range opts {
		opt(&req)
	}

	status, body, err := c.do(ctx, opUnload, http.MethodPost, "/v2/repository/models/"+url.PathEscape(name)+"/unload", req)
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return newServerError(opUnload, name, status, errorMessage(body))
	}
	return nil
}

// IsModelReady reports readiness. Only transport failures produce an error.
func (c *Client) IsModelReady(ctx context.Context, name string) (bool, error) {
	status, _, err := c.do(ctx, opModelReady, http.MethodGet, "/v2/models/"+url.PathEscape(name)+"/ready", nil)
	if err != nil {
		return false, err
	}
	return status == http.StatusOK, nil
}

// ModelConfig returns the configuration of a loaded model. Unknown or
// unloaded models yield an error matching ErrNotFound.
func (c *Client) ModelConfig(ctx context.Context, name string) (Config, error) {
	var out Config
	if err := c.getJSON(ctx, opModelConfig, name, "/v2/models/"+url.PathEscape(name)+"/config", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ModelMetadata(ctx context.Context, name string) (*ModelMetadata, error) {
	var out ModelMetadata
	if err := c.getJSON(ctx, opModelMetadata, name, "/v2/models/"+url.PathEscape(name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Activity reads the reference server's recent control events, newest first.
func (c *Client) Activity(ctx context.Context) ([]ActivityEvent, error) {
	var out []ActivityEvent
	if err := c.getJSON(ctx, opActivity, "", "/admin/activity", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, op, model, path string, out any) error {
	status, body, err := c.do(ctx, op, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return newServerError(op, model, status, errorMessage(body))
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", op, err)
	}
	return nil
}

// do performs one exchange and returns the status code and full body.
func (c *Client) do(ctx context.Context, op, method, path string, in any) (int, []byte, error) {
	base, err := c.endpoints.Resolve()
	if err != nil {
		return 0, nil, &ConnectionError{Op: op, URL: path, Err: err}
	}
	target := base + path

	var reqBody []byte
	if in != nil {
		reqBody, err = json.Marshal(in)
		if err != nil {
			return 0, nil, fmt.Errorf("encode %s request: %w", op, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(reqBody))
	if err != nil {
		return 0, nil, err
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("request", zap.String("op", op), zap.String("method", method), zap.String("url", target), zap.ByteString("body", reqBody))

	start := time.Now()
	res, err := c.HTTP.Do(req)
	if err != nil {
		c.latency.ObserveError(op, time.Since(start))
		return 0, nil, &ConnectionError{Op: op, URL: target, Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		c.latency.ObserveError(op, time.Since(start))
		return 0, nil, &ConnectionError{Op: op, URL: target, Err: fmt.Errorf("read body: %w", err)}
	}
	c.latency.ObserveOK(op, time.Since(start))

	c.logger.Debug("response", zap.String("op", op), zap.Int("status", res.StatusCode), zap.ByteString("body", body))
	return res.StatusCode, body, nil
}

func errorMessage(body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return string(bytes.TrimSpace(body))
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mcules/modelctl/internal/activity"
	"github.com/mcules/modelctl/internal/auth"
	"github.com/mcules/modelctl/internal/httpx"
	"github.com/mcules/modelctl/internal/metrics"
	"github.com/mcules/modelctl/internal/state"
	"github.com/mcules/modelctl/internal/store"
	"github.com/mcules/modelctl/internal/triton"
)

const serverName = "modelrepo"

// OverrideStore persists the overrides of loaded models.
type OverrideStore interface {
	UpsertOverride(ctx context.Context, modelID string, cfg map[string]any) error
	DeleteOverride(ctx context.Context, modelID string) error
	GetOverride(ctx context.Context, modelID string) (store.Override, bool, error)
	ListOverrides(ctx context.Context) ([]store.Override, error)
}

// KeyStore lists and revokes API keys for the admin endpoints.
type KeyStore interface {
	ListAPIKeys(ctx context.Context) ([]store.APIKeyRecord, error)
	DeleteAPIKey(ctx context.Context, id string) error
}

type Options struct {
	Models   *state.Repository
	Store    OverrideStore
	Keys     KeyStore
	Activity *activity.Log
	Metrics  *metrics.Prometheus
	Auth     *auth.Authenticator

	AllowOrigin string
	Version     string
	Logger      *zap.Logger
}

// Server implements the v2 health, metadata and model repository endpoints.
type Server struct {
	models   *state.Repository
	store    OverrideStore
	keys     KeyStore
	activity *activity.Log
	metrics  *metrics.Prometheus
	auth     *auth.Authenticator

	allowOrigin string
	version     string
	logger      *zap.Logger
	ready       atomic.Bool

	// control serializes a state change with its persistence, so the stored
	// override always matches the last applied load.
	control sync.Mutex
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Activity == nil {
		opts.Activity = activity.New(300)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewPrometheus(nil)
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Server{
		models:      opts.Models,
		store:       opts.Store,
		keys:        opts.Keys,
		activity:    opts.Activity,
		metrics:     opts.Metrics,
		auth:        opts.Auth,
		allowOrigin: opts.AllowOrigin,
		version:     opts.Version,
		logger:      opts.Logger.Named("server"),
	}
}

// SetReady flips /v2/health/ready. Servers start not ready.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v2/health/live", s.handleLive)
	mux.HandleFunc("GET /v2/health/ready", s.handleReady)
	mux.HandleFunc("GET /v2", s.handleServerMetadata)
	mux.HandleFunc("POST /v2/repository/index", s.handleIndex)
	mux.HandleFunc("POST /v2/repository/models/{name}/load", s.handleLoad)
	mux.HandleFunc("POST /v2/repository/models/{name}/unload", s.handleUnload)
	mux.HandleFunc("GET /v2/models/{name}", s.handleModelMetadata)
	mux.HandleFunc("GET /v2/models/{name}/ready", s.handleModelReady)
	mux.HandleFunc("GET /v2/models/{name}/config", s.handleModelConfig)
	mux.HandleFunc("GET /admin/activity", s.handleActivity)
	mux.HandleFunc("GET /admin/overrides", s.handleOverrides)
	mux.Handle("GET /metrics", s.metrics.Handler())
	s.registerKeyAdmin(mux)
}

// Handler returns the full middleware chain: CORS, request logging, optional
// API key auth, then the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)

	var h http.Handler = mux
	if s.auth != nil {
		h = s.auth.Middleware(h)
	}
	h = httpx.Logging(s.logger, s.metrics, h)
	return httpx.CORS{AllowOrigin: s.allowOrigin}.Wrap(h)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleServerMetadata(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, triton.ServerMetadata{
		Name:       serverName,
		Version:    s.version,
		Extensions: []string{"model_repository", "model_configuration"},
	})
}

type indexRequest struct {
	Ready bool `json:"ready"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if err := decodeBody(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := s.models.Index(req.Ready)
	if err != nil {
		s.logger.Error("repository index failed", zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]triton.IndexEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, triton.IndexEntry{
			Name:    e.Name,
			Version: e.Version,
			State:   wireState(e.State),
			Reason:  e.Reason,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

type parametersRequest struct {
	Parameters map[string]any `json:"parameters"`
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req parametersRequest
	if err := decodeBody(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, fmt.Sprintf("failed to load '%s', %v", name, err))
		return
	}

	var override map[string]any
	if raw, ok := req.Parameters["config"]; ok {
		text, isString := raw.(string)
		if !isString {
			s.loadFailed(w, name, fmt.Sprintf("failed to load '%s', config parameter must be a JSON string", name))
			return
		}
		cfg, err := triton.ParseOverride(text)
		if err != nil {
			s.loadFailed(w, name, (&triton.ConfigFormatError{Model: name, Err: err}).Error())
			return
		}
		override = cfg
	}

	if err := s.Load(r.Context(), name, override); err != nil {
		s.loadFailed(w, name, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) loadFailed(w http.ResponseWriter, name, msg string) {
	s.activity.Record(activity.EventLoadFailed, name, msg)
	httpx.WriteError(w, http.StatusBadRequest, msg)
}

// Load applies a load to the model state and records it everywhere else:
// persisted override, activity, metrics. A nil override is a plain load.
func (s *Server) Load(ctx context.Context, name string, override map[string]any) error {
	s.control.Lock()
	defer s.control.Unlock()

	acc, err := s.models.Load(name, override)
	label := name
	if errors.Is(err, state.ErrUnknownModel) {
		label = metrics.UnknownModel
	}
	s.metrics.ObserveLoad(label, err)
	if err != nil {
		s.logger.Info("load rejected", zap.String("model", name), zap.Error(err))
		return err
	}
	s.metrics.SetModelsReady(s.models.ReadyCount())

	if s.store != nil {
		if acc == nil {
			err = s.store.DeleteOverride(ctx, name)
		} else {
			err = s.store.UpsertOverride(ctx, name, acc)
		}
		if err != nil {
			s.logger.Warn("persist override failed", zap.String("model", name), zap.Error(err))
		}
	}

	note := ""
	if len(override) > 0 {
		note = "override: " + strings.Join(triton.Config(override).Keys(), ",")
	}
	s.activity.Record(activity.EventLoad, name, note)
	return nil
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req parametersRequest
	if err := decodeBody(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, fmt.Sprintf("failed to unload '%s', %v", name, err))
		return
	}
	// Dependency graphs are not tracked, so unload_dependents has nothing
	// extra to unload.
	if v, ok := req.Parameters["unload_dependents"]; ok {
		s.logger.Debug("unload_dependents requested", zap.String("model", name), zap.Any("value", v))
	}

	s.Unload(r.Context(), name)
	w.WriteHeader(http.StatusOK)
}

// Unload marks name unavailable and forgets its persisted override.
func (s *Server) Unload(ctx context.Context, name string) {
	s.control.Lock()
	defer s.control.Unlock()

	if !s.models.Unload(name) {
		return
	}
	s.metrics.ObserveUnload(name)
	s.metrics.SetModelsReady(s.models.ReadyCount())
	if s.store != nil {
		if err := s.store.DeleteOverride(ctx, name); err != nil {
			s.logger.Warn("delete override failed", zap.String("model", name), zap.Error(err))
		}
	}
	s.activity.Record(activity.EventUnload, name, "")
}

func (s *Server) handleModelReady(w http.ResponseWriter, r *http.Request) {
	if s.models.IsReady(r.PathValue("name")) {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusBadRequest)
}

func (s *Server) handleModelConfig(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	cfg, err := s.models.Config(name)
	if err != nil {
		s.writeModelError(w, name, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleModelMetadata(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	cfg, err := s.models.Config(name)
	if err != nil {
		s.writeModelError(w, name, err)
		return
	}
	entry, _ := s.models.Get(name)
	httpx.WriteJSON(w, http.StatusOK, modelMetadata(entry, cfg))
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	events := s.activity.List()
	out := make([]triton.ActivityEvent, 0, len(events))
	for _, e := range events {
		out = append(out, triton.ActivityEvent{
			ID:    e.ID,
			At:    e.At,
			Type:  string(e.Type),
			Model: e.Model,
			Note:  e.Note,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

type overrideView struct {
	Model     string         `json:"model"`
	Config    map[string]any `json:"config"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// handleOverrides lists the persisted overrides that a restart would restore.
func (s *Server) handleOverrides(w http.ResponseWriter, r *http.Request) {
	out := []overrideView{}
	if s.store != nil {
		overrides, err := s.store.ListOverrides(r.Context())
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, o := range overrides {
			out = append(out, overrideView{Model: o.ModelID, Config: o.Config, UpdatedAt: o.UpdatedAt})
		}
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) writeModelError(w http.ResponseWriter, name string, err error) {
	switch {
	case errors.Is(err, state.ErrUnknownModel):
		httpx.WriteError(w, http.StatusNotFound, fmt.Sprintf("Request for unknown model: '%s' is not found", name))
	case errors.Is(err, state.ErrNotLoaded):
		httpx.WriteError(w, http.StatusBadRequest, fmt.Sprintf("Request for unknown model: '%s' has no available versions", name))
	default:
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

func wireState(st state.ModelState) string {
	switch st {
	case state.ModelReady:
		return triton.StateReady
	case state.ModelUnavailable:
		return triton.StateUnavailable
	}
	return ""
}

// decodeBody decodes an optional JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("invalid request body: %w", err)
}

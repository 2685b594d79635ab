package server

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mcules/modelctl/internal/httpx"
)

type keyView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

type createKeyRequest struct {
	Name string `json:"name"`
}

type createKeyResponse struct {
	keyView
	Key string `json:"key"`
}

// registerKeyAdmin mounts API key management. It is only reachable with a
// valid key since the auth middleware wraps it.
func (s *Server) registerKeyAdmin(mux *http.ServeMux) {
	if s.auth == nil || s.keys == nil {
		return
	}
	mux.HandleFunc("GET /admin/keys", s.handleListKeys)
	mux.HandleFunc("POST /admin/keys", s.handleCreateKey)
	mux.HandleFunc("DELETE /admin/keys/{id}", s.handleDeleteKey)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.keys.ListAPIKeys(r.Context())
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]keyView, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyView{ID: k.ID, Name: k.Name, Prefix: k.Prefix, CreatedAt: k.CreatedAt, LastUsedAt: k.LastUsedAt})
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeBody(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "unnamed"
	}

	key, rec, err := s.auth.GenerateKey(r.Context(), name)
	if err != nil {
		s.logger.Error("create api key", zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, createKeyResponse{
		keyView: keyView{ID: rec.ID, Name: rec.Name, Prefix: rec.Prefix, CreatedAt: rec.CreatedAt},
		Key:     key,
	})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.keys.DeleteAPIKey(r.Context(), r.PathValue("id")); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

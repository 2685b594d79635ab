package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mcules/modelctl/internal/httpx"
	"github.com/mcules/modelctl/internal/store"
)

const (
	keyScheme = "mc-"
	prefixLen = len(keyScheme) + 8
)

// KeyStore is the subset of store.Store the authenticator needs.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, record store.APIKeyRecord) error
	APIKeysByPrefix(ctx context.Context, prefix string) ([]store.APIKeyRecord, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id string) error
}

type Authenticator struct {
	Store  KeyStore
	Logger *zap.Logger

	// Exempt paths are served without a key (health probes, metrics).
	Exempt []string
}

func NewAuthenticator(s KeyStore, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		Store:  s,
		Logger: logger.Named("auth"),
		Exempt: []string{"/v2/health/", "/metrics"},
	}
}

// GenerateKey creates a new API key. The plaintext is returned once; only the
// bcrypt hash is stored.
func (a *Authenticator) GenerateKey(ctx context.Context, name string) (string, store.APIKeyRecord, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", store.APIKeyRecord{}, err
	}
	key := keyScheme + hex.EncodeToString(raw)

	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", store.APIKeyRecord{}, err
	}

	record := store.APIKeyRecord{
		ID:        hex.EncodeToString(raw[:8]),
		Name:      name,
		Prefix:    key[:prefixLen],
		HashedKey: string(hashed),
		CreatedAt: time.Now(),
	}
	if err := a.Store.CreateAPIKey(ctx, record); err != nil {
		return "", store.APIKeyRecord{}, err
	}
	return key, record, nil
}

// Verify returns the record matching key.
func (a *Authenticator) Verify(ctx context.Context, key string) (store.APIKeyRecord, bool, error) {
	if len(key) < prefixLen || !strings.HasPrefix(key, keyScheme) {
		return store.APIKeyRecord{}, false, nil
	}
	candidates, err := a.Store.APIKeysByPrefix(ctx, key[:prefixLen])
	if err != nil {
		return store.APIKeyRecord{}, false, err
	}
	for _, c := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(c.HashedKey), []byte(key)) == nil {
			return c, true, nil
		}
	}
	return store.APIKeyRecord{}, false, nil
}

// Middleware checks the Authorization header.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.exempt(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			httpx.WriteError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}
		scheme, key, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || key == "" {
			httpx.WriteError(w, http.StatusUnauthorized, "invalid Authorization header format")
			return
		}

		rec, found, err := a.Verify(r.Context(), strings.TrimSpace(key))
		if err != nil {
			a.Logger.Error("api key lookup failed", zap.Error(err))
			httpx.WriteError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if !found {
			httpx.WriteError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		go func(id string) {
			if err := a.Store.UpdateAPIKeyLastUsed(context.Background(), id); err != nil {
				a.Logger.Warn("update last used", zap.String("key_id", id), zap.Error(err))
			}
		}(rec.ID)

		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) exempt(path string) bool {
	for _, p := range a.Exempt {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

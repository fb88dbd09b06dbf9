package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

type ctxKey int

const keyID ctxKey = 0

type key struct {
	id     string
	secret []byte
}

// Store is a static in-memory key store guarding the admin endpoints.
type Store struct {
	header string
	keys   []key
}

// NewStatic creates a new static key store.
// header: HTTP header to read the key from (e.g., "X-API-Key")
// pairs: map of secret -> keyID; entries with an empty side are ignored
func NewStatic(header string, pairs map[string]string) *Store {
	h := header
	if h == "" {
		h = "X-API-Key"
	}
	s := &Store{header: h}
	for secret, id := range pairs {
		if secret == "" || id == "" {
			continue
		}
		s.keys = append(s.keys, key{id: id, secret: []byte(secret)})
	}
	return s
}

// Enabled reports whether any key is configured.
func (s *Store) Enabled() bool {
	return s != nil && len(s.keys) > 0
}

// keyIDFor compares against every key so the time taken does not depend
// on which key matched.
func (s *Store) keyIDFor(secret string) (string, bool) {
	var found string
	b := []byte(secret)
	for _, k := range s.keys {
		if subtle.ConstantTimeCompare(b, k.secret) == 1 {
			found = k.id
		}
	}
	return found, found != ""
}

// WithKeyID injects the key ID into context.
func WithKeyID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyID, id)
}

// KeyIDFrom extracts the key ID from context (if present).
func KeyIDFrom(ctx context.Context) (string, bool) {
	v := ctx.Value(keyID)
	if v == nil {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

// Middleware validates the API key and writes JSON errors on failure.
// It skips authentication for any path in skipPaths.
func (s *Store) Middleware(skipPaths map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hname := s.header

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			secret := strings.TrimSpace(r.Header.Get(hname))
			if secret == "" {
				writeJSON(w, http.StatusUnauthorized, "missing_api_key", "Provide API key in "+hname)
				return
			}
			id, ok := s.keyIDFor(secret)
			if !ok {
				hlog.FromRequest(r).Warn().Str("path", r.URL.Path).Msg("rejected api key")
				writeJSON(w, http.StatusUnauthorized, "invalid_api_key", "API key not recognized")
				return
			}
			hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("key_id", id)
			})
			next.ServeHTTP(w, r.WithContext(WithKeyID(r.Context(), id)))
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": errCode, "message": msg},
	})
}

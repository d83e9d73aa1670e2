package api

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/domain/auth"
)

var (
	errMissingKey = errors.New("missing api key")
	errInvalidKey = errors.New("invalid api key")
	errForbidden  = errors.New("admin scope required")
)

// Authenticate resolves the X-API-Key header to a caller. The key is hashed
// with the configured pepper, looked up by hash, and compared in constant
// time.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(APIKeyHeader)
		if raw == "" {
			writeError(w, r, errMissingKey)
			return
		}

		hash := auth.HashKey(raw, h.pepper)
		info, err := h.keys.FindByHash(r.Context(), hash)
		if err != nil {
			if !errors.Is(err, auth.ErrKeyNotFound) {
				zctx.From(r.Context()).Error("API key lookup failed", zap.Error(err))
			}
			writeError(w, r, errInvalidKey)
			return
		}
		if !auth.EqualHash(hash, info.KeyHash) {
			writeError(w, r, errInvalidKey)
			return
		}

		caller := info.Caller()
		ctx := auth.WithCaller(r.Context(), caller)
		ctx = zctx.With(ctx, zap.String("caller_id", caller.ID), zap.String("api_key_id", info.ID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin rejects callers without the admin scope.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !callerOf(r).Admin {
			writeError(w, r, errForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

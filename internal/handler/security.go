package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/apperr"
	"github.com/xenking/kart-checkout/internal/domain/auth"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "api_key"

var (
	errUnauthorized = apperr.Authorization("unauthorized", "missing or invalid API key")
	errForbidden    = apperr.Authorization("forbidden", "API key lacks the required scope")
)

// SecurityHandler authenticates API requests via HMAC-SHA256 hashed API keys.
type SecurityHandler struct {
	apikeys auth.Repository
	pepper  []byte
}

// NewSecurityHandler creates a SecurityHandler with the given API key
// repository and HMAC pepper.
func NewSecurityHandler(apikeys auth.Repository, pepper []byte) *SecurityHandler {
	return &SecurityHandler{
		apikeys: apikeys,
		pepper:  pepper,
	}
}

// HashAPIKey returns the hex HMAC-SHA256 of key under pepper, the form in
// which keys are stored.
func HashAPIKey(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// HandleAPIKey authenticates key by computing its HMAC-SHA256, looking it up
// in the repository, and performing a constant-time comparison to prevent
// timing attacks. The returned context carries the key as principal.
func (s *SecurityHandler) HandleAPIKey(ctx context.Context, key string) (context.Context, error) {
	if key == "" {
		return ctx, errUnauthorized
	}
	mac := hmac.New(sha256.New, s.pepper)
	mac.Write([]byte(key))
	hash := mac.Sum(nil)

	info, err := s.apikeys.FindByHash(ctx, hex.EncodeToString(hash))
	if err != nil {
		return ctx, errUnauthorized.Wrap(err)
	}

	// The stored hash could differ from what we computed if the repository
	// returns a stale or wrong row.
	storedBytes, err := hex.DecodeString(info.KeyHash)
	if err != nil {
		return ctx, errUnauthorized.Wrap(errors.Wrap(err, "decode stored hash"))
	}
	if subtle.ConstantTimeCompare(hash, storedBytes) != 1 {
		return ctx, errUnauthorized
	}

	ctx = auth.WithPrincipal(ctx, info)
	ctx = zctx.With(ctx, zap.String("api_key_id", info.ID), zap.Int64("user_id", info.UserID))
	return ctx, nil
}

// Authenticate rejects requests without a valid API key.
func (s *SecurityHandler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := s.HandleAPIKey(r.Context(), r.Header.Get(APIKeyHeader))
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope rejects authenticated requests whose key lacks scope. Admin
// keys pass every scope check.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, ok := auth.PrincipalFrom(r.Context())
			if !ok {
				writeError(w, r, errUnauthorized)
				return
			}
			if !info.HasScope(scope) && !info.HasScope(auth.ScopeAdmin) {
				zctx.From(r.Context()).Debug("Scope denied", zap.String("scope", scope))
				writeJSON(w, http.StatusForbidden, errorResponse{
					Code:    http.StatusForbidden,
					Error:   errForbidden.Code,
					Message: errForbidden.Message,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

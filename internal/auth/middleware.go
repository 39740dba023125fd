package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// LocalDevSubject is the user of every request when auth is disabled.
const LocalDevSubject = "local-dev"

// MiddlewareConfig controls auth enforcement behavior.
type MiddlewareConfig struct {
	PublicPaths map[string]bool
	DisableAuth bool
}

// Middleware enforces bearer token auth and injects claims into the request context.
func Middleware(verifier *Verifier, cfg MiddlewareConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.DisableAuth {
			claims := &Claims{Subject: LocalDevSubject, Issuer: "local"}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
			return
		}
		if cfg.PublicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		if verifier == nil {
			respondUnauthorized(w, "auth verifier not configured")
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			slog.Debug("auth.Middleware: missing Authorization header", "path", r.URL.Path)
			respondUnauthorized(w, "missing authorization header")
			return
		}
		token, ok := extractBearerToken(header)
		if !ok {
			slog.Debug("auth.Middleware: malformed Authorization header", "path", r.URL.Path)
			respondUnauthorized(w, "invalid authorization header")
			return
		}
		claims, err := verifier.Verify(token)
		if err != nil {
			slog.Warn("auth.Middleware: token invalid", "path", r.URL.Path, "error", err)
			respondUnauthorized(w, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func extractBearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", false
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func respondUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "message": message})
}

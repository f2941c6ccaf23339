package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"huddle/internal/repo"
)

type AuthConfig struct {
	JWTSecret              string
	AllowLegacyActorHeader bool
	Logger                 *log.Logger
}

// Principal identifies the authenticated caller. Session issuance happens
// outside this service; the server only verifies what it is handed.
type Principal struct {
	ActorID string
	Source  string
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorIDFromContext(ctx context.Context) (string, error) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p.ActorID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ActorID: claims.Subject, Source: "jwt"}, nil
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if apiKey.ActorID == "" {
		return Principal{}, errors.New("api key missing actor")
	}
	return Principal{ActorID: apiKey.ActorID, Source: "api_key"}, nil
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	open := map[string]bool{
		basePath + "/health": true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			if h := req.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				p, err := authenticateJWT(strings.TrimPrefix(h, "Bearer "), cfg.JWTSecret)
				if err == nil {
					next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
					return
				}
				cfg.logger().Printf("auth: jwt rejected: %v", err)
			}
			if key := req.Header.Get("X-Api-Key"); key != "" {
				p, err := authenticateAPIKey(req.Context(), r, key)
				if err == nil {
					next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
					return
				}
				cfg.logger().Printf("auth: api key rejected: %v", err)
			}
			if cfg.AllowLegacyActorHeader {
				if actor := req.Header.Get("X-Actor-ID"); actor != "" {
					p := Principal{ActorID: actor, Source: "header"}
					next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
					return
				}
			}
			writeUnauthorized(w)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":{"code":"unauthorized","message":"authentication required"}}`))
}

package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"foreman/internal/repo"
)

// AuthConfig controls request authentication.
type AuthConfig struct {
	// JWTSecret signs and verifies bearer tokens. Required unless
	// AllowAnonymous is set.
	JWTSecret string

	// AllowAnonymous lets unauthenticated requests through with a
	// local principal. Meant for single-user workstation use.
	AllowAnonymous bool

	Logger *log.Logger
}

// Principal identifies the authenticated caller.
type Principal struct {
	ActorID string
	Source  string // "jwt", "api_key", "header" or "anonymous"
}

type principalKey struct{}

type jwtClaims struct {
	jwt.RegisteredClaims
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok || p.ActorID == "" {
		return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return p, nil
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	p, err := principalFromRequest(ctx)
	if err != nil {
		return "", err
	}
	return p.ActorID, nil
}

// newAuthMiddleware resolves a Principal for every request under basePath.
// Order: bearer JWT, then X-Api-Key, then X-Actor-Id or the anonymous
// fallback when AllowAnonymous is set.
func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			p := req.URL.Path
			if p == healthPath || p == devLoginPath || !strings.HasPrefix(p, basePath) {
				next.ServeHTTP(w, req)
				return
			}

			if token := bearerToken(req.Header.Get("Authorization")); token != "" {
				principal, err := authenticateJWT(cfg.JWTSecret, token)
				if err != nil {
					logger.Printf("auth: jwt rejected: %v", err)
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid token", nil))
					return
				}
				serveWithPrincipal(next, w, req, principal)
				return
			}

			if rawKey := strings.TrimSpace(req.Header.Get("X-Api-Key")); rawKey != "" {
				key, err := r.GetAPIKeyByHash(req.Context(), repo.HashAPIKey(rawKey))
				if err != nil {
					logger.Printf("auth: api key rejected: %v", err)
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid api key", nil))
					return
				}
				serveWithPrincipal(next, w, req, Principal{ActorID: key.ActorID, Source: "api_key"})
				return
			}

			if cfg.AllowAnonymous {
				if actor := strings.TrimSpace(req.Header.Get("X-Actor-Id")); actor != "" {
					serveWithPrincipal(next, w, req, Principal{ActorID: actor, Source: "header"})
					return
				}
				serveWithPrincipal(next, w, req, Principal{ActorID: "local-user", Source: "anonymous"})
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func serveWithPrincipal(next http.Handler, w http.ResponseWriter, req *http.Request, p Principal) {
	ctx := context.WithValue(req.Context(), principalKey{}, p)
	next.ServeHTTP(w, req.WithContext(ctx))
}

func authenticateJWT(secret, token string) (Principal, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	if _, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}); err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, jwt.ErrTokenInvalidSubject
	}
	return Principal{ActorID: claims.Subject, Source: "jwt"}, nil
}

func signDevToken(secret, actorID string) (string, error) {
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	if apiErr, ok := err.(*apiError); ok {
		json.NewEncoder(w).Encode(map[string]any{"error": apiErr.Body})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{
		"code":    defaultCodeForStatus(err.GetStatus()),
		"message": err.Error(),
	}})
}

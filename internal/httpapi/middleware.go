package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"agentqueue/internal/store"
)

const requestIDHeader = "X-Request-Id"

type contextKey string

const ctxPrincipal contextKey = "principal"

// Principal is the resolved caller identity: either a session (full
// permissions) or an API key (its stored read/write flags).
type Principal struct {
	TenantID string
	Agent    string
	CanRead  bool
	CanWrite bool
}

func principalFromContext(ctx context.Context) Principal {
	p, _ := ctx.Value(ctxPrincipal).(Principal)
	return p
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(requestIDHeader) == "" {
			var b [12]byte
			_, _ = rand.Read(b[:])
			r.Header.Set(requestIDHeader, hex.EncodeToString(b[:]))
		}
		w.Header().Set(requestIDHeader, r.Header.Get(requestIDHeader))
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s in %s", r.Method, r.URL.Path, r.Header.Get(requestIDHeader), time.Since(start).String())
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				writeError(w, http.StatusInternalServerError, "panic", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the caller to a Principal before any handler runs.
// A missing credential and a bad credential get distinct error codes so
// misconfigured clients can tell the two apart.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || strings.HasPrefix(r.URL.Path, "/v1/auth/") {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeError(w, http.StatusUnauthorized, "missing_credentials", "authorization header required")
			return
		}
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			writeError(w, http.StatusUnauthorized, "missing_credentials", "bearer token required")
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))

		var p Principal

		// Session tokens carry full permissions for their account.
		if accountID, accountName, err := parseJWT(token); err == nil {
			p = Principal{TenantID: accountID, Agent: accountName, CanRead: true, CanWrite: true}
		} else {
			key, err := s.store.GetAPIKeyByHash(r.Context(), hashAPIKey(token))
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					writeError(w, http.StatusUnauthorized, "invalid_credentials", "unrecognized credential")
					return
				}
				writeError(w, http.StatusInternalServerError, "internal", "credential lookup failed")
				return
			}
			if key.Revoked {
				writeError(w, http.StatusUnauthorized, "invalid_credentials", "key has been revoked")
				return
			}
			if err := s.store.TouchAPIKey(r.Context(), key.ID); err != nil {
				log.Printf("[auth] touch key %s: %v", key.ID, err)
			}
			p = Principal{TenantID: key.TenantID, Agent: key.AgentName, CanRead: key.CanRead, CanWrite: key.CanWrite}
		}

		switch r.Method {
		case http.MethodGet, http.MethodHead:
			if !p.CanRead {
				writeError(w, http.StatusForbidden, "forbidden", "credential lacks read permission")
				return
			}
		default:
			if !p.CanWrite {
				writeError(w, http.StatusForbidden, "forbidden", "credential lacks write permission")
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxPrincipal, p)))
	})
}

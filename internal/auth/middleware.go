// Package auth resolves the tenant a request acts for. Identities are
// issued elsewhere; this service only verifies tokens it is given.
package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nikhilbhutani/groundedqa/internal/tenant"
)

type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// TenantMiddleware puts the tenant id on the request context. With a
// secret configured the id comes from the tenant_id claim of an HS256
// bearer token; otherwise it is read from the tenant header.
type TenantMiddleware struct {
	secret []byte
	header string
	parser *jwt.Parser
}

func NewTenantMiddleware(secret, header string) *TenantMiddleware {
	if header == "" {
		header = "X-Tenant-ID"
	}
	return &TenantMiddleware{
		secret: []byte(secret),
		header: header,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}), jwt.WithExpirationRequired()),
	}
}

func (m *TenantMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, status, msg := m.resolve(r)
		if status != 0 {
			writeError(w, status, msg)
			return
		}
		if err := tenant.Validate(id); err != nil {
			writeError(w, http.StatusBadRequest, "invalid tenant id")
			return
		}
		next.ServeHTTP(w, r.WithContext(tenant.WithID(r.Context(), id)))
	})
}

func (m *TenantMiddleware) resolve(r *http.Request) (string, int, string) {
	if len(m.secret) == 0 {
		id := strings.TrimSpace(r.Header.Get(m.header))
		if id == "" {
			return "", http.StatusUnauthorized, fmt.Sprintf("missing %s header", m.header)
		}
		return id, 0, ""
	}

	tokenStr := extractBearerToken(r)
	if tokenStr == "" {
		return "", http.StatusUnauthorized, "missing authorization token"
	}

	claims := &Claims{}
	token, err := m.parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return "", http.StatusUnauthorized, "invalid token"
	}
	if claims.TenantID == "" {
		return "", http.StatusForbidden, "token carries no tenant"
	}
	return claims.TenantID, 0, ""
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

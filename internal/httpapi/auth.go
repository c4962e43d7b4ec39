package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Context key for caller data
type contextKey string

const callerContextKey contextKey = "caller"

// JWTClaims represents the claims in the JWT token
type JWTClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id,omitempty"`
}

// Caller is the authenticated client in request context.
type Caller struct {
	ID string
}

var errMissingToken = errors.New("missing token")

// withAuth requires a valid HS256 JWT when a secret is configured. The token
// comes from the Authorization header or, for browser WebSocket clients that
// cannot set headers, from the token query parameter.
func (r *Router) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.cfg.JWTSecret == "" {
			next.ServeHTTP(w, req)
			return
		}

		tokenString, err := bearerToken(req)
		if err != nil {
			http.Error(w, fmt.Sprintf(`{"error": %q}`, err.Error()), http.StatusUnauthorized)
			return
		}

		claims, err := parseToken(tokenString, r.cfg.JWTSecret)
		if err != nil {
			http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
			return
		}

		caller := &Caller{ID: claims.UserID}
		if caller.ID == "" {
			caller.ID = claims.Subject
		}
		ctx := context.WithValue(req.Context(), callerContextKey, caller)
		next.ServeHTTP(w, req.WithContext(ctx))
	}
}

func bearerToken(req *http.Request) (string, error) {
	if authHeader := req.Header.Get("Authorization"); authHeader != "" {
		// Expect "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return "", errors.New("invalid authorization format")
		}
		return parts[1], nil
	}
	if t := req.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	return "", errMissingToken
}

func parseToken(tokenString, secret string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// getCaller extracts the authenticated caller from context
func getCaller(ctx context.Context) *Caller {
	caller, _ := ctx.Value(callerContextKey).(*Caller)
	return caller
}

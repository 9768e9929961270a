package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type contextKey string

const OperatorKey contextKey = "operator"

// Operator is the gate staff member or scanner device behind an API key.
type Operator struct {
	ID     string
	Name   string
	APIKey string
}

// open paths skip authentication
var openPaths = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/live":    true,
	"/metrics": true,
}

// APIKeyAuth resolves the Authorization header to an Operator. The operator
// becomes scanned_by / undone_by on every write made with that key.
func APIKeyAuth(operators []Operator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if openPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			if auth == "" {
				http.Error(w, "missing Authorization header", http.StatusUnauthorized)
				return
			}

			// "Bearer <key>" and bare "<key>" are both accepted
			apiKey := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			if apiKey == "" {
				http.Error(w, "invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			op, ok := matchKey(operators, apiKey)
			if !ok {
				http.Error(w, "invalid API key", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), OperatorKey, op)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// matchKey compares in constant time and visits every operator
func matchKey(operators []Operator, apiKey string) (Operator, bool) {
	var found Operator
	ok := false
	for _, op := range operators {
		if op.APIKey == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(op.APIKey)) == 1 && !ok {
			found, ok = op, true
		}
	}
	return found, ok
}

// OperatorFromContext returns the authenticated operator, if any.
func OperatorFromContext(ctx context.Context) (Operator, bool) {
	op, ok := ctx.Value(OperatorKey).(Operator)
	return op, ok
}

package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const callerKey contextKey = "caller"

// Anonymous is the caller recorded when authentication is disabled
const Anonymous = "anonymous"

// authenticate takes the caller identity from an HS256 bearer token's
// subject. With no secret configured every caller is Anonymous.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.secret) == 0 {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, Anonymous)))
			return
		}

		header := r.Header.Get("Authorization")
		scheme, raw, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || raw == "" {
			writeProblem(w, http.StatusUnauthorized, "unauthorized", "bearer token required")
			return
		}

		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return s.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err == nil && claims.Subject == "" {
			err = errors.New("token has no subject")
		}
		if err != nil {
			s.log.Debug("rejected token").Err(err).Send()
			writeProblem(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, claims.Subject)))
	})
}

// Caller returns the authenticated identity stored on ctx
func Caller(ctx context.Context) string {
	if c, ok := ctx.Value(callerKey).(string); ok {
		return c
	}
	return Anonymous
}

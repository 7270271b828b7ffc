package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	chimw "github.com/go-chi/chi/v5/middleware"
)

type contextKey string

const contextKeySubject contextKey = "jwt_subject"

// AuthConfig enables HS256 bearer authentication on the escrow routes. An
// empty Secret disables it.
type AuthConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
	Leeway   time.Duration
	// Now overrides the verification clock in tests.
	Now func() time.Time
}

type jwtVerifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

func newJWTVerifier(cfg AuthConfig) *jwtVerifier {
	if len(cfg.Secret) == 0 {
		return nil
	}
	return &jwtVerifier{
		secret:   cfg.Secret,
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		leeway:   cfg.Leeway,
		now:      cfg.Now,
	}
}

// Verify checks the signature and registered claims and returns the subject.
func (v *jwtVerifier) Verify(token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	if v.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(v.leeway))
	}
	if v.now != nil {
		opts = append(opts, jwt.WithTimeFunc(v.now))
	}
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("token validation failed")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", errors.New("token subject missing")
	}
	return subject, nil
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
			writeUnauthorized(w, r, "missing bearer token")
			return
		}
		subject, err := s.verifier.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			s.logger.Warn("rejected bearer token",
				slog.String("path", r.URL.Path),
				slog.String("requestId", chimw.GetReqID(r.Context())),
				slog.String("error", err.Error()))
			writeUnauthorized(w, r, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeySubject, subject)))
	})
}

// SubjectFromContext returns the authenticated caller, if any.
func SubjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(contextKeySubject).(string)
	return subject
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="escrowd"`)
	writeJSON(w, http.StatusUnauthorized, map[string]errorBody{"error": {
		Kind:      "unauthorized",
		Message:   message,
		RequestID: chimw.GetReqID(r.Context()),
	}})
}

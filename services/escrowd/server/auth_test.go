package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const authTestSecret = "escrowd-auth-secret"

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func newAuthServer(t *testing.T, now time.Time) http.Handler {
	t.Helper()
	srv, err := New(Config{
		Service:  stubService{},
		Gatherer: prometheus.NewRegistry(),
		Auth: AuthConfig{
			Secret:   []byte(authTestSecret),
			Issuer:   "escrow-platform",
			Audience: "escrowd",
			Now:      func() time.Time { return now },
		},
	})
	require.NoError(t, err)
	return srv.Handler()
}

func TestAuthenticationGuardsEscrowRoutes(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	handler := newAuthServer(t, now)
	valid := jwt.RegisteredClaims{
		Subject:   "frontend",
		Issuer:    "escrow-platform",
		Audience:  jwt.ClaimStrings{"escrowd"},
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + signToken(t, "other", valid), want: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + signToken(t, authTestSecret, jwt.RegisteredClaims{
			Subject: "frontend", Issuer: "escrow-platform", Audience: jwt.ClaimStrings{"escrowd"},
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
		}), want: http.StatusUnauthorized},
		{name: "wrong audience", header: "Bearer " + signToken(t, authTestSecret, jwt.RegisteredClaims{
			Subject: "frontend", Issuer: "escrow-platform", Audience: jwt.ClaimStrings{"other"},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		}), want: http.StatusUnauthorized},
		// A valid token reaches the handler, which rejects the malformed id.
		{name: "valid", header: "Bearer " + signToken(t, authTestSecret, valid), want: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/escrows/zero/funding", strings.NewReader("{}"))
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestAuthenticationLeavesOperationalRoutesOpen(t *testing.T) {
	handler := newAuthServer(t, time.Now())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

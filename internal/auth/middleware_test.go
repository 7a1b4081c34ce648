package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		require.True(t, ok)
		w.Write([]byte(user.ID))
	})
}

func loginToken(t *testing.T, svc *Service, email string) string {
	t.Helper()
	token, err := svc.Login(context.Background(), email, "password123")
	require.NoError(t, err)
	return token.Token
}

func TestMiddleware_RequireUser(t *testing.T) {
	svc, _ := newTestService()
	user, err := svc.Register(context.Background(), RegisterInput{Email: "a@example.com", Password: "password123"})
	require.NoError(t, err)
	token := loginToken(t, svc, "a@example.com")

	handler := NewMiddleware(svc, nil).RequireUser(okHandler(t))

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"valid token", "Bearer " + token, http.StatusOK},
		{"lowercase scheme", "bearer " + token, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Token " + token, http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/balance", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, user.ID, rec.Body.String())
			} else {
				assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestMiddleware_RequireSuperuser(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	_, err := svc.Register(ctx, RegisterInput{Email: "user@example.com", Password: "password123"})
	require.NoError(t, err)
	_, err = svc.EnsureSuperuser(ctx, "admin@example.com", "password123")
	require.NoError(t, err)

	handler := NewMiddleware(svc, nil).RequireSuperuser(okHandler(t))

	t.Run("superuser passes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/balance/x", nil)
		req.Header.Set("Authorization", "Bearer "+loginToken(t, svc, "admin@example.com"))
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("regular user is forbidden", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/balance/x", nil)
		req.Header.Set("Authorization", "Bearer "+loginToken(t, svc, "user@example.com"))
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.JSONEq(t, `{"message":"forbidden","code":403}`, rec.Body.String())
	})

	t.Run("anonymous is unauthorized", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/balance/x", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

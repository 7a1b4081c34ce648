package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/felipepmaragno/token-gateway/internal/domain"
)

type contextKey string

const userContextKey contextKey = "user"

func WithUser(ctx context.Context, user *domain.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

func UserFromContext(ctx context.Context) (*domain.User, bool) {
	user, ok := ctx.Value(userContextKey).(*domain.User)
	return user, ok
}

// ErrorWriter renders an authentication or authorization failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

type Middleware struct {
	service *Service
	onError ErrorWriter
}

func NewMiddleware(service *Service, onError ErrorWriter) *Middleware {
	if onError == nil {
		onError = defaultErrorWriter
	}
	return &Middleware{service: service, onError: onError}
}

// RequireUser resolves the Bearer token and stores the caller in the request
// context.
func (m *Middleware) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="token-gateway"`)
			m.onError(w, r, domain.ErrAuthenticationRequired)
			return
		}

		user, err := m.service.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, domain.ErrAuthenticationRequired) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="token-gateway", error="invalid_token"`)
			}
			m.onError(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// RequireSuperuser authenticates the caller and answers 403 unless they
// are a superuser.
func (m *Middleware) RequireSuperuser(next http.Handler) http.Handler {
	return m.RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok {
			m.onError(w, r, domain.ErrAuthenticationRequired)
			return
		}
		if !user.IsSuperuser {
			m.onError(w, r, domain.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func defaultErrorWriter(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusUnauthorized
	if errors.Is(err, domain.ErrForbidden) {
		status = http.StatusForbidden
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"message": err.Error(),
		"code":    status,
	})
}

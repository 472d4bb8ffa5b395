package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// ErrorWriter reports an auth failure; it matches security.WriteJSONError.
type ErrorWriter func(http.ResponseWriter, *http.Request, int, string)

type principalKey struct{}

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID string
	Email  string
	Scopes map[string]struct{}
}

func (p *Principal) HasScope(scope string) bool {
	_, ok := p.Scopes[scope]
	return ok
}

func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func bearerToken(r *http.Request) (string, bool) {
	authz := r.Header.Get("Authorization")
	if len(authz) < len("Bearer ") || !strings.EqualFold(authz[:len("Bearer ")], "bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(authz[len("Bearer "):])
	return tok, tok != ""
}

// Authenticate admits requests bearing a valid user token and stores the
// Principal in the request context.
func Authenticate(v *Validator, onError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			tok, ok := bearerToken(r)
			if !ok {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			claims, err := v.Validate(tok)
			if err != nil {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			scopes := make(map[string]struct{}, len(claims.Scopes))
			for _, s := range claims.Scopes {
				scopes[s] = struct{}{}
			}

			p := &Principal{UserID: claims.UserID, Email: claims.Email, Scopes: scopes}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func RequireScopes(onError ErrorWriter, required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			for _, s := range required {
				if !p.HasScope(s) {
					onError(w, r, http.StatusForbidden, "forbidden")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SharedSecret admits requests whose bearer token equals secret. An empty
// secret rejects everything.
func SharedSecret(secret string, onError ErrorWriter) func(http.Handler) http.Handler {
	want := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, ok := bearerToken(r)
			if !ok || len(want) == 0 || subtle.ConstantTimeCompare([]byte(tok), want) != 1 {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

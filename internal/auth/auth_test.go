package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-signing-secret-0123456789abcdef")

func writeErr(w http.ResponseWriter, _ *http.Request, status int, code string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

func akeem(t *testing.T) *User {
	t.Helper()
	hash, err := HashPassword("password123")
	require.NoError(t, err)
	return &User{ID: "user-akeem", Email: "akeem@tunjiax.com", FullName: "Akeem Adeyemi", PasswordHash: hash, Scopes: []string{ScopeBanking}}
}

func TestIssueAndValidate(t *testing.T) {
	issuer := &TokenIssuer{Secret: secret, Issuer: "tunjiax"}
	tok, ttl, err := issuer.Issue(akeem(t))
	require.NoError(t, err)
	assert.Equal(t, DefaultTokenTTL, ttl)

	claims, err := (&Validator{Secret: secret, Issuer: "tunjiax"}).Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-akeem", claims.UserID)
	assert.Equal(t, "akeem@tunjiax.com", claims.Email)
	assert.Equal(t, []string{ScopeBanking}, claims.Scopes)
}

func TestValidateRejects(t *testing.T) {
	u := akeem(t)
	good, _, err := (&TokenIssuer{Secret: secret, Issuer: "tunjiax"}).Issue(u)
	require.NoError(t, err)

	expired, _, err := (&TokenIssuer{
		Secret: secret,
		Issuer: "tunjiax",
		TTL:    time.Minute,
		Now:    func() time.Time { return time.Now().Add(-time.Hour) },
	}).Issue(u)
	require.NoError(t, err)

	otherIssuer, _, err := (&TokenIssuer{Secret: secret, Issuer: "someone-else"}).Issue(u)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "user-akeem"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	v := &Validator{Secret: secret, Issuer: "tunjiax"}
	_, err = v.Validate(good)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"expired":      expired,
		"issuer":       otherIssuer,
		"alg none":     none,
		"garbage":      "not.a.token",
		"wrong secret": mustSign(t, []byte("another-secret"), u),
	} {
		_, err := v.Validate(tok)
		assert.ErrorIs(t, err, ErrInvalidToken, name)
	}

	_, err = (&Validator{}).Validate(good)
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func mustSign(t *testing.T, key []byte, u *User) string {
	tok, _, err := (&TokenIssuer{Secret: key, Issuer: "tunjiax"}).Issue(u)
	require.NoError(t, err)
	return tok
}

func TestAuthenticateAndRequireScopes(t *testing.T) {
	v := &Validator{Secret: secret}
	tok := mustSign(t, secret, akeem(t))

	var got *Principal
	h := Authenticate(v, writeErr)(RequireScopes(writeErr, ScopeBanking)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFromContext(r.Context())
	})))

	req := httptest.NewRequest(http.MethodGet, "/v1/account", nil)
	req.Header.Set("Authorization", "bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "user-akeem", got.UserID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/account", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	attest := Authenticate(v, writeErr)(RequireScopes(writeErr, ScopeBiometricAttest)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})))
	rec = httptest.NewRecorder()
	attest.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSharedSecret(t *testing.T) {
	h := SharedSecret("hook-secret", writeErr)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for header, want := range map[string]int{
		"Bearer hook-secret": http.StatusNoContent,
		"Bearer wrong":       http.StatusUnauthorized,
		"hook-secret":        http.StatusUnauthorized,
		"":                   http.StatusUnauthorized,
	} {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, header)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer ")
	SharedSecret("", writeErr)(http.NotFoundHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMemoryUserStore(t *testing.T) {
	s := NewMemoryUserStore()
	ctx := context.Background()
	u := akeem(t)
	u.Email = " Akeem@TunjiaX.com "
	require.NoError(t, s.CreateUser(ctx, *u))
	assert.ErrorIs(t, s.CreateUser(ctx, *u), ErrDuplicateUser)

	got, err := s.UserByEmail(ctx, "AKEEM@tunjiax.com")
	require.NoError(t, err)
	assert.Equal(t, "akeem@tunjiax.com", got.Email)

	_, err = s.UserByEmail(ctx, "nobody@tunjiax.com")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestLoginHandler(t *testing.T) {
	store := NewMemoryUserStore()
	require.NoError(t, store.CreateUser(context.Background(), *akeem(t)))
	issuer := &TokenIssuer{Secret: secret, Issuer: "tunjiax"}
	h := LoginHandler(store, issuer, nil, writeErr)

	login := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(body)))
		return rec
	}

	rec := login(`{"email":"akeem@tunjiax.com","password":"password123"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp TokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, "user-akeem", resp.UserID)
	assert.Equal(t, int64(DefaultTokenTTL.Seconds()), resp.ExpiresIn)

	claims, err := (&Validator{Secret: secret, Issuer: "tunjiax"}).Validate(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-akeem", claims.UserID)

	assert.Equal(t, http.StatusUnauthorized, login(`{"email":"akeem@tunjiax.com","password":"wrong"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, login(`{"email":"ghost@tunjiax.com","password":"password123"}`).Code)
	assert.Equal(t, http.StatusBadRequest, login(`{"email":""}`).Code)
	assert.Equal(t, http.StatusBadRequest, login(`{`).Code)
}

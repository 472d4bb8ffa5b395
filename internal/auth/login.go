package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	UserID      string `json:"user_id"`
}

var (
	dummyHashOnce sync.Once
	dummyHash     string
)

// burnCompare spends the same bcrypt work as a real check so unknown emails
// are not distinguishable by timing.
func burnCompare(password string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = HashPassword("tunjiax-dummy-password")
	})
	_ = VerifyPassword(dummyHash, password)
}

// LoginHandler exchanges an email and password for a user token.
func LoginHandler(store UserStore, issuer *TokenIssuer, logger *slog.Logger, onError ErrorWriter) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			onError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		if req.Email == "" || req.Password == "" {
			onError(w, r, http.StatusBadRequest, "validation_error")
			return
		}

		u, err := store.UserByEmail(r.Context(), req.Email)
		if err != nil {
			if !errors.Is(err, ErrUserNotFound) {
				logger.ErrorContext(r.Context(), "user lookup failed", "error", err)
				onError(w, r, http.StatusInternalServerError, "internal_error")
				return
			}
			burnCompare(req.Password)
			onError(w, r, http.StatusUnauthorized, "invalid_credentials")
			return
		}
		if !VerifyPassword(u.PasswordHash, req.Password) {
			onError(w, r, http.StatusUnauthorized, "invalid_credentials")
			return
		}

		tok, ttl, err := issuer.Issue(u)
		if err != nil {
			logger.ErrorContext(r.Context(), "token issue failed", "error", err)
			onError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(TokenResponse{
			AccessToken: tok,
			TokenType:   "Bearer",
			ExpiresIn:   int64(ttl.Seconds()),
			UserID:      u.ID,
		})
	}
}

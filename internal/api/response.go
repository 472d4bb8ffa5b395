package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/example/tunjiax-agent/internal/apperr"
	"github.com/example/tunjiax-agent/internal/beneficiary"
	"github.com/example/tunjiax-agent/internal/security"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto a status and a snake_case code. Internal detail
// is logged, never returned.
func writeError(w http.ResponseWriter, r *http.Request, l *slog.Logger, err error) {
	var ae *apperr.Error
	switch {
	case errors.As(err, &ae) && ae.Kind != apperr.KindInternal:
		security.WriteJSONErrorMessage(w, r, apperr.HTTPStatus(ae.Kind), strings.ToLower(ae.Code), ae.Message)
	case errors.Is(err, beneficiary.ErrDuplicate):
		security.WriteJSONErrorMessage(w, r, http.StatusConflict, "duplicate_beneficiary", "A beneficiary with this name is already saved.")
	default:
		l.ErrorContext(r.Context(), "request failed",
			"cid", security.CorrelationIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

// decodeImage accepts standard base64 with or without a data URL prefix.
func decodeImage(s string) ([]byte, error) {
	if i := strings.Index(s, ","); strings.HasPrefix(s, "data:") && i > 0 {
		s = s[i+1:]
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}

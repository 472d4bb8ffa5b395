package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfWrapped(t *testing.T) {
	base := New(KindInsufficientFunds, "INSUFFICIENT_FUNDS", "not enough money")
	err := fmt.Errorf("transfer failed: %w", base)

	assert.Equal(t, KindInsufficientFunds, KindOf(err))
	assert.Equal(t, "INSUFFICIENT_FUNDS", CodeOf(err))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, "INTERNAL", CodeOf(errors.New("boom")))
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(cause, KindInternal, "INTERNAL", "something went wrong")

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(KindValidation))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(KindNotFound))
	assert.Equal(t, http.StatusConflict, HTTPStatus(KindConflict))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(Kind("other")))
}

package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrom_Classified(t *testing.T) {
	err := New(NotFound, "job missing")
	wrapped := fmt.Errorf("handler: %w", err)

	e := From(wrapped)
	require.Equal(t, NotFound, e.Kind)
	require.Equal(t, "NOT_FOUND", e.Code)
	require.Equal(t, http.StatusNotFound, e.Kind.Status())
	require.Equal(t, "job missing", e.Message)
}

func TestFrom_Unclassified(t *testing.T) {
	e := From(errors.New("boom"))
	require.Equal(t, Internal, e.Kind)
	require.Equal(t, http.StatusInternalServerError, e.Kind.Status())
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(cause, Unavailable, "enqueue failed")

	require.ErrorIs(t, err, cause)
	require.True(t, KindOf(err).Retryable())
	require.Equal(t, "enqueue failed: dial tcp: refused", From(err).Error())
	require.Nil(t, Wrap(nil, Internal, "x"))
}

func TestWithCode(t *testing.T) {
	err := WithCode(New(NotFound, "queue missing"), "QUEUE_NOT_FOUND")
	require.Equal(t, "QUEUE_NOT_FOUND", From(err).Code)
}

func TestDetail_IncludesStack(t *testing.T) {
	d := Detail(New(Validation, "bad"))
	require.Contains(t, d, "bad")
	require.Contains(t, d, "apperr_test.go")
}

package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{New(Validation, "op", "bad"), http.StatusBadRequest},
		{New(NoDocument, "op", "No PDF selected"), http.StatusBadRequest},
		{New(NotFound, "op", "missing"), http.StatusNotFound},
		{New(UpstreamUnavailable, "op", "down"), http.StatusServiceUnavailable},
		{New(UpstreamError, "op", "bad reply"), http.StatusBadGateway},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), tt.err.Error())
	}
}

func TestWrapKeepsInnerKind(t *testing.T) {
	inner := New(NotFound, "repo.Get", "job not found")
	err := Wrap(Internal, "service.Get", fmt.Errorf("lookup: %w", inner))

	assert.Equal(t, NotFound, KindOf(err))
	assert.Equal(t, "job not found", Message(err))
}

func TestWrapClassifiesTimeout(t *testing.T) {
	err := Wrap(UpstreamError, "llm.Complete", fmt.Errorf("call: %w", context.DeadlineExceeded))

	assert.Equal(t, UpstreamUnavailable, KindOf(err))
	assert.True(t, Retryable(err))
	assert.Nil(t, Wrap(Internal, "noop", nil))
}

package utils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAsAppErrorClassifies(t *testing.T) {
	conflict := NewConflictError("poll closed", nil)

	tests := []struct {
		name string
		err  error
		code string
	}{
		{"typed error keeps its code", fmt.Errorf("submit: %w", conflict), ErrConflict},
		{"deadline", context.DeadlineExceeded, ErrTransport},
		{"canceled", fmt.Errorf("fetch: %w", context.Canceled), ErrTransport},
		{"anything else", errors.New("boom"), ErrTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := AsAppError(tt.err)
			assert.Equal(t, tt.code, appErr.Code)
			assert.True(t, IsErrorCode(appErr, tt.code))
		})
	}
	assert.Nil(t, AsAppError(nil))
}

func TestAppErrorUnwrapsOrigin(t *testing.T) {
	err := NewTransportError("request did not complete", context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "request did not complete: context canceled", err.Error())
	assert.False(t, IsClientError(err))
	assert.True(t, IsClientError(NewAuthRequiredError("like")))
}

func TestAppErrorToHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, AppErrorToHTTPStatus(ErrValidation))
	assert.Equal(t, http.StatusUnauthorized, AppErrorToHTTPStatus(ErrAuthRequired))
	assert.Equal(t, http.StatusConflict, AppErrorToHTTPStatus(ErrConflict))
	assert.Equal(t, http.StatusBadGateway, AppErrorToHTTPStatus(ErrTransport))
	assert.Equal(t, http.StatusGatewayTimeout, AppErrorToHTTPStatus(ErrActorTimeout))
	assert.Equal(t, http.StatusInternalServerError, AppErrorToHTTPStatus("SOMETHING_ELSE"))
}

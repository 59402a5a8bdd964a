package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"codeberg.org/mutker/telesync/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	errFactory := errors.New()
	cause := stderrors.New("connection refused")

	tests := []struct {
		name string
		err  errors.Error
		want string
	}{
		{"default message", errFactory.New(errors.ErrTransport), "Transport failure"},
		{"custom message", errFactory.WithMessage(errors.ErrRequest, "history fetch failed"), "history fetch failed"},
		{"wrapped", errFactory.Wrap(errors.ErrHandshake, cause), "Transport handshake failed: connection refused"},
		{"data", errFactory.WithData(errors.ErrRequest, 503), "Request failed: 503"},
		{"data and cause", errFactory.Wrap(errors.ErrRequest, cause).WithData("GET /health"), "Request failed: GET /health: connection refused"},
		{"unknown code", errFactory.New(errors.ErrorCode("custom_code")), "custom_code"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestHasCode(t *testing.T) {
	errFactory := errors.New()
	inner := errFactory.New(errors.ErrUnauthorized)
	outer := errFactory.Wrap(errors.ErrRequest, fmt.Errorf("history: %w", inner))

	assert.True(t, errors.HasCode(outer, errors.ErrRequest))
	assert.True(t, errors.HasCode(outer, errors.ErrUnauthorized))
	assert.False(t, errors.HasCode(outer, errors.ErrParse))
	assert.False(t, errors.HasCode(nil, errors.ErrParse))
}

func TestCodeOf(t *testing.T) {
	errFactory := errors.New()

	assert.Equal(t, errors.ErrParse, errors.CodeOf(fmt.Errorf("frame: %w", errFactory.New(errors.ErrParse))))
	assert.Equal(t, errors.ErrorCode(""), errors.CodeOf(stderrors.New("plain")))
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("boom")
	err := errors.New().Wrap(errors.ErrTransport, cause)

	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestDecoratorsKeepCodeAndCause(t *testing.T) {
	cause := stderrors.New("reset by peer")
	err := errors.New().Wrap(errors.ErrTransport, cause).
		WithMessage("push channel lost").
		WithData("ws://host/ws")

	assert.Equal(t, errors.ErrTransport, err.Code())
	assert.Equal(t, "ws://host/ws", err.GetData())
	assert.Equal(t, "push channel lost: ws://host/ws: reset by peer", err.Error())
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, errors.ErrTransport, errors.CodeOf(err))
}

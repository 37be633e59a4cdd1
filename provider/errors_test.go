package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		err    *Error
		expect string
	}{
		{newError("put", "bucket", "a/b", nil, cause), "put bucket/a/b: boom"},
		{newError("list", "bucket", "", nil, cause), "list bucket: boom"},
		{newError("fetch", "", "a", nil, cause), "fetch a: boom"},
		{newError("list", "", "", nil, cause), "list: boom"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.expect {
			t.Errorf("Error() = %q; want %q", got, tt.expect)
		}
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", newError("fetch", "c", "k", ErrNotFound, cause))

	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrTransient)

	plain := newError("fetch", "c", "k", nil, cause)
	assert.ErrorIs(t, plain, cause)
	assert.False(t, IsNotFound(plain))
	assert.False(t, IsTransient(plain))
}

func TestTransientStatus(t *testing.T) {
	for code, want := range map[int]bool{
		200: false, 400: false, 403: false, 404: false,
		408: true, 429: true, 500: true, 502: true, 503: true,
	} {
		if got := transientStatus(code); got != want {
			t.Errorf("transientStatus(%d) = %v; want %v", code, got, want)
		}
	}
}

func TestIsTransportError(t *testing.T) {
	opErr := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	assert.True(t, isTransportError(opErr))
	assert.True(t, isTransportError(fmt.Errorf("read: %w", syscall.ECONNRESET)))
	assert.True(t, isTransportError(context.DeadlineExceeded))
	assert.False(t, isTransportError(context.Canceled))
	assert.False(t, isTransportError(nil))
	assert.False(t, isTransportError(errors.New("validation")))
}

func TestClassifyMinio(t *testing.T) {
	notFound := minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}
	busy := minio.ErrorResponse{Code: "SlowDown", StatusCode: 503}
	denied := minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}

	assert.True(t, IsNotFound(classifyMinio("put", "b", "k", notFound)))
	assert.True(t, IsTransient(classifyMinio("put", "b", "k", busy)))

	err := classifyMinio("put", "b", "k", denied)
	assert.False(t, IsNotFound(err))
	assert.False(t, IsTransient(err))
}

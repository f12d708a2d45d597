package ping

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	out := NewExecutor().Execute(context.Background(), ts.URL)
	require.Equal(t, Success, out.Kind)
	assert.Equal(t, http.StatusOK, out.StatusCode)
	assert.Equal(t, "ok", string(out.Body))
	assert.Nil(t, out.Err)
	assert.False(t, out.CheckedAt.IsZero())
}

func TestExecuteServerErrorIsStillSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	out := NewExecutor().Execute(context.Background(), ts.URL)
	assert.Equal(t, Success, out.Kind)
	assert.Equal(t, http.StatusInternalServerError, out.StatusCode)
}

func TestExecuteConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	out := NewExecutor().Execute(context.Background(), "http://"+addr)
	require.Equal(t, Failure, out.Kind)
	assert.Equal(t, 0, out.StatusCode)
	assert.Zero(t, out.Latency)
	require.NotNil(t, out.Err)

	var te *TransportError
	assert.True(t, errors.As(error(out.Err), &te))
}

func TestExecuteTimeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	start := time.Now()
	out := NewExecutor(WithTimeout(50*time.Millisecond)).Execute(context.Background(), ts.URL)
	assert.Equal(t, Failure, out.Kind)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecuteInvalidURL(t *testing.T) {
	out := NewExecutor().Execute(context.Background(), "://nope")
	assert.Equal(t, Failure, out.Kind)
	require.NotNil(t, out.Err)
	assert.Contains(t, out.Err.Error(), "://nope")
}

func TestExecuteBodyLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 1000)))
	}))
	defer ts.Close()

	out := NewExecutor(WithBodyLimit(10)).Execute(context.Background(), ts.URL)
	require.Equal(t, Success, out.Kind)
	assert.Len(t, out.Body, 10)
}

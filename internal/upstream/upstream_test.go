package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write(append([]byte("echo:"), body...))
	}))
	defer srv.Close()

	p := NewHTTPProvider(Config{BaseURL: srv.URL, Timeout: time.Second})
	out, err := p.Submit(context.Background(), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "echo:hello", string(out))
}

func TestSubmit_RetriesOnceOn503(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	p := NewHTTPProvider(Config{BaseURL: srv.URL, Timeout: time.Second})
	out, err := p.Submit(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(out))
	assert.Equal(t, 2, calls)
}

func TestSubmit_NonRetriableErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewHTTPProvider(Config{BaseURL: srv.URL, Timeout: time.Second})
	_, err := p.Submit(context.Background(), []byte("x"))
	require.Error(t, err)
}

func TestStream_DeliversChunksThenDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("partial-a"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		w.Write([]byte("partial-b"))
	}))
	defer srv.Close()

	p := NewHTTPProvider(Config{BaseURL: srv.URL, Timeout: time.Second})
	ch, err := p.Stream(context.Background(), []byte("x"))
	require.NoError(t, err)

	var collected []byte
	sawDone := false
	for chunk := range ch {
		if chunk.Done {
			sawDone = true
			continue
		}
		collected = append(collected, chunk.Data...)
	}
	assert.True(t, sawDone)
	assert.Equal(t, "partial-apartial-b", string(collected))
}

// Package upstream implements the Upstream Adapter (component J):
// forwarding a ciphertext blob to an external provider and streaming
// partial results back, behind a circuit breaker and an optional
// SPIFFE-verified mTLS transport.
package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ocx/cipher-gateway/internal/circuitbreaker"
	"github.com/ocx/cipher-gateway/internal/gwerrors"
)

// Chunk is one partial result delivered by Stream, fed straight
// through to the SSE surface described in spec.md §6.
type Chunk struct {
	Data []byte
	Done bool
}

// Provider is the contract an upstream implementation satisfies, per
// spec.md §4.J.
type Provider interface {
	Submit(ctx context.Context, blob []byte) ([]byte, error)
	Stream(ctx context.Context, blob []byte) (<-chan Chunk, error)
}

// Config configures the HTTP provider.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	MTLS        bool
	TLSConfig   *tls.Config // supplied by the caller when MTLS is enabled
	BreakerName string
}

// HTTPProvider is the concrete Provider named in spec.md §4.J: a plain
// HTTP client wrapped in a circuit breaker, with retry limited to the
// single idempotent case spec.md §7 carves out (a 503 before any
// homomorphic mutation has occurred).
type HTTPProvider struct {
	client  *http.Client
	baseURL string
	breaker *circuitbreaker.CircuitBreaker
}

// NewHTTPProvider constructs an HTTPProvider from cfg. When cfg.MTLS is
// set, the caller is expected to have built cfg.TLSConfig from a
// SPIFFE X.509 source (internal/identity.SPIFFESource.TLSConfig),
// per spec.md §4.J.
func NewHTTPProvider(cfg Config) *HTTPProvider {
	transport := &http.Transport{}
	if cfg.MTLS && cfg.TLSConfig != nil {
		transport.TLSClientConfig = cfg.TLSConfig
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	name := cfg.BreakerName
	if name == "" {
		name = "upstream"
	}

	return &HTTPProvider{
		client:  &http.Client{Transport: transport, Timeout: timeout},
		baseURL: cfg.BaseURL,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig(name)),
	}
}

// Submit forwards blob to the provider and returns its response body,
// per spec.md §4.J's `Submit(ctx, blob) (resultBlob, error)`.
func (p *HTTPProvider) Submit(ctx context.Context, blob []byte) ([]byte, error) {
	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.doSubmit(ctx, blob)
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return nil, gwerrors.Wrap(gwerrors.UpstreamFailed, err, "upstream-unavailable").WithStatus(503)
		}
		return nil, gwerrors.Wrap(gwerrors.UpstreamFailed, err, "upstream-request-failed")
	}
	return result.([]byte), nil
}

func (p *HTTPProvider) doSubmit(ctx context.Context, blob []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		body, status, err := p.post(ctx, blob)
		if err != nil {
			return nil, err
		}
		if status == http.StatusServiceUnavailable && attempt == 0 {
			// spec.md §7: retry only this one idempotent case, and only
			// before any homomorphic mutation has happened — Submit is
			// called with the plaintext-encrypted ciphertext blob, not a
			// half-applied op result, so a single retry is safe here.
			lastErr = errors.New("upstream returned 503, retrying once")
			continue
		}
		if status >= 400 {
			return nil, &httpStatusError{status: status}
		}
		return body, nil
	}
	return nil, lastErr
}

func (p *HTTPProvider) post(ctx context.Context, blob []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/submit", bytes.NewReader(blob))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

// Stream forwards blob to the provider's streaming endpoint and
// delivers each chunk as it arrives, per spec.md §4.J's
// `Stream(ctx, blob) (<-chan Chunk, error)`.
func (p *HTTPProvider) Stream(ctx context.Context, blob []byte) (<-chan Chunk, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/stream", bytes.NewReader(blob))
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.UpstreamFailed, err, "upstream-request-failed")
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.UpstreamFailed, err, "upstream-request-failed")
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, gwerrors.Newf(gwerrors.UpstreamFailed, "upstream-stream-rejected: status %d", resp.StatusCode)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case out <- Chunk{Data: chunk}:
				case <-ctx.Done():
					return
				}
			}
			if err == io.EOF {
				select {
				case out <- Chunk{Done: true}:
				case <-ctx.Done():
				}
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out, nil
}

type httpStatusError struct{ status int }

func (e *httpStatusError) Error() string {
	return gwerrors.Newf(gwerrors.UpstreamFailed, "upstream returned status %d", e.status).Error()
}

package sdk

import (
	"log/slog"
	"net/http"
	"time"
)

// WrapHTTPClient returns an http.Client that stamps every outbound
// request with clientID's X-Client-ID header and logs latency/status,
// so an embedding application's existing HTTP client can address the
// gateway without repeating that bookkeeping at every call site.
//
//	governed := sdk.WrapHTTPClient("agent-42", http.DefaultClient)
//	resp, err := governed.Get("https://gateway.example.com/v1/ciphertexts/" + id)
func WrapHTTPClient(clientID string, wrapped *http.Client) *http.Client {
	return &http.Client{
		Timeout: wrapped.Timeout,
		Transport: &clientIDTransport{
			clientID: clientID,
			wrapped:  wrapped.Transport,
		},
	}
}

type clientIDTransport struct {
	clientID string
	wrapped  http.RoundTripper
}

func (t *clientIDTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	transport := t.wrapped
	if transport == nil {
		transport = http.DefaultTransport
	}
	if t.clientID != "" && req.Header.Get("X-Client-ID") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("X-Client-ID", t.clientID)
	}

	resp, err := transport.RoundTrip(req)
	if err == nil {
		slog.Info("gateway-sdk request", "method", req.Method, "path", req.URL.Path, "status_code", resp.StatusCode, "elapsed", time.Since(start))
	}
	return resp, err
}

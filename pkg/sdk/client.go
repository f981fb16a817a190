// Package sdk is the client library for the confidential inference
// gateway's REST/SSE surface, per spec.md §6. Embed this in a caller
// that wants to generate keys, submit ciphertexts, and stream upstream
// results without hand-rolling the wire format.
//
// Quick start:
//
//	client := sdk.NewClient(sdk.Config{
//	    GatewayURL: "https://gateway.example.com",
//	})
//	keys, err := client.GenerateKeys(ctx, sdk.GenerateKeysRequest{
//	    Degree: 8192, CoeffModBits: []int{40, 40, 40}, ScaleBits: 40,
//	    SecurityLevel: 128,
//	})
package sdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config holds the SDK client configuration.
type Config struct {
	// GatewayURL is the gateway's base URL (required).
	// Example: "https://gateway.example.com", "http://localhost:8080"
	GatewayURL string

	// ClientID header value sent as X-Client-ID on every request, used
	// by the gateway's rate limiter to key its sliding window.
	ClientID string

	// Timeout for non-streaming requests (default 30s).
	Timeout time.Duration
}

// Client is the gateway SDK client.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a new gateway SDK client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.GatewayURL = strings.TrimRight(cfg.GatewayURL, "/")
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gateway-sdk: marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.GatewayURL+path, reader)
	if err != nil {
		return fmt.Errorf("gateway-sdk: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.ClientID != "" {
		req.Header.Set("X-Client-ID", c.config.ClientID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway-sdk: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("gateway-sdk: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr APIError
		if jsonErr := json.Unmarshal(respBody, &apiErr); jsonErr == nil && apiErr.Code != "" {
			return &apiErr
		}
		return fmt.Errorf("gateway-sdk: request failed with status %d", resp.StatusCode)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("gateway-sdk: parse response: %w", err)
	}
	return nil
}

// GenerateKeys creates a fresh client/server key pair.
func (c *Client) GenerateKeys(ctx context.Context, req GenerateKeysRequest) (*KeyPair, error) {
	var out KeyPair
	if err := c.do(ctx, http.MethodPost, "/v1/keys", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RotateKey issues a fresh server key for clientID.
func (c *Client) RotateKey(ctx context.Context, clientID string) (string, error) {
	var out struct {
		ServerID string `json:"server_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/keys/"+clientID+"/rotate", nil, &out); err != nil {
		return "", err
	}
	return out.ServerID, nil
}

// RevokeKey disables clientID's key lineage.
func (c *Client) RevokeKey(ctx context.Context, clientID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/keys/"+clientID, nil, nil)
}

// Encrypt submits plaintext for encryption under clientID's key,
// returning the new ciphertext's id.
func (c *Client) Encrypt(ctx context.Context, clientID string, plaintext []byte) (string, error) {
	req := map[string]string{
		"client_id": clientID,
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	}
	var out CiphertextRef
	if err := c.do(ctx, http.MethodPost, "/v1/ciphertexts/encrypt", req, &out); err != nil {
		return "", err
	}
	return out.CiphertextID, nil
}

// Decrypt requests decryption of ciphertextID under clientID's key.
func (c *Client) Decrypt(ctx context.Context, clientID, ciphertextID string) ([]byte, error) {
	req := map[string]string{"client_id": clientID}
	var out struct {
		Plaintext string `json:"plaintext"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/ciphertexts/"+ciphertextID+"/decrypt", req, &out); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(out.Plaintext)
}

// Concat homomorphically concatenates ciphertexts a and b.
func (c *Client) Concat(ctx context.Context, clientID, a, b string) (string, error) {
	req := map[string]string{"client_id": clientID, "a": a, "b": b}
	var out CiphertextRef
	if err := c.do(ctx, http.MethodPost, "/v1/ciphertexts/concat", req, &out); err != nil {
		return "", err
	}
	return out.CiphertextID, nil
}

// Refresh bootstraps a fresh copy of id with its noise budget reset.
func (c *Client) Refresh(ctx context.Context, clientID, id string) (string, error) {
	req := map[string]string{"client_id": clientID}
	var out CiphertextRef
	if err := c.do(ctx, http.MethodPost, "/v1/ciphertexts/"+id+"/refresh", req, &out); err != nil {
		return "", err
	}
	return out.CiphertextID, nil
}

// GetCiphertext reports id's status and remaining noise budget without
// mutating it.
func (c *Client) GetCiphertext(ctx context.Context, id string) (*CiphertextStatus, error) {
	var out CiphertextStatus
	if err := c.do(ctx, http.MethodGet, "/v1/ciphertexts/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteCiphertext reclaims id's payload immediately.
func (c *Client) DeleteCiphertext(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/ciphertexts/"+id, nil, nil)
}

// SubmitUpstream forwards ciphertextID to the upstream provider and
// returns the id of the resulting ciphertext once the full response
// has arrived. For an incremental view of the response as it
// generates, use StreamUpstream instead.
func (c *Client) SubmitUpstream(ctx context.Context, clientID, ciphertextID string) (string, error) {
	req := map[string]string{"client_id": clientID, "ciphertext_id": ciphertextID}
	var out CiphertextRef
	if err := c.do(ctx, http.MethodPost, "/v1/upstream/submit", req, &out); err != nil {
		return "", err
	}
	return out.CiphertextID, nil
}

// GetAccounting returns principal's current privacy-budget ledger state.
func (c *Client) GetAccounting(ctx context.Context, principal string) (*AccountingSnapshot, error) {
	var out AccountingSnapshot
	if err := c.do(ctx, http.MethodGet, "/v1/accounting/"+principal, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResetAccounting clears principal's consumed-epsilon ledger.
func (c *Client) ResetAccounting(ctx context.Context, principal string) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/accounting/"+principal+"/reset", nil, nil)
}

// StreamUpstream opens the SSE stream for ciphertextID: the gateway
// starts its own streaming upstream request for that ciphertext on each
// call (it does not attach to a submission made through SubmitUpstream)
// and delivers one StreamEvent per server event (`delta`, then a
// terminal `done`) onto the returned channel, which is closed when the
// stream ends or ctx is cancelled.
func (c *Client) StreamUpstream(ctx context.Context, clientID, ciphertextID string) (<-chan StreamEvent, error) {
	url := fmt.Sprintf("%s/v1/upstream/%s/stream?client_id=%s", c.config.GatewayURL, ciphertextID, clientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway-sdk: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway-sdk: request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		var apiErr APIError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != "" {
			return nil, &apiErr
		}
		return nil, fmt.Errorf("gateway-sdk: stream request failed with status %d", resp.StatusCode)
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		var event string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				var ev StreamEvent
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
					continue
				}
				ev.Event = event
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if event == "done" {
					return
				}
			}
		}
	}()
	return out, nil
}

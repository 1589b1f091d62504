// Package hass is a thin client for the Home Assistant REST API.
package hass

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Response bodies larger than this are rejected.
const maxResponseBytes = 8 << 20

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client performs authenticated requests against one Home Assistant instance.
// It holds no per-request state and is safe for concurrent use.
type Client struct {
	base   *url.URL
	apiKey string
	http   *http.Client
	logger *slog.Logger
}

// NewClient validates the base address and token.
func NewClient(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, &ConfigError{Field: "base url", Reason: "must not be empty"}
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, &ConfigError{Field: "base url", Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &ConfigError{Field: "base url", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return nil, &ConfigError{Field: "base url", Reason: "missing host"}
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, &ConfigError{Field: "api key", Reason: "must not be empty"}
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	c := &Client{
		base:   u,
		apiKey: apiKey,
		http:   http.DefaultClient,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "hass")
	return c, nil
}

// BaseURL returns the normalized base address.
func (c *Client) BaseURL() string { return c.base.String() }

// resolve joins path (which may carry a query) onto the base address.
func (c *Client) resolve(path string) (string, error) {
	ref, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return "", err
	}
	return c.base.ResolveReference(ref).String(), nil
}

// Get issues an authenticated GET and decodes the JSON body into T.
func Get[T any](ctx context.Context, c *Client, path string) (T, error) {
	var out T
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, &DecodeError{Path: path, Body: body, Err: err}
	}
	return out, nil
}

// Post JSON-encodes body, issues an authenticated POST and decodes the
// response into T.
func Post[T any](ctx context.Context, c *Client, path string, body any) (T, error) {
	var out T
	payload, err := json.Marshal(body)
	if err != nil {
		return out, fmt.Errorf("encode %s request: %w", path, err)
	}
	resp, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return out, &DecodeError{Path: path, Body: resp, Err: err}
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	target, err := c.resolve(path)
	if err != nil {
		return nil, &TransportError{Path: path, Err: err}
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, &TransportError{Path: path, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Path: path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, &TransportError{Path: path, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{Path: path, StatusCode: resp.StatusCode, Err: errors.New(statusText(resp.StatusCode, body))}
	}
	if len(body) > maxResponseBytes {
		return nil, &TransportError{Path: path, StatusCode: resp.StatusCode, Err: errors.New("response too large")}
	}

	c.logger.Debug("request done", "method", method, "path", path, "status", resp.StatusCode, "bytes", len(body))
	return body, nil
}

// statusText prefers Home Assistant's {"message": "..."} error body.
func statusText(code int, body []byte) string {
	var msg struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &msg) == nil && msg.Message != "" {
		return msg.Message
	}
	return http.StatusText(code)
}

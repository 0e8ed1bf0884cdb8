// Package localapi is the boundary between the tunnel multiplexer and
// the server's own HTTP API. The multiplexer hands it decoded requests
// and relays whatever response comes back; it never interprets the API
// surface itself.
package localapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds one proxied request. A remote client that
// never gets an answer gives up anyway; holding the tunnel slot longer
// just leaks resources.
const DefaultTimeout = 30 * time.Second

// Request is one HTTP-like exchange as it arrives through the tunnel.
type Request struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    []byte
}

// Response mirrors the API's answer back toward the tunnel.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Client executes tunnel requests against the local API.
type Client interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// HTTPClient forwards requests to a base URL over plain HTTP.
type HTTPClient struct {
	base   *url.URL
	client *http.Client

	// MaxResponseBytes caps proxied response bodies. Zero means the
	// 64 MiB default.
	MaxResponseBytes int64
}

const defaultMaxResponseBytes = 64 << 20

// NewHTTPClient builds a client for the given base URL, e.g.
// "http://127.0.0.1:8096".
func NewHTTPClient(baseURL string, timeout time.Duration) (*HTTPClient, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse local api url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("parse local api url %q: scheme and host required", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		base:   base,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (c *HTTPClient) Do(ctx context.Context, req *Request) (*Response, error) {
	target := *c.base
	path := req.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if parsed, err := url.Parse(path); err == nil {
		target.Path = parsed.Path
		target.RawQuery = parsed.RawQuery
	} else {
		target.Path = path
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build local api request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("local api request: %w", err)
	}
	defer resp.Body.Close()

	limit := c.MaxResponseBytes
	if limit <= 0 {
		limit = defaultMaxResponseBytes
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read local api response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &Response{
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    respBody,
	}, nil
}

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TokenSource supplies the bearer token for authenticated requests.
// An empty token means the request is sent with the anonymous API key.
type TokenSource interface {
	AccessToken() string
}

// Client sends requests to the backend REST surface (auth, storage, catalog).
type Client struct {
	baseURL    string
	apiKey     string
	tokens     TokenSource
	httpClient *http.Client
}

// NewClient creates a backend client. tokens may be nil.
func NewClient(baseURL, apiKey string, tokens TokenSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// NewTransferClient creates a client for object uploads. The request as a whole
// is not capped, since a large model on a slow link may take minutes; only
// connecting and waiting for the response after the body is sent are bounded.
// Callers stop a transfer through its context.
func NewTransferClient(baseURL, apiKey string, tokens TokenSource, responseTimeout time.Duration) *Client {
	if responseTimeout <= 0 {
		responseTimeout = 60 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = 10 * time.Second
	transport.ResponseHeaderTimeout = responseTimeout

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		tokens:     tokens,
		httpClient: &http.Client{Transport: transport},
	}
}

// BaseURL returns the backend base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Request describes one backend call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   io.Reader
	// ContentLength is set on the outgoing request when positive.
	ContentLength int64
}

// Do sends req and returns the response for 2xx statuses. Transport failures
// become NetworkError; non-2xx statuses are decoded by CheckResponse. The
// caller closes the returned body.
func (c *Client) Do(ctx context.Context, op string, req Request) (*http.Response, error) {
	u := c.baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, req.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	if req.ContentLength > 0 {
		httpReq.ContentLength = req.ContentLength
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	if c.apiKey != "" {
		httpReq.Header.Set("apikey", c.apiKey)
	}
	token := c.apiKey
	if c.tokens != nil {
		if t := c.tokens.AccessToken(); t != "" {
			token = t
		}
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}

	if err := CheckResponse(resp); err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return resp, nil
}

// DoJSON sends in (if non-nil) as a JSON body and decodes the response into
// out (if non-nil).
func (c *Client) DoJSON(ctx context.Context, op string, method, path string, query url.Values, header http.Header, in, out any) error {
	req := Request{Method: method, Path: path, Query: query, Header: header.Clone()}
	if req.Header == nil {
		req.Header = http.Header{}
	}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		req.Body = bytes.NewReader(body)
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(ctx, op, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: unmarshal response: %w", op, err)
	}
	return nil
}

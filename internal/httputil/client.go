// Package httputil provides HTTP client abstractions and JSON response helpers.
package httputil

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// HTTPClient abstracts HTTP operations for testability.
// Use StandardClient in production; MockHTTPClient for testing.
type HTTPClient interface {
	// Do sends an HTTP request and returns an HTTP response.
	Do(req *http.Request) (*http.Response, error)
}

// StandardClient wraps *http.Client to implement HTTPClient.
type StandardClient struct {
	*http.Client
}

// NewStandardClient wraps c, or a client with the given timeout when c is nil.
func NewStandardClient(c *http.Client, timeout time.Duration) *StandardClient {
	if c == nil {
		c = &http.Client{Timeout: timeout}
	}
	return &StandardClient{Client: c}
}

// Do sends an HTTP request.
func (c *StandardClient) Do(req *http.Request) (*http.Response, error) {
	return c.Client.Do(req)
}

// MockHandler produces the canned reply for one request.
type MockHandler func(req *http.Request, body []byte) (status int, respBody string, err error)

// MockHTTPClient routes requests by URL path to registered handlers and
// records every request body it sees.
type MockHTTPClient struct {
	mu       sync.Mutex
	handlers map[string]MockHandler
	requests []RecordedRequest
}

// RecordedRequest is a request seen by MockHTTPClient.
type RecordedRequest struct {
	Method string
	Path   string
	Body   []byte
}

// NewMockHTTPClient creates a new mock HTTP client.
func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{handlers: make(map[string]MockHandler)}
}

// Handle registers h for requests whose URL path equals path.
func (m *MockHTTPClient) Handle(path string, h MockHandler) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = h
	return m
}

// Respond registers a fixed reply for path.
func (m *MockHTTPClient) Respond(path string, status int, body string) *MockHTTPClient {
	return m.Handle(path, func(*http.Request, []byte) (int, string, error) {
		return status, body, nil
	})
}

// Do records the request and dispatches it to the handler for its path.
// Unregistered paths get a 404.
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		body = b
	}

	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{Method: req.Method, Path: req.URL.Path, Body: body})
	h := m.handlers[req.URL.Path]
	m.mu.Unlock()

	status, respBody := http.StatusNotFound, `{"error":"not found"}`
	if h != nil {
		var err error
		status, respBody, err = h(req, body)
		if err != nil {
			return nil, err
		}
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(respBody)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Request:    req,
	}, nil
}

// Requests returns a copy of the recorded requests.
func (m *MockHTTPClient) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestCount returns the number of recorded requests.
func (m *MockHTTPClient) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

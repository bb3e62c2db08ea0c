package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/uma-runtime/uma/pkg/adapters"
)

// FetchRequest is the network.fetch request.
type FetchRequest struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// FetchResponse is the network.fetch result.
type FetchResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// MaxBodyBytes bounds how much of a response body is read.
const MaxBodyBytes = 4 << 20

// StatusError is returned for a response outside the 2xx range, so retry
// wrappers see it as a failed attempt. Response holds what the server sent.
type StatusError struct {
	URL      string
	Response FetchResponse
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("modules: network.fetch: %s: status %d", e.URL, e.Response.Status)
}

// HTTPFetch performs GET requests on the host network stack.
type HTTPFetch struct {
	Client *http.Client
}

// NewHTTPFetch returns a fetcher with a 30 second client timeout.
func NewHTTPFetch() *HTTPFetch {
	return &HTTPFetch{Client: &http.Client{Timeout: 30 * time.Second}}
}

func (f *HTTPFetch) Invoke(ctx context.Context, req adapters.Request) (adapters.Response, error) {
	var in FetchRequest
	if err := json.Unmarshal(req.Input, &in); err != nil {
		return adapters.Response{}, fmt.Errorf("modules: network.fetch: decode input: %w", err)
	}
	if in.URL == "" {
		in.URL = req.Key
	}
	if in.URL == "" {
		return adapters.Response{}, fmt.Errorf("modules: network.fetch: no url")
	}

	hr, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
	if err != nil {
		return adapters.Response{}, fmt.Errorf("modules: network.fetch: %w", err)
	}
	for k, v := range in.Headers {
		hr.Header.Set(k, v)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(hr)
	if err != nil {
		return adapters.Response{}, fmt.Errorf("modules: network.fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return adapters.Response{}, fmt.Errorf("modules: network.fetch: read body: %w", err)
	}
	out := FetchResponse{Status: resp.StatusCode, Headers: make(map[string]string, len(resp.Header)), Body: string(body)}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return adapters.Response{}, fmt.Errorf("modules: network.fetch: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return adapters.Response{Output: data}, &StatusError{URL: in.URL, Response: out}
	}
	return adapters.Response{Output: data}, nil
}

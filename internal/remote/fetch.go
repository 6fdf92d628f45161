// Package remote talks to the media servers' library API.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"mediahub-go/internal/config"
	"mediahub-go/internal/types"
)

// Request is a single GET against a server
type Request struct {
	URL     string
	Headers map[string]string
}

// Response is the raw answer to a Request
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports a 2xx status
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Fetcher performs requests. Implementations must abort when ctx is done.
// A returned error means no response was obtained; non-2xx statuses are
// reported through Response.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context, req Request) (*Response, error)

// Fetch implements Fetcher
func (f FetcherFunc) Fetch(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// HTTPFetcher is the net/http backed Fetcher
type HTTPFetcher struct {
	client  *http.Client
	maxBody int64
}

// NewHTTPFetcher creates a fetcher whose requests time out after timeout
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.HTTPIdleConnTimeout,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
	}
	return &HTTPFetcher{
		client:  &http.Client{Transport: transport, Timeout: timeout},
		maxBody: config.MaxResponseBytes,
	}
}

// Fetch implements Fetcher
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrDataInconsistency, err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, networkError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody))
	if err != nil {
		return nil, networkError(ctx, err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// networkError tags transport failures as ErrNetworkUnreachable while keeping
// context cancellation visible to errors.Is.
func networkError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %w: %v", types.ErrNetworkUnreachable, ctxErr, err)
	}
	return fmt.Errorf("%w: %w", types.ErrNetworkUnreachable, err)
}

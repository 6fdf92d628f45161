package upstream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mediahub-go/internal/remote"
	"mediahub-go/internal/types"
	uptypes "mediahub-go/internal/upstream/types"
)

// identityPath is the connection-test endpoint
const identityPath = "/identity"

// Prober checks whether one endpoint answers. Probe must return promptly once
// ctx is cancelled.
type Prober interface {
	Probe(ctx context.Context, endpoint, token string) uptypes.ProbeResult
}

// ProberFunc adapts a function to Prober
type ProberFunc func(ctx context.Context, endpoint, token string) uptypes.ProbeResult

// Probe implements Prober
func (f ProberFunc) Probe(ctx context.Context, endpoint, token string) uptypes.ProbeResult {
	return f(ctx, endpoint, token)
}

// ConnectionProbe tests an endpoint by requesting its identity document
type ConnectionProbe struct {
	fetcher  remote.Fetcher
	timeout  time.Duration
	clientID string
}

// NewConnectionProbe creates a probe bounded by timeout per request
func NewConnectionProbe(fetcher remote.Fetcher, timeout time.Duration, clientID string) *ConnectionProbe {
	return &ConnectionProbe{fetcher: fetcher, timeout: timeout, clientID: clientID}
}

// Probe implements Prober. A 2xx answer is success; anything else carries
// an error from the shared taxonomy.
func (p *ConnectionProbe) Probe(ctx context.Context, endpoint, token string) uptypes.ProbeResult {
	result := uptypes.ProbeResult{Endpoint: endpoint}

	probeCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := p.fetcher.Fetch(probeCtx, remote.Request{
		URL:     strings.TrimRight(endpoint, "/") + identityPath,
		Headers: remote.RequestHeaders(token, p.clientID),
	})
	result.Latency = time.Since(start)

	if err != nil {
		result.Err = err
		return result
	}

	result.StatusCode = resp.StatusCode
	if !resp.OK() {
		result.Err = &types.RemoteStatusError{StatusCode: resp.StatusCode, URL: endpoint + identityPath}
		return result
	}
	result.Success = true
	return result
}

// describe renders a probe failure for the failure log
func describe(r uptypes.ProbeResult) string {
	if r.Err == nil {
		return fmt.Sprintf("%s: status %d", r.Endpoint, r.StatusCode)
	}
	return fmt.Sprintf("%s: %v", r.Endpoint, r.Err)
}

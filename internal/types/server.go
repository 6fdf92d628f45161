// Package types provides shared domain types used across multiple packages
package types

import (
	"fmt"
	"net/url"
	"strings"
)

// Server is one logical media server as reported by discovery.
// Only the candidate list may change during a session. Tokens come from a
// CredentialProvider.
type Server struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Owned       bool                  `json:"owned"`
	Connections []ConnectionCandidate `json:"connections"`
}

// ConnectionCandidate is one possible network address for reaching a server
type ConnectionCandidate struct {
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	URI      string `json:"uri"`
	Local    bool   `json:"local"`
	Relay    bool   `json:"relay"`
}

// BaseURL returns the candidate's URI normalized for use as a base URL.
// A candidate without a URI is assembled from protocol, host and port.
func (c ConnectionCandidate) BaseURL() (string, error) {
	raw := strings.TrimSpace(c.URI)
	if raw == "" {
		if c.Host == "" {
			return "", fmt.Errorf("%w: candidate has neither uri nor host", ErrDataInconsistency)
		}
		scheme := c.Protocol
		if scheme == "" {
			scheme = "https"
		}
		raw = fmt.Sprintf("%s://%s", scheme, c.Host)
		if c.Port > 0 {
			raw = fmt.Sprintf("%s:%d", raw, c.Port)
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDataInconsistency, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q in %q", ErrDataInconsistency, u.Scheme, raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrDataInconsistency, raw)
	}

	return strings.TrimRight(u.Scheme+"://"+u.Host+u.Path, "/"), nil
}

// Label is a short human readable description used in logs
func (c ConnectionCandidate) Label() string {
	switch {
	case c.Relay:
		return "relay"
	case c.Local:
		return "local"
	default:
		return "remote"
	}
}

package types

import "fmt"

// CredentialProvider supplies per-server access tokens
type CredentialProvider interface {
	Token(serverID string) (string, error)
}

// StaticCredentials serves tokens from a fixed map
type StaticCredentials map[string]string

// Token implements CredentialProvider
func (s StaticCredentials) Token(serverID string) (string, error) {
	token, ok := s[serverID]
	if !ok || token == "" {
		return "", fmt.Errorf("no access token for server %s", serverID)
	}
	return token, nil
}

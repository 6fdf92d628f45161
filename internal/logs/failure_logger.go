package logs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const failedServersLog = "failed_servers.log"

// FailureLogger appends one line per exhausted connection race to
// <dataDir>/failed_servers.log so unreachable servers can be diagnosed
// after the fact.
type FailureLogger struct {
	mu      sync.Mutex
	logPath string
}

// NewFailureLogger creates a failure logger writing into dataDir
func NewFailureLogger(dataDir string) *FailureLogger {
	return &FailureLogger{logPath: filepath.Join(dataDir, failedServersLog)}
}

// Path returns the log file path
func (f *FailureLogger) Path() string {
	return f.logPath
}

// LogServerFailure records that every candidate of a server failed.
// reasons holds one entry per probed candidate.
func (f *FailureLogger) LogServerFailure(serverID string, failureCount int, reasons []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.logPath), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(f.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", failedServersLog, err)
	}
	defer file.Close()

	category, hint := CategorizeFailure(strings.Join(reasons, "; "))
	line := fmt.Sprintf("%s\t[ERROR]\tServer %q | Type: %s | Count: %d | Candidates: %d | Errors: %s | Hint: %s\n",
		time.Now().Format("2006-01-02 15:04:05"),
		serverID, category, failureCount, len(reasons), strings.Join(reasons, "; "), hint)

	if _, err := file.WriteString(line); err != nil {
		return fmt.Errorf("failed to write %s: %w", failedServersLog, err)
	}
	return nil
}

// CategorizeFailure classifies probe error text into a coarse category
// and a remediation hint.
func CategorizeFailure(errMsg string) (string, string) {
	if strings.TrimSpace(errMsg) == "" {
		return "unknown", "no error details available"
	}

	errStr := strings.ToLower(errMsg)
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded"):
		return "timeout", "server may be asleep or behind a slow relay; retry later"
	case strings.Contains(errStr, "connection refused"):
		return "refused", "server process is not listening on this address"
	case strings.Contains(errStr, "no such host") || strings.Contains(errStr, "dns"):
		return "dns", "hostname does not resolve; refresh the server's connection list"
	case strings.Contains(errStr, "tls") || strings.Contains(errStr, "certificate") || strings.Contains(errStr, "x509"):
		return "tls", "certificate mismatch; prefer the server's plex.direct address"
	case strings.Contains(errStr, "status 401") || strings.Contains(errStr, "status 403"):
		return "auth", "access token was rejected; sign in again"
	case strings.Contains(errStr, "status"):
		return "remote", "server answered with an error status"
	case strings.Contains(errStr, "unsupported scheme") || strings.Contains(errStr, "missing host"):
		return "invalid_candidate", "discovery returned a malformed address"
	default:
		return "network", "check network connectivity"
	}
}

// Package processlock keeps a single background syncer per data directory.
package processlock

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

const pidFileName = "mediahub.pid"

// ErrAlreadyRunning means another live process holds the lock
var ErrAlreadyRunning = errors.New("another mediahub instance is already running")

// ProcessLock is a PID file in the data directory
type ProcessLock struct {
	pidFile string
	logger  *zap.Logger
}

// New creates a lock for dataDir
func New(dataDir string, logger *zap.Logger) *ProcessLock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessLock{
		pidFile: filepath.Join(dataDir, pidFileName),
		logger:  logger.Named("processlock"),
	}
}

// Path returns the PID file location
func (p *ProcessLock) Path() string {
	return p.pidFile
}

// Acquire takes the lock. A PID file left by a dead process is replaced.
// When listenAddr is set it must also be free.
func (p *ProcessLock) Acquire(listenAddr string) error {
	if listenAddr != "" {
		if err := checkPort(listenAddr); err != nil {
			return err
		}
	}

	if pid, err := p.readPID(); err == nil {
		if pid != os.Getpid() && isProcessRunning(pid) {
			return fmt.Errorf("%w (PID %d, %s)", ErrAlreadyRunning, pid, p.pidFile)
		}
		p.logger.Warn("Removing stale PID file", zap.Int("pid", pid), zap.String("pid_file", p.pidFile))
	} else if !os.IsNotExist(err) {
		p.logger.Warn("Unreadable PID file, replacing it", zap.String("pid_file", p.pidFile), zap.Error(err))
	}

	if err := os.MkdirAll(filepath.Dir(p.pidFile), 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(p.pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	p.logger.Debug("Process lock acquired", zap.Int("pid", os.Getpid()))
	return nil
}

// Release removes the PID file if this process owns it
func (p *ProcessLock) Release() error {
	pid, err := p.readPID()
	if os.IsNotExist(err) {
		return nil
	}
	if err == nil && pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(p.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

func (p *ProcessLock) readPID() (int, error) {
	data, err := os.ReadFile(p.pidFile)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid PID %q in %s", s, p.pidFile)
	}
	return pid, nil
}

func checkPort(listenAddr string) error {
	if _, _, err := net.SplitHostPort(listenAddr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", listenAddr, err)
	}
	l, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("address %s is already in use", listenAddr)
	}
	return l.Close()
}

// isProcessRunning sends signal 0, which only checks for existence
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

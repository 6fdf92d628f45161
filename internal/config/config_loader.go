package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Loader owns the on-disk configuration: initial load, change watching and
// atomic updates.
type Loader struct {
	mu             sync.Mutex
	configPath     string
	config         *Config
	watcher        *fsnotify.Watcher
	skipNextReload bool
	onChange       func(*Config) error
	logger         *zap.Logger
	stopOnce       sync.Once
	stopChan       chan struct{}
	doneChan       chan struct{}
}

// NewLoader creates a loader for the given config file
func NewLoader(configPath string, logger *zap.Logger) (*Loader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Loader{
		configPath: configPath,
		watcher:    watcher,
		logger:     logger.Named("config"),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}, nil
}

// Load reads the configuration file. A missing file yields defaults with the
// data dir set to the file's directory.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := os.Stat(l.configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.DataDir = filepath.Dir(l.configPath)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		l.logger.Info("Config file not found, using defaults",
			zap.String("path", l.configPath))
		l.config = cfg
		return cfg, nil
	}

	cfg, err := LoadFromFile(l.configPath)
	if err != nil {
		return nil, err
	}
	l.config = cfg
	return cfg, nil
}

// StartWatching watches the config file's directory so that editors which
// replace the file via rename are picked up. onChange receives every
// successfully parsed new configuration; a returned error keeps the old one.
func (l *Loader) StartWatching(onChange func(*Config) error) error {
	l.mu.Lock()
	l.onChange = onChange
	l.mu.Unlock()

	dir := filepath.Dir(l.configPath)
	if err := l.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
	}

	go l.watchLoop()

	l.logger.Info("Watching configuration file", zap.String("path", l.configPath))
	return nil
}

func (l *Loader) watchLoop() {
	defer close(l.doneChan)
	target := filepath.Clean(l.configPath)

	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				l.reload()
			}

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("File watcher error", zap.Error(err))

		case <-l.stopChan:
			return
		}
	}
}

func (l *Loader) reload() {
	l.mu.Lock()
	if l.skipNextReload {
		l.skipNextReload = false
		l.mu.Unlock()
		l.logger.Debug("Skipping reload of self-written config")
		return
	}
	l.mu.Unlock()

	cfg, err := LoadFromFile(l.configPath)
	if err != nil {
		l.logger.Warn("Ignoring unreadable config change",
			zap.String("path", l.configPath),
			zap.Error(err))
		return
	}

	l.mu.Lock()
	previous := l.config
	l.config = cfg
	onChange := l.onChange
	l.mu.Unlock()

	if onChange != nil {
		if err := onChange(cfg); err != nil {
			l.logger.Error("Failed to apply configuration change, keeping previous", zap.Error(err))
			l.mu.Lock()
			l.config = previous
			l.mu.Unlock()
			return
		}
	}

	l.logger.Info("Configuration reloaded", zap.Int("servers", len(cfg.Servers)))
}

// UpdateConfigAtomic applies updateFn to a copy of the current config and
// persists the result via temp file + rename.
func (l *Loader) UpdateConfigAtomic(updateFn func(*Config) (*Config, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.config
	if current == nil {
		current = DefaultConfig()
	}
	working, err := cloneConfig(current)
	if err != nil {
		return err
	}

	updated, err := updateFn(working)
	if err != nil {
		return fmt.Errorf("update function failed: %w", err)
	}
	if err := updated.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tempPath := l.configPath + ".tmp"
	if err := SaveConfig(updated, tempPath); err != nil {
		return fmt.Errorf("failed to write temp config: %w", err)
	}

	l.skipNextReload = true
	if err := os.Rename(tempPath, l.configPath); err != nil {
		l.skipNextReload = false
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	l.config = updated
	l.logger.Info("Configuration updated", zap.String("path", l.configPath))
	return nil
}

func cloneConfig(cfg *Config) (*Config, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &out, nil
}

// GetConfig returns the current configuration
func (l *Loader) GetConfig() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.config
}

// ConfigPath returns the watched file path
func (l *Loader) ConfigPath() string {
	return l.configPath
}

// Stop stops the watcher. Safe to call more than once.
func (l *Loader) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stopChan)
		if cerr := l.watcher.Close(); cerr != nil {
			err = fmt.Errorf("failed to close watcher: %w", cerr)
		}
	})
	return err
}

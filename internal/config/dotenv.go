package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from <dataDir>/.env and then ./.env into
// the process environment. Variables already set are never overridden.
// Returns the files that were loaded.
func LoadDotEnv(dataDir string) ([]string, error) {
	var loaded []string
	candidates := []string{".env"}
	if dataDir != "" {
		candidates = append([]string{filepath.Join(dataDir, ".env")}, candidates...)
	}

	for _, path := range candidates {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return loaded, fmt.Errorf("failed to load %s: %w", path, err)
		}
		loaded = append(loaded, path)
	}
	return loaded, nil
}

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mediahub-go/internal/types"
)

func writeConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	data, err := json.MarshalIndent(cfg, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func sampleConfig() *Config {
	cfg := DefaultConfig()
	cfg.Servers = []*ServerConfig{
		{
			ID:    "srv-a",
			Name:  "Living Room",
			Owned: true,
			Token: "token-a",
			Connections: []types.ConnectionCandidate{
				{Protocol: "http", Host: "192.168.1.10", Port: 32400, URI: "http://192.168.1.10:32400", Local: true},
			},
		},
		{ID: "srv-b", TokenEnv: "MEDIAHUB_TEST_TOKEN_B"},
	}
	cfg.Views = []ViewConfig{{Server: "srv-a", Library: "1", Filter: "all", Sort: "titleSort"}}
	return cfg
}

func TestNewLoader(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), ConfigFileName)

	loader, err := NewLoader(configPath, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, configPath, loader.ConfigPath())
	assert.NotNil(t, loader.watcher)

	assert.NoError(t, loader.Stop())
	assert.NoError(t, loader.Stop(), "second stop is a no-op")
}

func TestLoader_LoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	loader, err := NewLoader(filepath.Join(dir, ConfigFileName), zap.NewNop())
	require.NoError(t, err)
	defer loader.Stop()

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, DefaultPageSize, cfg.PageSize)
	assert.Equal(t, ProbeTimeout, cfg.ProbeTimeout.Duration())
}

func TestLoader_Load(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), ConfigFileName)
	cfg := sampleConfig()
	cfg.PageSize = 20
	writeConfig(t, configPath, cfg)

	loader, err := NewLoader(configPath, zap.NewNop())
	require.NoError(t, err)
	defer loader.Stop()

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 20, loaded.PageSize)
	require.Len(t, loaded.Servers, 2)
	assert.Equal(t, "Living Room", loaded.Servers[0].Name)
	assert.Equal(t, "srv-b", loaded.Servers[1].Name, "name defaults to id")
	assert.Equal(t, loaded, loader.GetConfig())
}

func TestLoader_UpdateConfigAtomic(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), ConfigFileName)
	writeConfig(t, configPath, sampleConfig())

	loader, err := NewLoader(configPath, zap.NewNop())
	require.NoError(t, err)
	defer loader.Stop()
	_, err = loader.Load()
	require.NoError(t, err)

	err = loader.UpdateConfigAtomic(func(cfg *Config) (*Config, error) {
		cfg.PageSize = 75
		return cfg, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 75, loader.GetConfig().PageSize)

	onDisk, err := LoadFromFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, 75, onDisk.PageSize)
	assert.Equal(t, "token-a", onDisk.Servers[0].Token)

	_, err = os.Stat(configPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must be renamed away")
}

func TestLoader_UpdateConfigAtomicRejectsInvalid(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), ConfigFileName)
	writeConfig(t, configPath, sampleConfig())

	loader, err := NewLoader(configPath, zap.NewNop())
	require.NoError(t, err)
	defer loader.Stop()
	_, err = loader.Load()
	require.NoError(t, err)

	err = loader.UpdateConfigAtomic(func(cfg *Config) (*Config, error) {
		cfg.Servers = append(cfg.Servers, &ServerConfig{ID: "srv-a"})
		return cfg, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate server id")
	assert.Len(t, loader.GetConfig().Servers, 2)
}

func TestLoader_WatchReloadsOnWrite(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), ConfigFileName)
	writeConfig(t, configPath, sampleConfig())

	loader, err := NewLoader(configPath, zap.NewNop())
	require.NoError(t, err)
	defer loader.Stop()
	_, err = loader.Load()
	require.NoError(t, err)

	changes := make(chan *Config, 4)
	require.NoError(t, loader.StartWatching(func(cfg *Config) error {
		changes <- cfg
		return nil
	}))

	updated := sampleConfig()
	updated.Servers[0].Connections = append(updated.Servers[0].Connections,
		types.ConnectionCandidate{URI: "https://relay.example.com:443", Relay: true})
	writeConfig(t, configPath, updated)

	select {
	case cfg := <-changes:
		assert.Len(t, cfg.Servers[0].Connections, 2)
	case <-time.After(3 * time.Second):
		t.Fatal("config change was not observed")
	}
}

func TestConfig_ValidateFillsDefaults(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultPageSize, cfg.PageSize)
	assert.Equal(t, DefaultMaxParallelProbes, cfg.MaxParallelProbes)
	assert.Equal(t, ConnectionFreshness, cfg.ConnectionTTL.Duration())
	assert.Equal(t, FailedServerCooldown, cfg.FailureCooldown.Duration())
	assert.NotNil(t, cfg.Logging)
}

func TestConfig_ValidateRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
		want string
	}{
		{
			name: "server without id",
			cfg:  &Config{Servers: []*ServerConfig{{Name: "x"}}},
			want: "has no id",
		},
		{
			name: "view for unknown server",
			cfg: &Config{
				Servers: []*ServerConfig{{ID: "a"}},
				Views:   []ViewConfig{{Server: "b", Library: "1"}},
			},
			want: "unknown server",
		},
		{
			name: "deadline shorter than probe",
			cfg: &Config{
				ProbeTimeout: Duration(5 * time.Second),
				RaceDeadline: Duration(time.Second),
			},
			want: "race_deadline",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfig_Credentials(t *testing.T) {
	t.Setenv("MEDIAHUB_TEST_TOKEN_B", "token-b")
	cfg := sampleConfig()
	require.NoError(t, cfg.Validate())

	creds := cfg.Credentials()
	tokenA, err := creds.Token("srv-a")
	require.NoError(t, err)
	assert.Equal(t, "token-a", tokenA)

	tokenB, err := creds.Token("srv-b")
	require.NoError(t, err)
	assert.Equal(t, "token-b", tokenB)

	_, err = creds.Token("missing")
	assert.Error(t, err)

	servers := cfg.ToServers()
	require.Len(t, servers, 2)
	assert.True(t, servers[0].Owned)
	assert.Equal(t, "srv-b", servers[1].ID)
	data, err := json.Marshal(servers)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "token-", "servers never carry tokens")
	assert.Equal(t, map[string]bool{"srv-a": true}, cfg.OwnedServerIDs())
}

func TestViewConfig_ViewKeyNormalizes(t *testing.T) {
	key := ViewConfig{Server: "srv-a", Library: "1", Filter: "all", Sort: "Default"}.ViewKey()
	assert.Equal(t, "", key.Filter)
	assert.Equal(t, "", key.Sort)
}

func TestDuration_JSONRoundTrip(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("MEDIAHUB_DOTENV_TOKEN=from-file\nMEDIAHUB_DOTENV_PRESET=from-file\n"), 0600))
	t.Setenv("MEDIAHUB_DOTENV_PRESET", "from-env")
	t.Cleanup(func() { os.Unsetenv("MEDIAHUB_DOTENV_TOKEN") })

	loaded, err := LoadDotEnv(dir)
	require.NoError(t, err)
	assert.Contains(t, loaded, filepath.Join(dir, ".env"))
	assert.Equal(t, "from-file", os.Getenv("MEDIAHUB_DOTENV_TOKEN"))
	assert.Equal(t, "from-env", os.Getenv("MEDIAHUB_DOTENV_PRESET"), "existing env wins")
}

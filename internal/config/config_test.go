package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 12, cfg.Report.TotalSections)
	require.Equal(t, 30*time.Second, cfg.HeartbeatInterval())
	require.Equal(t, 10*time.Minute, cfg.MaxSessionLifetime())
	require.Equal(t, 16, cfg.Stream.ListenerBuffer)
	require.Empty(t, cfg.Database.DSN)
	require.Empty(t, cfg.Redis.URL)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 9090
report:
  total_sections: 8
stream:
  heartbeat_seconds: 10
  max_lifetime_seconds: 120
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 8, cfg.Report.TotalSections)
	require.Equal(t, 10*time.Second, cfg.HeartbeatInterval())
	require.Equal(t, 2*time.Minute, cfg.MaxSessionLifetime())
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("REPORTD_SERVER_PORT", "7070")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			Server: ServerConfig{Port: 8080},
			Report: ReportConfig{TotalSections: 12},
			Stream: StreamConfig{HeartbeatSeconds: 30, MaxLifetimeSeconds: 600},
		}
	}

	cfg := base()
	cfg.Server.Port = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Report.TotalSections = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Stream.MaxLifetimeSeconds = 10
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Auth = AuthConfig{Enabled: true}
	require.Error(t, cfg.Validate())

	require.NoError(t, base().Validate())
}

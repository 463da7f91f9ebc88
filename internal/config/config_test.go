package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/poseidon/internal/config"
)

func TestLoadWithEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
}

func TestLoadParsesYAMLOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "poseidon.yaml")
	require.NoError(t, os.WriteFile(path, []byte("restPort: 9999\nsyncPeriod: 30s\ndataDir: /tmp/poseidon\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.RESTPort)
	require.Equal(t, 30*time.Second, cfg.SyncPeriod)
	require.Equal(t, "/tmp/poseidon", cfg.DataDir)
	require.Equal(t, config.Default().MetricsPort, cfg.MetricsPort)
}

func TestLoadRejectsUnreadableFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestApplyFlagsOverridesOnlyChangedFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	config.BindFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--rest-port=7000"}))

	cfg := config.Default()
	config.ApplyFlags(cmd, &cfg)

	require.Equal(t, 7000, cfg.RESTPort)
	require.Equal(t, config.Default().MetricsPort, cfg.MetricsPort)
}

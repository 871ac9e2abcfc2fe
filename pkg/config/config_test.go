package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("SOLIDB_CLUSTER_SECRET", "s3cr3t")

	cfg, err := Load(nil, "")
	require.NoError(t, err)
	require.Equal(t, "solidb-1", cfg.NodeID)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, 1, cfg.DefaultNumShards)
	require.Equal(t, 5*time.Minute, cfg.CursorIdleTimeout)
	require.Equal(t, 256, cfg.ReshardBatchSize)
	require.Equal(t, 720*time.Hour, cfg.TombstoneRetention)
	require.Equal(t, "s3cr3t", cfg.ClusterSecret)
}

func TestLoadEnvVarsOverrideDefaults(t *testing.T) {
	t.Setenv("SOLIDB_CLUSTER_SECRET", "s3cr3t")
	t.Setenv("SOLIDB_PORT", "9999")
	t.Setenv("SOLIDB_NODE_ID", "node-7")
	t.Setenv("SOLIDB_ADMIN_PASSWORD", "hunter2")

	cfg, err := Load(nil, "")
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Port)
	require.Equal(t, "node-7", cfg.NodeID)
	require.Equal(t, "hunter2", cfg.AdminPassword)
}

func TestLoadFlagsOverrideEnvVars(t *testing.T) {
	t.Setenv("SOLIDB_CLUSTER_SECRET", "s3cr3t")
	t.Setenv("SOLIDB_PORT", "9999")

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().Int("port", 0, "")
	require.NoError(t, cmd.Flags().Set("port", "7000"))

	cfg, err := Load(cmd, "")
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.Port)
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/solidb.yaml"
	require.NoError(t, os.WriteFile(path, []byte("cluster-secret: from-file\nport: 6000\n"), 0o600))

	cfg, err := Load(nil, path)
	require.NoError(t, err)
	require.Equal(t, "from-file", cfg.ClusterSecret)
	require.Equal(t, 6000, cfg.Port)
}

func TestLoadRejectsMissingClusterSecret(t *testing.T) {
	_, err := Load(nil, "")
	require.Error(t, err)
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	t.Setenv("SOLIDB_CLUSTER_SECRET", "s3cr3t")
	t.Setenv("SOLIDB_PORT", "70000")

	_, err := Load(nil, "")
	require.Error(t, err)
}

func TestLoadRejectsBadConfigFilePath(t *testing.T) {
	_, err := Load(nil, "/nonexistent/path/solidb.yaml")
	require.Error(t, err)
}

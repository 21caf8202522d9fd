package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/cacheforge/vcache/internal/size"
	"github.com/cacheforge/vcache/pkg/config"
)

func setenv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	require.NoError(t, os.Setenv(key, value))
	t.Cleanup(func() {
		if had {
			_ = os.Setenv(key, old)
		} else {
			_ = os.Unsetenv(key)
		}
	})
}

func newCmd() (*cobra.Command, *config.Config) {
	cfg := &config.Config{}
	cmd := &cobra.Command{RunE: func(cmd *cobra.Command, args []string) error { return nil }}
	return cmd, cfg
}

func TestBind_AppliesDefaults(t *testing.T) {
	cmd, cfg := newCmd()
	require.NoError(t, config.Bind(cmd, cfg))
	require.NoError(t, cmd.ParseFlags(nil))

	require.Equal(t, 3, cfg.MaxRestarts)
	require.Equal(t, 5*time.Second, cfg.TimeoutIdle)
	require.Equal(t, 64*size.KB, cfg.WorkspaceClient)
	require.True(t, cfg.HTTPRangeSupport)
}

func TestBind_ExplicitFlagOverridesDefault(t *testing.T) {
	cmd, cfg := newCmd()
	require.NoError(t, config.Bind(cmd, cfg))

	require.NoError(t, config.Exec(cmd, cfg, []string{"--max-restarts", "7"}))
	require.Equal(t, 7, cfg.MaxRestarts)
}

func TestExec_EnvOverridesUnsetFlag(t *testing.T) {
	cmd, cfg := newCmd()
	require.NoError(t, config.Bind(cmd, cfg))

	setenv(t, "VCACHED_POOL_MAX", "900")
	setenv(t, "VCACHED_HTTP_RANGE_SUPPORT", "false")

	require.NoError(t, config.Exec(cmd, cfg, nil))
	require.Equal(t, 900, cfg.PoolMax)
	require.False(t, cfg.HTTPRangeSupport)
}

func TestExec_ExplicitFlagBeatsEnv(t *testing.T) {
	cmd, cfg := newCmd()
	require.NoError(t, config.Bind(cmd, cfg))

	setenv(t, "VCACHED_POOL_MAX", "900")

	require.NoError(t, config.Exec(cmd, cfg, []string{"--pool-max", "42"}))
	require.Equal(t, 42, cfg.PoolMax)
}

func TestBind_SizeFlagParsesSuffixedValue(t *testing.T) {
	cmd, cfg := newCmd()
	require.NoError(t, config.Bind(cmd, cfg))

	require.NoError(t, config.Exec(cmd, cfg, []string{"--http-req-size", "32KB"}))
	require.Equal(t, 32*size.KB, cfg.HTTPReqSize)
}

func TestBind_StringFlagDefaultsAndOverrides(t *testing.T) {
	cmd, cfg := newCmd()
	require.NoError(t, config.Bind(cmd, cfg))
	require.NoError(t, cmd.ParseFlags(nil))
	require.Equal(t, ":8080", cfg.ListenAddr)

	require.NoError(t, config.Exec(cmd, cfg, []string{"--backend-addr", "localhost:9000"}))
	require.Equal(t, "localhost:9000", cfg.BackendAddr)
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"tarun-kavipurapu/swarmlink/pkg/fileindex"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, 6001, cfg.TCPPort)
	assert.Equal(t, ":6001", cfg.ListenAddr())
	assert.Equal(t, int64(256*1024), cfg.PieceSize)
	assert.Equal(t, "downloads", cfg.DownloadDir)
	assert.True(t, cfg.Discovery.Enabled)
	assert.Equal(t, 37020, cfg.Discovery.Port)
	assert.Equal(t, "255.255.255.255", cfg.Discovery.BroadcastAddr)
	assert.Equal(t, 3*time.Second, cfg.Discovery.Interval)
	assert.Equal(t, 8, cfg.Swarm.Workers)
	assert.Equal(t, 5, cfg.Swarm.MaxAttempts)
	assert.Equal(t, 8*time.Second, cfg.Swarm.RequestTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SWARMLINK_NAME", "laptop")
	t.Setenv("SWARMLINK_DISCOVERY_PORT", "38000")
	t.Setenv("SWARMLINK_SWARM_REQUEST_TIMEOUT", "3s")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "laptop", cfg.Name)
	assert.Equal(t, 38000, cfg.Discovery.Port)
	assert.Equal(t, 3*time.Second, cfg.Swarm.RequestTimeout)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarmlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: desk
tcp_port: 7001
discovery:
  multicast_group: 239.1.2.3
  interval: 500ms
swarm:
  workers: 2
`), 0644))

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "desk", cfg.Name)
	assert.Equal(t, ":7001", cfg.ListenAddr())
	assert.Equal(t, "239.1.2.3", cfg.Discovery.MulticastGroup)
	assert.Equal(t, 500*time.Millisecond, cfg.Discovery.Interval)
	assert.Equal(t, 2, cfg.Swarm.Workers)
	assert.Equal(t, 5, cfg.Swarm.MaxAttempts)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestFlagsWin(t *testing.T) {
	t.Setenv("SWARMLINK_NAME", "from-env")

	flags := pflag.NewFlagSet("node", pflag.ContinueOnError)
	flags.String("name", "", "")
	flags.Int("tcp-port", 6001, "")
	flags.String("listen", "", "")
	flags.Bool("mdns", false, "")
	require.NoError(t, flags.Parse([]string{"--name", "from-flag", "--tcp-port", "7002", "--mdns"}))

	v := New()
	require.NoError(t, BindFlags(v, flags))
	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.Name)
	assert.Equal(t, 7002, cfg.TCPPort)
	assert.True(t, cfg.Discovery.MDNS)
}

func TestValidate(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.TCPPort = 70000
	bad.PieceSize = 0
	bad.Swarm.Workers = -1
	bad.Discovery.MulticastGroup = "10.0.0.1"
	bad.Listen = "nonsense"

	err = bad.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(errors.Unwrap(err)), 5)
	assert.Contains(t, err.Error(), "tcp_port 70000")
	assert.Contains(t, err.Error(), "multicast")
}

func TestPieceSizeUpperBound(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	cfg.PieceSize = fileindex.MaxPieceSize
	assert.NoError(t, cfg.Validate())

	cfg.PieceSize = 16 * 1024 * 1024
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "piece_size")
}

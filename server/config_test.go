package server_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/byte4ever/logfeed/server"
)

func TestLoadConfig_defaults(t *testing.T) {
	t.Parallel()

	cfg, err := server.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(
		t,
		"kustomize.toolkit.fluxcd.io",
		cfg.Descriptor.Group,
	)
	assert.Equal(
		t,
		"app.kubernetes.io/instance",
		cfg.Descriptor.ReleaseLabel,
	)

	heartbeat, err := cfg.HeartbeatInterval()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, heartbeat)
}

func TestLoadConfig_fileOverridesDefaults(t *testing.T) {
	t.Parallel()

	raw := `
listen: ":9000"
heartbeat: "5s"
descriptor:
  group: "helm.toolkit.fluxcd.io"
  version: "v2"
  resource: "helmreleases"
  releaseLabel: "release"
feed:
  resolveInterval: "10s"
  enumerateInterval: "1s"
  buffer: 2048
  tailLines: 500
`

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(
		t, os.WriteFile(path, []byte(raw), 0o600),
	)

	cfg, err := server.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "helmreleases", cfg.Descriptor.Resource)
	assert.Equal(t, "release", cfg.Descriptor.ReleaseLabel)

	feedCfg, err := cfg.FeedConfig()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, feedCfg.ResolveInterval)
	assert.Equal(t, time.Second, feedCfg.EnumerateInterval)
	assert.Equal(t, 2048, feedCfg.Buffer)
	assert.Equal(t, int64(500), feedCfg.TailLines)

	// Unset durations keep the engine defaults.
	assert.Zero(t, feedCfg.SnapshotInterval)
}

func TestLoadConfig_missingFile(t *testing.T) {
	t.Parallel()

	_, err := server.LoadConfig(
		filepath.Join(t.TempDir(), "absent.yaml"),
	)
	require.Error(t, err)
}

func TestFeedConfig_badDuration(t *testing.T) {
	t.Parallel()

	cfg := server.DefaultConfig()
	cfg.Feed.ResolveInterval = "soonish"

	_, err := cfg.FeedConfig()
	require.Error(t, err)
}

func TestHeartbeatInterval_badDuration(t *testing.T) {
	t.Parallel()

	cfg := server.DefaultConfig()
	cfg.Heartbeat = "often"

	_, err := cfg.HeartbeatInterval()
	require.Error(t, err)
}

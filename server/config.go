package server

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/byte4ever/logfeed/feed"
)

// DescriptorConfig names the custom resource backing deployment
// descriptors and the label carrying the release identifier.
type DescriptorConfig struct {
	Group        string `yaml:"group"`
	Version      string `yaml:"version"`
	Resource     string `yaml:"resource"`
	ReleaseLabel string `yaml:"releaseLabel"`
}

// FeedConfig tunes the engine timers. Durations are strings in Go
// duration syntax ("5s", "250ms").
type FeedConfig struct {
	ResolveInterval   string `yaml:"resolveInterval"`
	EnumerateInterval string `yaml:"enumerateInterval"`
	SnapshotInterval  string `yaml:"snapshotInterval"`
	Buffer            int    `yaml:"buffer"`
	TailLines         int64  `yaml:"tailLines"`
	StopTimeout       string `yaml:"stopTimeout"`
}

// Config is the server configuration file.
type Config struct {
	Listen       string           `yaml:"listen"`
	Kubeconfig   string           `yaml:"kubeconfig"`
	Heartbeat    string           `yaml:"heartbeat"`
	LineTemplate string           `yaml:"lineTemplate"`
	Descriptor   DescriptorConfig `yaml:"descriptor"`
	Feed         FeedConfig       `yaml:"feed"`
}

// DefaultLineTemplate formats the plain-text stream mode.
const DefaultLineTemplate = "[{{pod}}/{{container}}] {{text}}\n"

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:       ":8080",
		Heartbeat:    "15s",
		LineTemplate: DefaultLineTemplate,
		Descriptor: DescriptorConfig{
			Group:        "kustomize.toolkit.fluxcd.io",
			Version:      "v1",
			Resource:     "kustomizations",
			ReleaseLabel: "app.kubernetes.io/instance",
		},
	}
}

// LoadConfig reads a YAML config file over the defaults. An empty
// path returns the defaults untouched.
func LoadConfig(path string) (*Config, error) {
	const errCtx = "loading config"

	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path) //nolint:gosec // path from CLI flag
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errCtx, err)
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf(
			"%s: parsing %s: %w", errCtx, path, err,
		)
	}

	return cfg, nil
}

// FeedConfig converts the string durations into an engine config.
// Empty fields keep the engine defaults.
func (c *Config) FeedConfig() (feed.Config, error) {
	const errCtx = "feed config"

	var (
		out feed.Config
		err error
	)

	fields := []struct {
		raw string
		dst *time.Duration
	}{
		{c.Feed.ResolveInterval, &out.ResolveInterval},
		{c.Feed.EnumerateInterval, &out.EnumerateInterval},
		{c.Feed.SnapshotInterval, &out.SnapshotInterval},
		{c.Feed.StopTimeout, &out.StopTimeout},
	}

	for _, field := range fields {
		if field.raw == "" {
			continue
		}

		*field.dst, err = time.ParseDuration(field.raw)
		if err != nil {
			return feed.Config{}, fmt.Errorf(
				"%s: %w", errCtx, err,
			)
		}
	}

	out.Buffer = c.Feed.Buffer
	out.TailLines = c.Feed.TailLines

	return out, nil
}

// HeartbeatInterval parses the keepalive cadence.
func (c *Config) HeartbeatInterval() (time.Duration, error) {
	const errCtx = "heartbeat interval"

	if c.Heartbeat == "" {
		return 15 * time.Second, nil
	}

	interval, err := time.ParseDuration(c.Heartbeat)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", errCtx, err)
	}

	return interval, nil
}

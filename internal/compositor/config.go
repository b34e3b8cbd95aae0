package compositor

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileMountSpec is one entry in a YAML mount list: a non-pinned stdio or
// http server the daemon attaches at startup, before accepting client
// sessions. Pinned servers (meta, admin) are never configured this way;
// they are wired directly by NewCompositor.
type FileMountSpec struct {
	Prefix string `yaml:"prefix"`
	Kind   string `yaml:"kind"` // "stdio" | "http"

	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	Endpoint string            `yaml:"endpoint,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"`
}

// FileConfig is the on-disk shape of the daemon's configuration, loaded
// with gopkg.in/yaml.v3.
type FileConfig struct {
	PendingQueueCapacity int             `yaml:"pending_queue_capacity"`
	SessionBufferSize    int             `yaml:"session_buffer_size"`
	EvaluatorTimeout      time.Duration   `yaml:"evaluator_timeout"`
	Mounts                []FileMountSpec `yaml:"mounts"`
}

// LoadConfig reads and parses a YAML configuration file at path.
func LoadConfig(path string) (FileConfig, error) {
	var cfg FileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ToCompositorConfig projects the ambient/plumbing fields of FileConfig
// into the compositor's construction-time Config.
func (c FileConfig) ToCompositorConfig() Config {
	return Config{
		PendingQueueCapacity: c.PendingQueueCapacity,
		SessionBufferSize:    c.SessionBufferSize,
		Gateway:              GatewayConfig{EvaluatorTimeout: c.EvaluatorTimeout},
	}
}

// ToMountSpec converts a FileMountSpec into the Admin surface's typed
// MountSpec, for reuse by the daemon's own startup mounting path so that
// config-driven mounts and Admin-driven attach_server calls share one
// conversion.
func (m FileMountSpec) ToMountSpec() MountSpec {
	switch m.Kind {
	case "http":
		return MountSpec{Kind: MountSpecHTTP, Endpoint: m.Endpoint, Headers: m.Headers}
	default:
		return MountSpec{Kind: MountSpecStdio, Command: m.Command, Args: m.Args, Env: m.Env}
	}
}

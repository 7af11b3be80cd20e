package evhttpd

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// TriggerMode selects edge- vs level-triggered semantics for the
// listening fd and/or connection fds.
type TriggerMode int

const (
	// TriggerLevelLevel: both listener and connections level-triggered.
	TriggerLevelLevel TriggerMode = iota
	// TriggerLevelEdge: listener level-triggered, connections edge-triggered.
	TriggerLevelEdge
	// TriggerEdgeLevel: listener edge-triggered, connections level-triggered.
	TriggerEdgeLevel
	// TriggerEdgeEdge: both listener and connections edge-triggered.
	TriggerEdgeEdge
)

// Config holds every tunable the reactor needs to start, loadable from a
// TOML file via LoadConfig or built programmatically.
type Config struct {
	Port          int         `toml:"port"`
	TriggerMode   TriggerMode `toml:"trigger_mode"`
	IdleTimeoutMS int         `toml:"idle_timeout_ms"`
	GracefulLinger bool       `toml:"graceful_linger"`
	WorkerCount   int         `toml:"worker_count"`
	DocumentRoot  string      `toml:"document_root"`

	// ListenBacklog resolves spec.md §9's "backlog fixed at 6" flag by
	// making it configurable.
	ListenBacklog int `toml:"listen_backlog"`
	// MaxConnections replaces the hardcoded MAX_FD cap.
	MaxConnections int `toml:"max_connections"`
	// MaxKeepAliveRequests is advertised in the Keep-Alive response
	// header's max= field.
	MaxKeepAliveRequests int `toml:"max_keep_alive_requests"`
	// LogLevel is parsed by logrus.ParseLevel in cmd/evhttpd.
	LogLevel string `toml:"log_level"`
}

// DefaultConfig returns a Config with the defaults a fresh deployment
// would start from.
func DefaultConfig() Config {
	return Config{
		Port:           8080,
		TriggerMode:    TriggerEdgeEdge,
		IdleTimeoutMS:  30_000,
		GracefulLinger: false,
		WorkerCount:    4,
		DocumentRoot:   ".",
		ListenBacklog:        128,
		MaxConnections:       10_000,
		MaxKeepAliveRequests: 100,
		LogLevel:             "info",
	}
}

// LoadConfig reads and unmarshals a TOML file, starting from
// DefaultConfig so an unspecified field keeps its default.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate enforces the ranges from spec.md §6, returning a descriptive
// error for the first violation found.
func (c Config) Validate() error {
	// Port 0 asks the kernel for an ephemeral port (used by tests); any
	// other value must fall in the configured range.
	if c.Port != 0 && (c.Port < 1024 || c.Port > 65535) {
		return fmt.Errorf("port %d out of range [1024, 65535]", c.Port)
	}
	if c.TriggerMode < TriggerLevelLevel || c.TriggerMode > TriggerEdgeEdge {
		return fmt.Errorf("trigger_mode %d out of range [0, 3]", c.TriggerMode)
	}
	if c.IdleTimeoutMS < 0 {
		return fmt.Errorf("idle_timeout_ms must be >= 0 (0 disables), got %d", c.IdleTimeoutMS)
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("worker_count must be positive, got %d", c.WorkerCount)
	}
	if c.DocumentRoot == "" {
		return fmt.Errorf("document_root must not be empty")
	}
	if c.ListenBacklog <= 0 {
		return fmt.Errorf("listen_backlog must be positive, got %d", c.ListenBacklog)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive, got %d", c.MaxConnections)
	}
	if c.MaxKeepAliveRequests <= 0 {
		return fmt.Errorf("max_keep_alive_requests must be positive, got %d", c.MaxKeepAliveRequests)
	}
	return nil
}

// listenerEdgeTriggered reports whether the listening fd should be
// registered edge-triggered under this trigger mode.
func (c Config) listenerEdgeTriggered() bool {
	return c.TriggerMode == TriggerEdgeLevel || c.TriggerMode == TriggerEdgeEdge
}

// connectionEdgeTriggered reports whether connection fds should be
// treated as edge-triggered under this trigger mode.
func (c Config) connectionEdgeTriggered() bool {
	return c.TriggerMode == TriggerLevelEdge || c.TriggerMode == TriggerEdgeEdge
}

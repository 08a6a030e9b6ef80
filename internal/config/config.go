// Package config loads the operator-tunable YAML file that sizes the
// proxy's cooperative-scheduling constants. This sits beside the proxy's
// own control surface (internal/supervisor's start/stop), not inside it:
// the Supervisor is always built from a plain Go struct.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"filterproxy/internal/logx"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	MaxConnections   int           `yaml:"max_connections"`
	TCPRelayTimeout  time.Duration `yaml:"tcp_relay_timeout"`
	UDPRelayTimeout  time.Duration `yaml:"udp_relay_timeout"`
	RelayBufferSize  int           `yaml:"relay_buffer_size"`
	RelayGracePeriod time.Duration `yaml:"relay_grace_period"`

	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	StatsInterval    time.Duration `yaml:"stats_interval"`
	// SnapshotHistory and EventHistory are not read by any component: the
	// ring capacities are fixed at telemetry.SnapshotRingCap and
	// telemetry.EventRingCap.
	SnapshotHistory  int           `yaml:"snapshot_history"`
	EventHistory     int           `yaml:"event_history"`
	TelemetryPath    string        `yaml:"telemetry_path"`

	AcceptRatePerSec float64 `yaml:"accept_rate_per_sec"`
	AcceptBurst      int     `yaml:"accept_burst"`

	HTTPAddr string `yaml:"http_addr"`
	HistoryDB string `yaml:"history_db"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Default mirrors the constants named in spec.md §4-§5: 127.0.0.1 ephemeral
// bind, 500 concurrent connections, 120s TCP / 5s UDP relay timeouts, 64KiB
// pump buffer, a 5s post-close grace window, 1Hz snapshots, 10s stats log,
// a 300-entry snapshot ring and a 500-entry event ring, and info-level logging.
func Default() *Config {
	cfg := &Config{
		ListenAddr:       "127.0.0.1:0",
		MaxConnections:   500,
		TCPRelayTimeout:  120 * time.Second,
		UDPRelayTimeout:  5 * time.Second,
		RelayBufferSize:  65536,
		RelayGracePeriod: 5 * time.Second,
		SnapshotInterval: 1 * time.Second,
		StatsInterval:    10 * time.Second,
		SnapshotHistory:  300,
		EventHistory:     500,
		TelemetryPath:    "./run/telemetry.json",
		AcceptRatePerSec: 200,
		AcceptBurst:      100,
		HTTPAddr:         "127.0.0.1:9780",
		HistoryDB:        "./run/history.db",
	}
	cfg.Logging.Level = "info"
	return cfg
}

var log = logx.New(logx.WithPrefix("config"))

// Load reads path (if present) over the defaults. A missing file is not an
// error -- the proxy runs fine with Default() alone.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Infof("no config file at %s, using defaults", path)
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	log.Infof("config loaded from %s", path)
	return cfg, nil
}

package config

import (
	"os"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Broker BrokerConfig `toml:"broker"`
	Ring   RingConfig   `toml:"ring"`
	Log    LogConfig    `toml:"log"`
}

type BrokerConfig struct {
	// SocketPath is the well-known datagram socket participants register at.
	SocketPath string `toml:"socket_path"`
	// MetricsAddr is where the broker daemon serves /metrics.
	MetricsAddr string `toml:"metrics_addr"`
}

type RingConfig struct {
	SlotCount uint32 `toml:"slot_count"`
	SlotSize  uint32 `toml:"slot_size"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			SocketPath:  "/tmp/ipc_daemon.sock",
			MetricsAddr: "127.0.0.1:9311",
		},
		Ring: RingConfig{
			SlotCount: 64,
			SlotSize:  1024,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// FromEnv resolves configuration the way the binaries do: the file named
// by SHMBUS_CONFIG if set, else ./shmbus.toml if present, else defaults.
func FromEnv() (*Config, error) {
	if p := os.Getenv("SHMBUS_CONFIG"); p != "" {
		return Load(p)
	}
	if _, err := os.Stat("shmbus.toml"); err == nil {
		return Load("shmbus.toml")
	}
	return Default(), nil
}

// Load reads a TOML file over the defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	c := Default()
	if err := toml.Unmarshal(b, c); err != nil {
		return nil, err
	}

	return c, nil
}

// Package config loads the YAML configuration of a gojotx server.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojotx/core/security/internaltls"
	"github.com/sushant-115/gojotx/pkg/logger"
	"github.com/sushant-115/gojotx/pkg/telemetry"
)

// Server modes.
const (
	ModeActive  = "active"
	ModePassive = "passive"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Server identifies this process.
type Server struct {
	NodeID     string `yaml:"node_id"`
	Mode       string `yaml:"mode"`
	ListenAddr string `yaml:"listen_addr"`
}

// Transactions tunes the transaction pipeline.
type Transactions struct {
	ApplyWorkers    int    `yaml:"apply_workers"`
	GIDReserveBlock uint64 `yaml:"gid_reserve_block"`
	MaxAckWindow    int    `yaml:"max_ack_window"`
	// ResentWindow is how long a new active waits for reconnecting clients
	// to announce resent transactions.
	ResentWindow time.Duration `yaml:"resent_window"`
	// SessionQueueSize bounds the acknowledgement frames queued per client.
	SessionQueueSize int `yaml:"session_queue_size"`
}

// Peer is a passive server the active relays to.
type Peer struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// TLS secures the replication link.
type TLS struct {
	Enabled bool `yaml:"enabled"`
	// SelfSigned generates a throwaway identity instead of reading Files.
	SelfSigned bool              `yaml:"self_signed"`
	ServerName string            `yaml:"server_name"`
	Files      internaltls.Files `yaml:",inline"`
}

// Replication configures relaying between the active and its passives.
type Replication struct {
	Passives      []Peer        `yaml:"passives"`
	ActiveAddress string        `yaml:"active_address"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	AckBatchSize  int           `yaml:"ack_batch_size"`
	AckInterval   time.Duration `yaml:"ack_interval"`
	PoolSize      int           `yaml:"pool_size"`
	TLS           TLS           `yaml:"tls"`
}

// Storage locates durable state.
type Storage struct {
	DataDir string `yaml:"data_dir"`
}

// Config is the whole server configuration.
type Config struct {
	Logger       logger.Config    `yaml:"logger"`
	Telemetry    telemetry.Config `yaml:"telemetry"`
	Server       Server           `yaml:"server"`
	Transactions Transactions     `yaml:"transactions"`
	Replication  Replication      `yaml:"replication"`
	Storage      Storage          `yaml:"storage"`
}

// Default returns a single active server on localhost.
func Default() *Config {
	return &Config{
		Logger:    logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Telemetry: telemetry.Config{ServiceName: "gojotx", MetricsAddr: "127.0.0.1:9464", TraceSampleRatio: 1},
		Server: Server{
			NodeID:     "server-1",
			Mode:       ModeActive,
			ListenAddr: "127.0.0.1:7100",
		},
		Transactions: Transactions{
			ApplyWorkers:     4,
			GIDReserveBlock:  1000,
			MaxAckWindow:     32,
			ResentWindow:     2 * time.Second,
			SessionQueueSize: 256,
		},
		Replication: Replication{
			AckBatchSize: 128,
			AckInterval:  20 * time.Millisecond,
			PoolSize:     2,
		},
		Storage: Storage{DataDir: "/tmp/gojotx_data"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first inconsistency.
func (c *Config) Validate() error {
	if err := c.Logger.Validate(); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	if c.Server.NodeID == "" {
		return errors.Wrap(ErrInvalidConfig, "server.node_id is empty")
	}
	if c.Server.ListenAddr == "" {
		return errors.Wrap(ErrInvalidConfig, "server.listen_addr is empty")
	}
	switch c.Server.Mode {
	case ModeActive:
	case ModePassive:
		if c.Replication.ActiveAddress == "" {
			return errors.Wrap(ErrInvalidConfig, "passive server needs replication.active_address")
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "server.mode %q, want %s or %s", c.Server.Mode, ModeActive, ModePassive)
	}
	if t := c.Transactions; t.ApplyWorkers < 0 || t.MaxAckWindow < 0 || t.ResentWindow < 0 || t.SessionQueueSize < 0 {
		return errors.Wrap(ErrInvalidConfig, "transactions settings must not be negative")
	}
	if c.Replication.RatePerSecond < 0 {
		return errors.Wrap(ErrInvalidConfig, "replication.rate_per_second is negative")
	}
	seen := make(map[string]struct{}, len(c.Replication.Passives))
	for _, p := range c.Replication.Passives {
		if p.ID == "" || p.Address == "" {
			return errors.Wrap(ErrInvalidConfig, "replication passive needs id and address")
		}
		if p.ID == c.Server.NodeID {
			return errors.Wrapf(ErrInvalidConfig, "passive %s is this server", p.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return errors.Wrapf(ErrInvalidConfig, "passive %s listed twice", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	if t := c.Replication.TLS; t.Enabled && !t.SelfSigned && (t.Files.CAFile == "" || t.Files.CertFile == "" || t.Files.KeyFile == "") {
		return errors.Wrap(ErrInvalidConfig, "replication.tls needs ca_file, cert_file and key_file")
	}
	if c.Storage.DataDir == "" {
		return errors.Wrap(ErrInvalidConfig, "storage.data_dir is empty")
	}
	return nil
}

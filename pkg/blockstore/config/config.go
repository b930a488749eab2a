// Package config loads a peer process's YAML configuration file, the way
// the teacher's cmd/warren loaded cobra flags into a log.Config at
// startup — here there's a whole peer to configure instead of just the
// logger, so it grows into a proper yaml.v3 document.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is a single peer's process configuration.
type Config struct {
	PeerId  string `yaml:"peerId"`
	DataDir string `yaml:"dataDir"`
	// RepoListen and ClusterListen are separate wire listeners: the repo
	// protocol runs at high frequency (every Get/Pend/Commit), the
	// cluster protocol rarely (one update per coordinated write), so
	// each gets its own address per the PeerInfo.Multiaddrs[0]=repo,
	// [1]=cluster convention.
	RepoListen    string `yaml:"repoListen"`
	ClusterListen string `yaml:"clusterListen"`
	ClusterID     string `yaml:"clusterId"`

	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Chain   ChainConfig   `yaml:"chain"`
	Sync    SyncConfig    `yaml:"sync"`
	Cluster ClusterConfig `yaml:"cluster"`
	TLS     TLSConfig     `yaml:"tls"`
}

// LogConfig controls the zerolog sink.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig controls the Prometheus debug HTTP listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ChainConfig controls chain/log block sizing.
type ChainConfig struct {
	EntriesPerBlock int `yaml:"entriesPerBlock"`
}

// SyncConfig controls the Collection sync retry loop.
type SyncConfig struct {
	PendingRetryDelay time.Duration `yaml:"pendingRetryDelay"`
	TailFirstCommit   bool          `yaml:"tailFirstCommit"`
}

// ClusterConfig controls cluster coordination timeouts and the static
// peer table a StaticDiscoverer routes blocks across.
type ClusterConfig struct {
	PromiseTimeout    time.Duration `yaml:"promiseTimeout"`
	ResolutionPoll    time.Duration `yaml:"resolutionPoll"`
	DefaultExpiration time.Duration `yaml:"defaultExpiration"`
	ReplicationFactor int           `yaml:"replicationFactor"`
	Peers             []PeerConfig  `yaml:"peers"`
}

// PeerConfig names one cluster member for the static discoverer: its
// dial addresses and hex-encoded ed25519 public key.
type PeerConfig struct {
	PeerId       string `yaml:"peerId"`
	RepoAddr     string `yaml:"repoAddr"`
	ClusterAddr  string `yaml:"clusterAddr"`
	PublicKeyHex string `yaml:"publicKey"`
}

// TLSConfig controls the optional mTLS transport wrapper.
type TLSConfig struct {
	Enabled bool   `yaml:"enabled"`
	CertDir string `yaml:"certDir"`
}

// Default returns a Config with the spec's stated defaults
// (EntriesPerBlock=32, PendingRetryDelayMs=100, tail-first commit on).
func Default() Config {
	return Config{
		RepoListen:    ":7946",
		ClusterListen: ":7947",
		DataDir:       "./data",
		Log:           LogConfig{Level: "info", JSON: false},
		Metrics:       MetricsConfig{Enabled: true, Listen: ":9090"},
		Chain:         ChainConfig{EntriesPerBlock: 32},
		Sync: SyncConfig{
			PendingRetryDelay: 100 * time.Millisecond,
			TailFirstCommit:   true,
		},
		Cluster: ClusterConfig{
			PromiseTimeout:    10 * time.Second,
			ResolutionPoll:    2 * time.Second,
			DefaultExpiration: 30 * time.Second,
			ReplicationFactor: 3,
		},
		TLS: TLSConfig{Enabled: false, CertDir: ".blockpeer/certs"},
	}
}

// Load reads and parses a YAML config file, filling unset fields from
// Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.PeerId == "" {
		return Config{}, fmt.Errorf("config %s: peerId is required", path)
	}
	return cfg, nil
}

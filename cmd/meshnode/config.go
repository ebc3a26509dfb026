package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/montana2ab/myriadmesh/node/pkg/failover"
	"github.com/montana2ab/myriadmesh/node/pkg/router"
)

// Config is the node's on-disk configuration, one struct with nested
// per-subsystem sections, teacher's pkg/common.Config pattern.
type Config struct {
	ListenAddress      string `yaml:"listen_address"`       // admin/management surface
	FrameListenAddress string `yaml:"frame_listen_address"` // peer frame traffic (HTTP adapter)
	AdvertiseAddress   string `yaml:"advertise_address"`
	StorageDir         string `yaml:"storage_dir"` // empty = in-memory storage only

	BootstrapNodes []string `yaml:"bootstrap_nodes"`

	TLS struct {
		CertFile string `yaml:"cert_file"`
		KeyFile  string `yaml:"key_file"`
	} `yaml:"tls"`

	Swarm struct {
		ReplicationFactor int `yaml:"replication_factor"`
		TTLDays           int `yaml:"ttl_days"`
	} `yaml:"swarm"`

	Router struct {
		PerSourceRPS   float64 `yaml:"per_source_rps"`
		PerSourceBurst int     `yaml:"per_source_burst"`
		GlobalRPS      float64 `yaml:"global_rps"`
		GlobalBurst    int     `yaml:"global_burst"`
	} `yaml:"router"`

	Failover struct {
		AutoFailover               bool    `yaml:"auto_failover"`
		TickIntervalSeconds        int     `yaml:"tick_interval_seconds"`
		LatencyThresholdMultiplier float64 `yaml:"latency_threshold_multiplier"`
	} `yaml:"failover"`

	ScoringProfile string `yaml:"scoring_profile"` // default, battery_optimized, performance_optimized, reliability_optimized

	AdminRateLimit struct {
		RequestsPerSecond int `yaml:"requests_per_second"`
		Burst             int `yaml:"burst"`
	} `yaml:"admin_rate_limit"`
}

// defaultConfig fills in the literal defaults referenced across §4.H/§4.L
// when a section is left blank in config.yaml.
func defaultConfig() *Config {
	c := &Config{
		ListenAddress:      "0.0.0.0:8443",
		FrameListenAddress: "0.0.0.0:8444",
		AdvertiseAddress:   "https://127.0.0.1:8444",
	}
	c.Swarm.ReplicationFactor = 3
	c.Swarm.TTLDays = 7
	rc := router.DefaultConfig()
	c.Router.PerSourceRPS = rc.PerSourceRPS
	c.Router.PerSourceBurst = rc.PerSourceBurst
	c.Router.GlobalRPS = rc.GlobalRPS
	c.Router.GlobalBurst = rc.GlobalBurst
	fc := failover.DefaultConfig()
	c.Failover.AutoFailover = fc.AutoFailover
	c.Failover.TickIntervalSeconds = int(fc.TickInterval.Seconds())
	c.Failover.LatencyThresholdMultiplier = fc.LatencyThresholdMultiplier
	c.ScoringProfile = "default"
	c.AdminRateLimit.RequestsPerSecond = 20
	c.AdminRateLimit.Burst = 40
	return c
}

func loadConfig(filename string) (*Config, error) {
	config := defaultConfig()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) routerConfig() router.Config {
	return router.Config{
		PerSourceRPS:     c.Router.PerSourceRPS,
		PerSourceBurst:   c.Router.PerSourceBurst,
		GlobalRPS:        c.Router.GlobalRPS,
		GlobalBurst:      c.Router.GlobalBurst,
		QueueCapacity:    10000,
		LocalDeliveryBuf: 1000,
	}
}

func (c *Config) failoverConfig() failover.Config {
	return failover.Config{
		AutoFailover:               c.Failover.AutoFailover,
		TickInterval:               time.Duration(c.Failover.TickIntervalSeconds) * time.Second,
		LatencyThresholdMultiplier: c.Failover.LatencyThresholdMultiplier,
	}
}

func (c *Config) swarmTTL() time.Duration {
	return time.Duration(c.Swarm.TTLDays) * 24 * time.Hour
}

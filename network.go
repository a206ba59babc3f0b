package main

import (
	"fmt"
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// NetworkConfig describes one network to crawl plus the crawl tuning.
type NetworkConfig struct {
	Name           string   `yaml:"name"`
	Magic          uint32   `yaml:"magic"`
	Port           uint16   `yaml:"port"`
	NetVer         uint32   `yaml:"protocol_version"`
	UserAgent      string   `yaml:"user_agent"`
	Services       uint64   `yaml:"services"`
	Seeders        []string `yaml:"seeders"`
	InitialIPs     []net.IP `yaml:"initial_nodes"`
	Resolver       string   `yaml:"resolver"`
	Workers        int      `yaml:"workers"`
	TimeoutSecs    int      `yaml:"timeout_seconds"`
	BatchMult      int      `yaml:"batch_multiplier"`
	RevisitMinutes int      `yaml:"revisit_minutes"`
	RetrySecs      int      `yaml:"retry_seconds"`
	ProxyAddr      string   `yaml:"proxy"`
	DBPath         string   `yaml:"database"`

	log *log.Entry
}

func (c *NetworkConfig) timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

func (c *NetworkConfig) revisitInterval() time.Duration {
	return time.Duration(c.RevisitMinutes) * time.Minute
}

func (c *NetworkConfig) retryInterval() time.Duration {
	return time.Duration(c.RetrySecs) * time.Second
}

// batchSize is how many tasks the control loop keeps in front of the workers
// and how many finished attempts it lets pile up before a store round-trip.
func (c *NetworkConfig) batchSize() int {
	return c.Workers * c.BatchMult
}

func loadNetwork(fName string) (*NetworkConfig, error) {
	f, err := os.Open(fName)
	if err != nil {
		return nil, fmt.Errorf("error opening config file: %v", err)
	}

	defer f.Close()

	cfg := &NetworkConfig{}

	decoder := yaml.NewDecoder(f)
	if err = decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("error reading config file: %v", err)
	}

	if cfg.Name == "" {
		return nil, fmt.Errorf("no network name supplied")
	}

	if cfg.Port == 0 {
		return nil, fmt.Errorf("invalid port supplied: %v", cfg.Port)
	}

	if len(cfg.Seeders) == 0 && len(cfg.InitialIPs) == 0 {
		return nil, fmt.Errorf("no seeders or initial nodes supplied")
	}

	// add some checks to the tuning values to keep them sane
	if cfg.Magic == 0 {
		cfg.Magic = 0xd9b4bef9 // mainnet
	}
	if cfg.NetVer == 0 {
		cfg.NetVer = 70015
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "/btccrawler:0.1/"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 25
	}
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 10
	}
	if cfg.BatchMult <= 0 {
		cfg.BatchMult = 10
	}
	if cfg.RevisitMinutes <= 0 {
		cfg.RevisitMinutes = 30
	}
	if cfg.RetrySecs <= 0 {
		cfg.RetrySecs = 60
	}
	if cfg.ProxyAddr == "" {
		cfg.ProxyAddr = "127.0.0.1:9050"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = cfg.Name + ".db"
	}

	cfg.log = log.WithField("network", cfg.Name)

	return cfg, nil
}

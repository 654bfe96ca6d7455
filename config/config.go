package config

import (
	"fmt"
	"os"

	"github.com/Clouded-Sabre/tuntcp/lib"
	"gopkg.in/yaml.v3"
)

// Config mirrors config.yaml. Unset keys keep the library defaults.
type Config struct {
	TunName       *string `yaml:"tunName"`
	FrameSize     *int    `yaml:"frameSize"`
	LocalWindow   *uint16 `yaml:"localWindow"`
	SendQueueSize *int    `yaml:"sendQueueSize"`
	FramePoolSize *int    `yaml:"framePoolSize"`
	TTL           *uint8  `yaml:"ttl"`
	RandomISS     *bool   `yaml:"randomISS"`
	BlockingRead  *bool   `yaml:"blockingRead"`
	Debug         *bool   `yaml:"debug"`
	PoolDebug     *bool   `yaml:"poolDebug"`
}

// LoadConfig reads a YAML file and overlays it on lib.DefaultInterfaceConfig.
func LoadConfig(filePath string) (*lib.InterfaceConfig, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig is LoadConfig for an in-memory document.
func ParseConfig(data []byte) (*lib.InterfaceConfig, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg := lib.DefaultInterfaceConfig()
	if c.TunName != nil {
		cfg.TunName = *c.TunName
	}
	if c.FrameSize != nil {
		cfg.FrameSize = *c.FrameSize
	}
	if c.LocalWindow != nil {
		cfg.LocalWindow = *c.LocalWindow
	}
	if c.SendQueueSize != nil {
		cfg.SendQueueSize = *c.SendQueueSize
	}
	if c.FramePoolSize != nil {
		cfg.FramePoolSize = *c.FramePoolSize
	}
	if c.TTL != nil {
		cfg.TTL = *c.TTL
	}
	if c.RandomISS != nil {
		cfg.RandomISS = *c.RandomISS
	}
	if c.BlockingRead != nil {
		cfg.BlockingRead = *c.BlockingRead
	}
	if c.Debug != nil {
		cfg.Debug = *c.Debug
	}
	if c.PoolDebug != nil {
		cfg.PoolDebug = *c.PoolDebug
	}
	return cfg, nil
}

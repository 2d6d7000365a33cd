// Package config loads txtracker settings from a YAML file, TXTRACKER_* environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	RPC     RPCConfig     `mapstructure:"rpc"`
	Oracle  OracleConfig  `mapstructure:"oracle"`
	Server  ServerConfig  `mapstructure:"server"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Tracker TrackerConfig `mapstructure:"tracker"`
}

type RPCConfig struct {
	// URLs maps a decimal chain ID to its JSON-RPC endpoint
	URLs map[string]string `mapstructure:"urls"`
}

type OracleConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type ServerConfig struct {
	Addr          string        `mapstructure:"addr"`
	QuoteTTL      time.Duration `mapstructure:"quote_ttl"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	RateBurst     int           `mapstructure:"rate_burst"`
}

type RedisConfig struct {
	URL       string `mapstructure:"url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type TrackerConfig struct {
	BlockPollInterval   time.Duration `mapstructure:"block_poll_interval"`
	ReceiptPollInterval time.Duration `mapstructure:"receipt_poll_interval"`
	Confirmations       uint64        `mapstructure:"confirmations"`
	Debounce            time.Duration `mapstructure:"debounce"`
	ClearAfter          time.Duration `mapstructure:"clear_after"`
}

// Load reads path, or txtracker.yaml from the working directory and
// $HOME/.txtracker when path is empty. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("txtracker")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.txtracker")
	}

	v.SetEnvPrefix("TXTRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rpc.urls", map[string]string{})

	v.SetDefault("oracle.base_url", "https://gas.api.infura.io")
	v.SetDefault("oracle.api_key", "")
	v.SetDefault("oracle.poll_interval", 15*time.Second)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.quote_ttl", 10*time.Second)
	v.SetDefault("server.rate_per_second", 5.0)
	v.SetDefault("server.rate_burst", 10)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.key_prefix", "")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "txtracker.lifecycle")

	v.SetDefault("tracker.block_poll_interval", time.Second)
	v.SetDefault("tracker.receipt_poll_interval", 3*time.Second)
	v.SetDefault("tracker.confirmations", 2)
	v.SetDefault("tracker.debounce", 500*time.Millisecond)
	v.SetDefault("tracker.clear_after", time.Duration(0))
}

// RPCURLs returns the configured endpoints keyed by chain ID.
func (c *Config) RPCURLs() (map[uint64]string, error) {
	out := make(map[uint64]string, len(c.RPC.URLs))
	for id, url := range c.RPC.URLs {
		chainID, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chain id %q in rpc.urls: %w", id, err)
		}
		out[chainID] = url
	}
	return out, nil
}

// ChainIDs returns the chains with a configured endpoint.
func (c *Config) ChainIDs() []uint64 {
	urls, err := c.RPCURLs()
	if err != nil {
		return nil
	}
	ids := make([]uint64, 0, len(urls))
	for id := range urls {
		ids = append(ids, id)
	}
	return ids
}

package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Proxy ProxyConfig `mapstructure:"proxy"`
	Relay RelayConfig `mapstructure:"relay"`
	Store StoreConfig `mapstructure:"store"`
}

// ProxyConfig identifies the session this proxy owns and the cluster
// it dispatches requests to.
type ProxyConfig struct {
	SessionID        string   `mapstructure:"session_id"`
	ClusterAddresses []string `mapstructure:"cluster_addresses"`
	ReplicaCount     int      `mapstructure:"replica_count"`
}

type RelayConfig struct {
	Kafka    KafkaRelayConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQRelayConfig `mapstructure:"rabbitmq"`
}

type KafkaRelayConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers"`
	Topic       string   `mapstructure:"topic"`
	ClientID    string   `mapstructure:"client_id"`
	WorkerCount int      `mapstructure:"worker_count"`
	QueueDepth  int      `mapstructure:"queue_depth"`
}

type RabbitMQRelayConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	URL           string   `mapstructure:"url"`
	Endpoints     []string `mapstructure:"endpoints"`
	Exchange      string   `mapstructure:"exchange"`
	RoutingKey    string   `mapstructure:"routing_key"`
	Workers       int      `mapstructure:"workers"`
	DeliveryQueue int      `mapstructure:"delivery_queue"`
}

type StoreConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("raftproxy")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("proxy.replica_count", 3)
	v.SetDefault("relay.kafka.worker_count", 4)
	v.SetDefault("relay.kafka.queue_depth", 1024)
	v.SetDefault("relay.rabbitmq.workers", 4)
	v.SetDefault("relay.rabbitmq.delivery_queue", 1024)
	v.SetDefault("store.sqlite_path", "raftproxy-sessions.db")
}

// QuorumSize returns the number of replicas a write must reach before
// the cluster can commit it, for a cluster of the given size.
func QuorumSize(replicaCount int) int {
	return replicaCount/2 + 1
}

func (c Config) Validate() error {
	if c.Proxy.SessionID == "" {
		return fmt.Errorf("proxy.session_id is required")
	}
	if len(c.Proxy.ClusterAddresses) == 0 {
		return fmt.Errorf("proxy.cluster_addresses is required")
	}
	if c.Proxy.ReplicaCount > 0 && len(c.Proxy.ClusterAddresses) < QuorumSize(c.Proxy.ReplicaCount) {
		return fmt.Errorf("proxy.cluster_addresses has %d entries, fewer than quorum size %d for replica_count %d",
			len(c.Proxy.ClusterAddresses), QuorumSize(c.Proxy.ReplicaCount), c.Proxy.ReplicaCount)
	}
	if c.Relay.Kafka.Enabled && (len(c.Relay.Kafka.Brokers) == 0 || c.Relay.Kafka.Topic == "") {
		return fmt.Errorf("relay.kafka.brokers and relay.kafka.topic are required when relay.kafka.enabled")
	}
	if c.Relay.RabbitMQ.Enabled && c.Relay.RabbitMQ.Exchange == "" {
		return fmt.Errorf("relay.rabbitmq.exchange is required when relay.rabbitmq.enabled")
	}
	if c.Store.SQLitePath == "" {
		return fmt.Errorf("store.sqlite_path is required")
	}
	return nil
}

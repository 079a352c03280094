package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/palaver-chat/palaver/state"
)

// Configuration is the file-backed server configuration. All fields are
// optional; NormalizeConfiguration fills the blanks.
type Configuration struct {
	// Host is the address the HTTP listener binds to.
	Host string `json:"host"`

	// GatewayURL is the websocket URL advertised to clients on
	// /api/gateway. It should point at this server's /gateway route as
	// reachable from the outside.
	GatewayURL string `json:"gateway_url"`

	// Debug lowers the log level to debug.
	Debug bool `json:"debug"`

	// AdminToken guards the /api/admin routes. Leaving it empty keeps
	// them unmounted.
	AdminToken string `json:"admin_token"`

	// Storage selects the persistence backend, either "memory" or
	// "redis".
	Storage string `json:"storage"`

	RedisAddress  string `json:"redis_address"`
	RedisPassword string `json:"redis_password"`
	RedisDatabase int    `json:"redis_database"`
	RedisPrefix   string `json:"redis_prefix"`

	// ProducerEnabled turns on the NATS streaming event producer.
	ProducerEnabled bool     `json:"producer_enabled"`
	NatsAddress     string   `json:"nats_address"`
	NatsChannel     string   `json:"nats_channel"`
	ClusterID       string   `json:"nats_cluster"`
	ClientID        string   `json:"nats_client"`
	Blacklist       []string `json:"blacklist"`

	// HeartbeatMinMsec and HeartbeatMaxMsec bound the randomized
	// heartbeat interval handed to gateway clients.
	HeartbeatMinMsec int `json:"heartbeat_min_msec"`
	HeartbeatMaxMsec int `json:"heartbeat_max_msec"`

	// SendBuffer is the per session outbound frame buffer.
	SendBuffer int `json:"send_buffer"`

	// MaxMessages caps the in memory message cache per channel.
	MaxMessages int `json:"max_messages"`

	// DetachedTTLMsec is how long a dropped session stays resumable.
	DetachedTTLMsec int `json:"detached_ttl_msec"`
}

// LoadConfiguration reads the configuration file at path. A missing
// file is not an error, the zero configuration normalizes to usable
// in-memory defaults.
func LoadConfiguration(path string) (Configuration, error) {
	var config Configuration

	body, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NormalizeConfiguration(config)
		}

		return config, err
	}

	err = json.Unmarshal(body, &config)
	if err != nil {
		return config, err
	}

	return NormalizeConfiguration(config)
}

// NormalizeConfiguration fills defaults and rejects values that cannot
// be made to work.
func NormalizeConfiguration(config Configuration) (Configuration, error) {
	if config.Host == "" {
		config.Host = ":8081"
	}

	if config.GatewayURL == "" {
		config.GatewayURL = "ws://localhost:8081/gateway"
	}

	if config.Storage == "" {
		config.Storage = "memory"
	}

	if config.Storage != "memory" && config.Storage != "redis" {
		return config, fmt.Errorf("unknown storage backend %q", config.Storage)
	}

	if config.RedisAddress == "" {
		config.RedisAddress = "127.0.0.1:6379"
	}

	if config.RedisPrefix == "" {
		config.RedisPrefix = "palaver"
	}

	if config.NatsAddress == "" {
		config.NatsAddress = "nats://127.0.0.1:4222"
	}

	if config.NatsChannel == "" {
		config.NatsChannel = "palaver"
	}

	if config.ClusterID == "" {
		config.ClusterID = "test-cluster"
	}

	if config.ClientID == "" {
		config.ClientID = "palaver"
	}

	if config.MaxMessages <= 0 {
		config.MaxMessages = state.DefaultMaxMessages
	}

	if config.HeartbeatMinMsec < 0 || config.HeartbeatMaxMsec < 0 ||
		config.HeartbeatMaxMsec < config.HeartbeatMinMsec {
		return config, errors.New("invalid heartbeat interval bounds")
	}

	if config.SendBuffer < 0 {
		return config, errors.New("send_buffer cannot be negative")
	}

	if config.DetachedTTLMsec < 0 {
		return config, errors.New("detached_ttl_msec cannot be negative")
	}

	return config, nil
}

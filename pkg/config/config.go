// Package config loads Formation's single JSON node configuration file.
package config

import (
	"encoding/json"
	"os"
	"time"
)

// Config mirrors the fields an operator sets for one Formation node.
type Config struct {
	NodeID              string        `json:"node_id"`
	DataDir             string        `json:"data_dir"`
	ListenAddr          string        `json:"listen_addr"`
	RelayAddr           string        `json:"relay_addr"`
	DatastoreAddr       string        `json:"datastore_addr"`
	AgentAddr           string        `json:"agent_addr"`
	VMMAddr             string        `json:"vmm_addr"`
	Bootstrap           []string      `json:"bootstrap_peers"`
	Region              string        `json:"region"`
	RedisAddr           string        `json:"redis_addr"`
	LogLevel            string        `json:"log_level"`
	JSONLogs            bool          `json:"json_logs"`
	JWTAudience         string        `json:"jwt_audience"`
	JWTIssuer           string        `json:"jwt_issuer"`
	JWKSURL             string        `json:"jwks_url"`
	JWKSRefresh         time.Duration `json:"jwks_refresh"`
	FormnetDevice       string        `json:"formnet_device"`
	FormnetSyncInterval time.Duration `json:"formnet_sync_interval"`
}

// Default returns a Config with sane standalone-node defaults.
func Default() Config {
	return Config{
		DataDir:             "/var/lib/formation",
		ListenAddr:          ":51820",
		RelayAddr:           ":51821",
		DatastoreAddr:       ":3010",
		AgentAddr:           ":3011",
		VMMAddr:             ":3012",
		LogLevel:            "info",
		JSONLogs:            true,
		JWKSRefresh:         time.Hour,
		FormnetDevice:       "formnet0",
		FormnetSyncInterval: 15 * time.Second,
	}
}

// Load reads and parses the JSON config file at path, decoding it over
// Default(): any field the file does not set keeps its Default() value.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

package store

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the single persisted-state blob (Persisted
// state): mining address, mint-message, preferred servers, discovery URL,
// and the wallet mnemonic, all loaded from and saved to one YAML file.
type Config struct {
	MiningAddress    string   `yaml:"mining_address"`
	MintMessage      string   `yaml:"mint_message"`
	PreferredServers []string `yaml:"preferred_servers"`
	DiscoveryURL     string   `yaml:"discovery_url"`
	Mnemonic         string   `yaml:"mnemonic"`
}

// LoadConfig reads and parses the YAML config at path.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("store: reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("store: parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating or truncating the file.
func (cfg Config) Save(path string) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("store: encoding config: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("store: writing config %s: %w", path, err)
	}
	return nil
}

// Validate checks the fields required for the core to start mining.
func (cfg Config) Validate() error {
	if cfg.MiningAddress == "" {
		return fmt.Errorf("store: config: mining_address is required")
	}
	if len(cfg.PreferredServers) == 0 {
		return fmt.Errorf("store: config: at least one preferred server is required")
	}
	return nil
}

package ledger

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions models the structure of configs/ledgers.yaml.
type Definitions struct {
	Default string                `yaml:"default"`
	Ledgers map[string]Definition `yaml:"ledgers"`
}

// Definition describes one ledger backend.
type Definition struct {
	// Type is one of memory, evm or gateway.
	Type          string   `yaml:"type"`
	RPCURL        string   `yaml:"rpc_url"`
	Endpoints     []string `yaml:"endpoints"`
	Confirmations uint64   `yaml:"confirmations"`
	// AnchorAddress receives the anchoring transactions on EVM ledgers.
	AnchorAddress     string  `yaml:"anchor_address"`
	ChainID           int64   `yaml:"chain_id"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	AppName           string  `yaml:"app_name"`
	// ConfirmAfterSeconds delays finality on memory ledgers.
	ConfirmAfterSeconds int    `yaml:"confirm_after_seconds"`
	Cache               bool   `yaml:"cache"`
	Description         string `yaml:"description"`
}

// LoadDefinitions parses the YAML file containing ledger definitions. An empty
// path yields an empty set.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Ledgers: map[string]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取账本配置失败: %w", err)
	}
	return ParseDefinitions(content)
}

// ParseDefinitions decodes ledger definitions from YAML.
func ParseDefinitions(content []byte) (Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析账本配置失败: %w", err)
	}
	if defs.Ledgers == nil {
		defs.Ledgers = map[string]Definition{}
	}
	for name, def := range defs.Ledgers {
		def.Type = strings.ToLower(strings.TrimSpace(def.Type))
		if def.Type == "" {
			def.Type = "memory"
		}
		defs.Ledgers[name] = def
	}
	return defs, nil
}

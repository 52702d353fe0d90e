package chain

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions models the structure of configs/chains.yaml.
type Definitions struct {
	Chains map[string]Definition `yaml:"chains"`
}

// Definition describes a single chain the direct adapter can reach.
// PriceFeeds maps pair names ("ETH/USD") to Chainlink aggregator
// addresses; Tokens maps ERC-20 symbols to contract addresses.
type Definition struct {
	ChainID         int64             `yaml:"chain_id"`
	RPCURL          string            `yaml:"rpc_url"`
	NativeSymbol    string            `yaml:"native_symbol"`
	PriceFeeds      map[string]string `yaml:"price_feeds"`
	Tokens          map[string]string `yaml:"tokens"`
	WorkflowManager string            `yaml:"workflow_manager"`
	Description     string            `yaml:"description"`
}

// LoadDefinitions parses the YAML file containing chain metadata.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[string]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("read chain definitions: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("parse chain definitions: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	return defs, nil
}

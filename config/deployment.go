package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/colorfulnotion/reimann/chain"
	"github.com/colorfulnotion/reimann/common"
)

// Deployment keys written by the sandbox deploy tooling.
const (
	keyNexusSettler   = "nexusSettler"
	keyRollup1Settler = "rollup1Settler"
	keyRollup2Settler = "rollup2Settler"
	keyRollup1ERC20   = "rollup1ERC20"
	keyRollup2ERC20   = "rollup2ERC20"
)

// DeployedContract is one entry of the deployment file.
type DeployedContract struct {
	Address common.Address `json:"address"`
	ChainID uint64         `json:"chainId"`
}

// Deployment is the deployment file, keyed by contract name.
type Deployment map[string]DeployedContract

func LoadDeployment(path string) (Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading deployment: %w", err)
	}
	var d Deployment
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing deployment %s: %w", path, err)
	}
	return d, nil
}

func (d Deployment) address(key string) (common.Address, error) {
	c, ok := d[key]
	if !ok {
		return common.Address{}, fmt.Errorf("deployment has no %s", key)
	}
	return c.Address, nil
}

// ResolveContracts resolves the contract addresses: the deployment file first, then explicit overrides.
// A missing deployment file is fine when every address is set explicitly.
func (c *Config) ResolveContracts() (chain.Contracts, error) {
	var out chain.Contracts
	cc := c.Contracts

	if cc.Deployment != "" {
		d, err := LoadDeployment(cc.Deployment)
		switch {
		case err == nil:
			for key, dst := range map[string]*common.Address{
				keyNexusSettler:   &out.HubSettler,
				keyRollup1Settler: &out.SourceSettler,
				keyRollup2Settler: &out.DestinationSettler,
				keyRollup1ERC20:   &out.SourceToken,
				keyRollup2ERC20:   &out.DestinationToken,
			} {
				addr, err := d.address(key)
				if err != nil {
					return out, err
				}
				*dst = addr
			}
		case errors.Is(err, os.ErrNotExist) && cc.complete():
		default:
			return out, err
		}
	}

	for _, o := range []struct {
		value string
		dst   *common.Address
	}{
		{cc.HubSettler, &out.HubSettler},
		{cc.SourceSettler, &out.SourceSettler},
		{cc.DestinationSettler, &out.DestinationSettler},
		{cc.SourceToken, &out.SourceToken},
		{cc.DestinationToken, &out.DestinationToken},
	} {
		if o.value != "" {
			*o.dst = common.HexToAddress(o.value)
		}
	}
	if out.HubSettler == (common.Address{}) || out.SourceSettler == (common.Address{}) || out.DestinationSettler == (common.Address{}) {
		return out, errors.New("settler addresses are not configured")
	}
	return out, nil
}

func (c *ContractsConfig) complete() bool {
	for _, addr := range c.overrides() {
		if addr == "" {
			return false
		}
	}
	return true
}

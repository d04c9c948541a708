package x402

import (
	"fmt"
	"sort"

	"github.com/x402-foundation/x402-gatekeeper/pkg/types"
)

// ChainFamily groups networks that share an address format.
type ChainFamily string

const (
	FamilyEVM ChainFamily = "evm"
	FamilySVM ChainFamily = "svm"
)

// DefaultDecimals is the decimals of USDC on every supported network.
const DefaultDecimals = 6

// AssetInfo describes a settlement token.
type AssetInfo struct {
	Address  string
	Name     string
	Version  string
	Decimals int
}

// NetworkConfig describes a supported network.
type NetworkConfig struct {
	Family       ChainFamily
	ChainID      int64
	DefaultAsset AssetInfo
}

// NetworkConfigs maps v1 network names to their configuration.
var NetworkConfigs = map[types.Network]NetworkConfig{
	"base": {
		Family:  FamilyEVM,
		ChainID: 8453,
		DefaultAsset: AssetInfo{
			Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: DefaultDecimals,
		},
	},
	"base-sepolia": {
		Family:  FamilyEVM,
		ChainID: 84532,
		DefaultAsset: AssetInfo{
			Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Name:     "USDC",
			Version:  "2",
			Decimals: DefaultDecimals,
		},
	},
	"avalanche": {
		Family:  FamilyEVM,
		ChainID: 43114,
		DefaultAsset: AssetInfo{
			Address:  "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: DefaultDecimals,
		},
	},
	"avalanche-fuji": {
		Family:  FamilyEVM,
		ChainID: 43113,
		DefaultAsset: AssetInfo{
			Address:  "0x5425890298aed601595a70AB815c96711a31Bc65",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: DefaultDecimals,
		},
	},
	"polygon": {
		Family:  FamilyEVM,
		ChainID: 137,
		DefaultAsset: AssetInfo{
			Address:  "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: DefaultDecimals,
		},
	},
	"polygon-amoy": {
		Family:  FamilyEVM,
		ChainID: 80002,
		DefaultAsset: AssetInfo{
			Address:  "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
			Name:     "USDC",
			Version:  "2",
			Decimals: DefaultDecimals,
		},
	},
	"sei": {
		Family:  FamilyEVM,
		ChainID: 1329,
		DefaultAsset: AssetInfo{
			Address:  "0xe15fC38F6D8c56aF07bbCBe3BAf5708A2Bf42392",
			Name:     "USDC",
			Version:  "2",
			Decimals: DefaultDecimals,
		},
	},
	"sei-testnet": {
		Family:  FamilyEVM,
		ChainID: 1328,
		DefaultAsset: AssetInfo{
			Address:  "0x4fCF1784B31630811181f670Aea7A7bEF803eaED",
			Name:     "USDC",
			Version:  "2",
			Decimals: DefaultDecimals,
		},
	},
	"solana": {
		Family: FamilySVM,
		DefaultAsset: AssetInfo{
			Address:  "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			Name:     "USDC",
			Decimals: DefaultDecimals,
		},
	},
	"solana-devnet": {
		Family: FamilySVM,
		DefaultAsset: AssetInfo{
			Address:  "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
			Name:     "USDC",
			Decimals: DefaultDecimals,
		},
	},
}

// SupportedNetworks returns the supported network names in sorted order.
func SupportedNetworks() []types.Network {
	networks := make([]types.Network, 0, len(NetworkConfigs))
	for name := range NetworkConfigs {
		networks = append(networks, name)
	}
	sort.Slice(networks, func(i, j int) bool { return networks[i] < networks[j] })
	return networks
}

// GetNetworkConfig returns the configuration for a supported network.
func GetNetworkConfig(network types.Network) (NetworkConfig, error) {
	config, ok := NetworkConfigs[network]
	if !ok {
		return NetworkConfig{}, NewPaymentError(
			ErrCodeUnsupportedNetwork,
			fmt.Sprintf("unsupported network: %s", network),
			nil,
		).WithDetails("supported", SupportedNetworks())
	}
	return config, nil
}

package x402

import (
	"fmt"
	"maps"

	"github.com/x402-foundation/x402-gatekeeper/pkg/types"
)

// RequirementBuilder turns a price and route config into payment requirements
// for one recipient on one default network.
type RequirementBuilder struct {
	payTo   string
	network types.Network
	netCfg  NetworkConfig
}

// NewRequirementBuilder validates the network and normalizes payTo.
func NewRequirementBuilder(payTo string, network types.Network) (*RequirementBuilder, error) {
	netCfg, err := GetNetworkConfig(network)
	if err != nil {
		return nil, err
	}
	normalized, err := NormalizeAddress(netCfg.Family, payTo)
	if err != nil {
		return nil, err
	}
	return &RequirementBuilder{payTo: normalized, network: network, netCfg: netCfg}, nil
}

// PayTo returns the normalized recipient.
func (b *RequirementBuilder) PayTo() string { return b.payTo }

// Network returns the default network.
func (b *RequirementBuilder) Network() types.Network { return b.network }

// Build creates the requirement for one request. resource is the request URL
// or tool identifier and is replaced by cfg.Resource when set.
func (b *RequirementBuilder) Build(resource string, price Price, cfg RouteConfig) (types.PaymentRequirements, error) {
	network, netCfg, payTo := b.network, b.netCfg, b.payTo
	if cfg.Network != "" && cfg.Network != b.network {
		var err error
		network = cfg.Network
		if netCfg, err = GetNetworkConfig(network); err != nil {
			return types.PaymentRequirements{}, err
		}
		if payTo, err = NormalizeAddress(netCfg.Family, b.payTo); err != nil {
			return types.PaymentRequirements{}, err
		}
	}

	amount, asset, extra, err := b.resolvePrice(price, netCfg)
	if err != nil {
		return types.PaymentRequirements{}, err
	}
	maps.Copy(extra, cfg.Extra)
	if len(extra) == 0 {
		extra = nil
	}

	if cfg.Resource != "" {
		resource = cfg.Resource
	}

	return types.PaymentRequirements{
		Scheme:            types.SchemeExact,
		Network:           network,
		MaxAmountRequired: amount,
		Resource:          resource,
		Description:       cfg.Description,
		MimeType:          cfg.MimeType,
		PayTo:             payTo,
		MaxTimeoutSeconds: cfg.maxTimeoutSeconds(),
		Asset:             asset,
		OutputSchema:      outputSchema(cfg),
		Extra:             extra,
	}, nil
}

func (b *RequirementBuilder) resolvePrice(price Price, netCfg NetworkConfig) (amount, asset string, extra map[string]any, err error) {
	switch p := price.(type) {
	case Money:
		amount, err = MoneyToAtomicUnits(p, netCfg.DefaultAsset.Decimals)
		if err != nil {
			return "", "", nil, err
		}
		asset, err = NormalizeAddress(netCfg.Family, netCfg.DefaultAsset.Address)
		if err != nil {
			return "", "", nil, err
		}
		extra = map[string]any{}
		if netCfg.Family == FamilyEVM {
			extra["name"] = netCfg.DefaultAsset.Name
			extra["version"] = netCfg.DefaultAsset.Version
		}
		return amount, asset, extra, nil

	case TokenAmount:
		if err = validateAtomicAmount(p.Amount); err != nil {
			return "", "", nil, err
		}
		if p.Asset.Address == "" {
			return "", "", nil, priceError("token amount requires an asset address", nil)
		}
		asset, err = NormalizeAddress(netCfg.Family, p.Asset.Address)
		if err != nil {
			return "", "", nil, err
		}
		extra = map[string]any{}
		if p.Asset.EIP712 != nil {
			extra["name"] = p.Asset.EIP712.Name
			extra["version"] = p.Asset.EIP712.Version
		}
		return p.Amount, asset, extra, nil

	case nil:
		return "", "", nil, priceError("price is required", nil)
	default:
		return "", "", nil, priceError(fmt.Sprintf("unsupported price type %T", price), nil)
	}
}

func outputSchema(cfg RouteConfig) *types.OutputSchema {
	if cfg.InputSchema == nil && cfg.OutputSchema == nil && cfg.Method == "" && !cfg.Discoverable {
		return nil
	}
	transport := cfg.Transport
	if transport == "" {
		transport = TransportHTTP
	}
	return &types.OutputSchema{
		Input: &types.InputSchema{
			Type:         transport,
			Method:       cfg.Method,
			Discoverable: cfg.Discoverable,
			Schema:       cfg.InputSchema,
		},
		Output: cfg.OutputSchema,
	}
}

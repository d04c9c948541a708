package x402

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x402-foundation/x402-gatekeeper/pkg/types"
)

func TestBuildMoneyPrice(t *testing.T) {
	t.Parallel()

	b, err := NewRequirementBuilder(strings.ToLower(testPayTo), "base")
	require.NoError(t, err)

	req, err := b.Build("https://api.example.com/weather", Money("$0.001"), RouteConfig{
		Description: "weather report",
		MimeType:    "application/json",
	})
	require.NoError(t, err)

	assert.Equal(t, types.PaymentRequirements{
		Scheme:            types.SchemeExact,
		Network:           "base",
		MaxAmountRequired: "1000",
		Resource:          "https://api.example.com/weather",
		Description:       "weather report",
		MimeType:          "application/json",
		PayTo:             common.HexToAddress(testPayTo).Hex(),
		MaxTimeoutSeconds: DefaultMaxTimeoutSeconds,
		Asset:             common.HexToAddress(NetworkConfigs["base"].DefaultAsset.Address).Hex(),
		Extra:             map[string]any{"name": "USD Coin", "version": "2"},
	}, req)
}

func TestBuildRouteOverrides(t *testing.T) {
	t.Parallel()

	b, err := NewRequirementBuilder(testPayTo, "base")
	require.NoError(t, err)

	req, err := b.Build("tool:search", Money("0.02"), RouteConfig{
		Resource:          "urn:search",
		Network:           "base-sepolia",
		MaxTimeoutSeconds: 120,
		Extra:             map[string]any{"version": "3", "custom": true},
		Transport:         TransportMCP,
		Discoverable:      true,
		InputSchema:       map[string]any{"type": "object"},
	})
	require.NoError(t, err)

	assert.Equal(t, "urn:search", req.Resource)
	assert.Equal(t, types.Network("base-sepolia"), req.Network)
	assert.Equal(t, "20000", req.MaxAmountRequired)
	assert.Equal(t, 120, req.MaxTimeoutSeconds)
	assert.Equal(t, map[string]any{"name": "USDC", "version": "3", "custom": true}, req.Extra)
	require.NotNil(t, req.OutputSchema)
	assert.Equal(t, &types.InputSchema{
		Type:         TransportMCP,
		Discoverable: true,
		Schema:       map[string]any{"type": "object"},
	}, req.OutputSchema.Input)
}

func TestBuildTokenAmount(t *testing.T) {
	t.Parallel()

	b, err := NewRequirementBuilder(testPayTo, "polygon")
	require.NoError(t, err)

	token := "0x" + strings.Repeat("ab", 20)
	req, err := b.Build("/r", TokenAmount{
		Amount: "42",
		Asset:  TokenAsset{Address: token, Decimals: 18, EIP712: &EIP712Domain{Name: "Token", Version: "1"}},
	}, RouteConfig{})
	require.NoError(t, err)

	assert.Equal(t, "42", req.MaxAmountRequired)
	assert.Equal(t, common.HexToAddress(token).Hex(), req.Asset)
	assert.Equal(t, map[string]any{"name": "Token", "version": "1"}, req.Extra)

	_, err = b.Build("/r", TokenAmount{Amount: "1.5", Asset: TokenAsset{Address: token}}, RouteConfig{})
	assert.Equal(t, ErrCodePriceProcessing, CodeOf(err))

	_, err = b.Build("/r", TokenAmount{Amount: "1", Asset: TokenAsset{Address: "0x1234"}}, RouteConfig{})
	assert.Equal(t, ErrCodeInvalidAddress, CodeOf(err))
}

func TestBuildFailures(t *testing.T) {
	t.Parallel()

	b, err := NewRequirementBuilder(testPayTo, "base")
	require.NoError(t, err)

	_, err = b.Build("/r", Money("free"), RouteConfig{})
	assert.Equal(t, ErrCodePriceProcessing, CodeOf(err))

	_, err = b.Build("/r", nil, RouteConfig{})
	assert.Equal(t, ErrCodePriceProcessing, CodeOf(err))

	_, err = b.Build("/r", Money("1"), RouteConfig{Network: "ethereum-classic"})
	assert.Equal(t, ErrCodeUnsupportedNetwork, CodeOf(err))

	// an EVM payTo cannot receive on Solana
	_, err = b.Build("/r", Money("1"), RouteConfig{Network: "solana"})
	assert.Equal(t, ErrCodeInvalidAddress, CodeOf(err))
}

func TestNewRequirementBuilderRejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := NewRequirementBuilder("0xnot-an-address", "base")
	assert.Equal(t, ErrCodeInvalidAddress, CodeOf(err))

	_, err = NewRequirementBuilder(testPayTo, "mainnet")
	assert.Equal(t, ErrCodeUnsupportedNetwork, CodeOf(err))
}

func TestBuildSolana(t *testing.T) {
	t.Parallel()

	payTo := "2wKupLR9q6wXYppw8Gr2NvWxKBUqm4PPJKkQfoxHDBg4"
	b, err := NewRequirementBuilder(payTo, "solana-devnet")
	require.NoError(t, err)

	req, err := b.Build("/r", Money("$0.5"), RouteConfig{Extra: map[string]any{"feePayer": payTo}})
	require.NoError(t, err)

	assert.Equal(t, payTo, req.PayTo)
	assert.Equal(t, "500000", req.MaxAmountRequired)
	assert.Equal(t, NetworkConfigs["solana-devnet"].DefaultAsset.Address, req.Asset)
	assert.Equal(t, map[string]any{"feePayer": payTo}, req.Extra)
}

func TestNormalizeAddress(t *testing.T) {
	t.Parallel()

	got, err := NormalizeAddress(FamilyEVM, strings.ToLower(testPayTo))
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testPayTo).Hex(), got)

	_, err = NormalizeAddress(FamilyEVM, "0x123")
	assert.Equal(t, ErrCodeInvalidAddress, CodeOf(err))

	_, err = NormalizeAddress(FamilySVM, "0OIl-not-base58")
	assert.Equal(t, ErrCodeInvalidAddress, CodeOf(err))
}

func TestRouteConfigValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, RouteConfig{InputSchema: map[string]any{"type": "object"}}.Validate())
	assert.Equal(t, ErrCodeInvalidRoute, CodeOf(RouteConfig{InputSchema: map[string]any{"type": 5}}.Validate()))
	assert.Equal(t, ErrCodeInvalidRoute, CodeOf(RouteConfig{MaxTimeoutSeconds: -1}.Validate()))
	assert.Equal(t, ErrCodeUnsupportedNetwork, CodeOf(RouteConfig{Network: "nope"}.Validate()))
}

func TestSupportedNetworksSorted(t *testing.T) {
	t.Parallel()

	networks := SupportedNetworks()
	require.Len(t, networks, len(NetworkConfigs))
	for i := 1; i < len(networks); i++ {
		assert.Less(t, networks[i-1], networks[i])
	}
}

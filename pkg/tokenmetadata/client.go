// Package tokenmetadata completes custom token prices with the decimals and
// EIP-712 domain published by a token metadata service.
package tokenmetadata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/x402-foundation/x402-gatekeeper/pkg/types"
	"github.com/x402-foundation/x402-gatekeeper/pkg/x402"
)

// DefaultBaseURL is the default URL for the token metadata API
const DefaultBaseURL = "https://tokens.anyspend.com"

// DefaultTimeout is the default HTTP client timeout
const DefaultTimeout = 10 * time.Second

// TokenMetadata represents the response from the token metadata API
type TokenMetadata struct {
	ChainID         int    `json:"chainId"`
	TokenAddress    string `json:"tokenAddress"`
	Name            string `json:"name"`
	Symbol          string `json:"symbol"`
	Decimals        int    `json:"decimals"`
	SupportsEip3009 bool   `json:"supportsEip3009"`
	Version         string `json:"version,omitempty"`
}

// Config contains configuration for the token metadata client
type Config struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration
}

// Client is an HTTP client for the token metadata API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new token metadata client
func NewClient(config Config) *Client {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// GetMetadata fetches token metadata for an EVM network.
func (c *Client) GetMetadata(ctx context.Context, network types.Network, tokenAddress string) (*TokenMetadata, error) {
	netCfg, err := x402.GetNetworkConfig(network)
	if err != nil {
		return nil, err
	}
	if netCfg.Family != x402.FamilyEVM {
		return nil, fmt.Errorf("token metadata is only published for EVM networks, not %s", network)
	}

	url := fmt.Sprintf("%s/metadata/%s/%s", c.baseURL, network, strings.ToLower(tokenAddress))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch token metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("token not found: %s on %s", tokenAddress, network)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token metadata API returned status %d", resp.StatusCode)
	}

	var metadata TokenMetadata
	if err := json.NewDecoder(resp.Body).Decode(&metadata); err != nil {
		return nil, fmt.Errorf("failed to decode token metadata: %w", err)
	}
	if netCfg.ChainID != 0 && metadata.ChainID != 0 && int64(metadata.ChainID) != netCfg.ChainID {
		return nil, fmt.Errorf("token metadata for chain %d, expected %d", metadata.ChainID, netCfg.ChainID)
	}

	// EIP-3009 tokens default to domain version "2"
	if metadata.Version == "" {
		metadata.Version = "2"
	}
	return &metadata, nil
}

// CompletePrice fills the decimals and EIP-712 domain of a TokenAmount that
// leaves them out. Money and complete token amounts are returned unchanged.
func (c *Client) CompletePrice(ctx context.Context, network types.Network, price x402.Price) (x402.Price, error) {
	amount, ok := price.(x402.TokenAmount)
	if !ok || (amount.Asset.EIP712 != nil && amount.Asset.Decimals > 0) {
		return price, nil
	}

	metadata, err := c.GetMetadata(ctx, network, amount.Asset.Address)
	if err != nil {
		return nil, err
	}
	if amount.Asset.Decimals == 0 {
		amount.Asset.Decimals = metadata.Decimals
	}
	if amount.Asset.EIP712 == nil {
		amount.Asset.EIP712 = &x402.EIP712Domain{Name: metadata.Name, Version: metadata.Version}
	}
	return amount, nil
}

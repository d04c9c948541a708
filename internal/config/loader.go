package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/x402-foundation/x402-gatekeeper/pkg/facilitatorclient"
	"github.com/x402-foundation/x402-gatekeeper/pkg/tokenmetadata"
	"github.com/x402-foundation/x402-gatekeeper/pkg/types"
	"github.com/x402-foundation/x402-gatekeeper/pkg/x402"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. X402_PAYTO or
// X402_FACILITATOR_URL.
const EnvPrefix = "X402"

var defaults = map[string]any{
	"payTo":                      "",
	"network":                    "base-sepolia",
	"resourceRootURL":            "",
	"facilitator.url":            facilitatorclient.DefaultFacilitatorURL,
	"facilitator.timeout":        30 * time.Second,
	"facilitator.apiKey":         "",
	"facilitator.settleCacheTTL": 10 * time.Minute,
	"async.enabled":              false,
	"async.maxRetries":           x402.DefaultMaxRetries,
	"async.retryDelay":           x402.DefaultRetryDelay,
	"http.addr":                  ":4021",
	"http.mcpPath":               "/mcp",
	"http.shutdownTimeout":       10 * time.Second,
	"ledger.redisAddr":           "",
	"ledger.prefix":              "x402:ledger:",
	"ledger.ttl":                 7 * 24 * time.Hour,
	"tokenMetadata.enabled":      false,
	"tokenMetadata.url":          tokenmetadata.DefaultBaseURL,
	"tokenMetadata.timeout":      tokenmetadata.DefaultTimeout,
}

// Load reads envFiles (".env" when none are given), then path when set, then
// X402_* environment variables. Missing env files are ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the parts the gatekeeper itself does not: route paths,
// tool names and prices.
func (c *Config) Validate() error {
	var errs []error
	paths := map[string]bool{}
	for i, r := range c.Routes {
		key := r.Method + " " + r.Path
		switch {
		case !strings.HasPrefix(r.Path, "/"):
			errs = append(errs, fmt.Errorf("routes[%d]: path %q must start with /", i, r.Path))
		case paths[key]:
			errs = append(errs, fmt.Errorf("routes[%d]: duplicate route %s", i, strings.TrimSpace(key)))
		}
		paths[key] = true
		if _, err := x402.ParsePrice(r.Price); err != nil {
			errs = append(errs, fmt.Errorf("routes[%d]: %w", i, err))
		}
	}

	names := map[string]bool{}
	for i, t := range c.Tools {
		switch {
		case t.Name == "":
			errs = append(errs, fmt.Errorf("tools[%d]: name is required", i))
		case names[t.Name]:
			errs = append(errs, fmt.Errorf("tools[%d]: duplicate tool %q", i, t.Name))
		}
		names[t.Name] = true
		if _, err := x402.ParsePrice(t.Price); err != nil {
			errs = append(errs, fmt.Errorf("tools[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Gatekeeper returns the gatekeeper config.
func (c *Config) Gatekeeper() x402.Config {
	return x402.Config{
		PayTo:   c.PayTo,
		Network: types.Network(c.Network),
		AsyncSettlement: x402.AsyncSettlementConfig{
			Enabled:    c.Async.Enabled,
			MaxRetries: c.Async.MaxRetries,
			RetryDelay: c.Async.RetryDelay,
		},
	}
}

// FacilitatorClient returns the facilitator client config.
func (c *Config) FacilitatorClient() *types.FacilitatorConfig {
	fc := &types.FacilitatorConfig{URL: c.Facilitator.URL}
	if timeout := c.Facilitator.Timeout; timeout > 0 {
		fc.Timeout = func() time.Duration { return timeout }
	}
	if c.Facilitator.APIKey != "" {
		fc.CreateAuthHeaders = facilitatorclient.BearerAuthHeaders(c.Facilitator.APIKey)
	}
	return fc
}

// YAML renders the config with secrets masked.
func (c *Config) YAML() ([]byte, error) {
	masked := *c
	if masked.Facilitator.APIKey != "" {
		masked.Facilitator.APIKey = "********"
	}
	return yaml.Marshal(&masked)
}

// PriceCompleter fills in what a configured price leaves out.
type PriceCompleter interface {
	CompletePrice(ctx context.Context, network types.Network, price x402.Price) (x402.Price, error)
}

// TokenMetadataClient returns the completer for token prices, or nil when
// token metadata lookups are disabled.
func (c *Config) TokenMetadataClient() PriceCompleter {
	if !c.TokenMetadata.Enabled {
		return nil
	}
	return tokenmetadata.NewClient(tokenmetadata.Config{BaseURL: c.TokenMetadata.URL, Timeout: c.TokenMetadata.Timeout})
}

// CompletePrices replaces every route and tool price with its completed form.
func (c *Config) CompletePrices(ctx context.Context, completer PriceCompleter) error {
	complete := func(raw any, network types.Network) (x402.Price, error) {
		price, err := x402.ParsePrice(raw)
		if err != nil {
			return nil, err
		}
		if network == "" {
			network = types.Network(c.Network)
		}
		return completer.CompletePrice(ctx, network, price)
	}

	for i := range c.Routes {
		price, err := complete(c.Routes[i].Price, c.Routes[i].Network)
		if err != nil {
			return fmt.Errorf("routes[%d]: %w", i, err)
		}
		c.Routes[i].Price = price
	}
	for i := range c.Tools {
		price, err := complete(c.Tools[i].Price, c.Tools[i].Network)
		if err != nil {
			return fmt.Errorf("tools[%d]: %w", i, err)
		}
		c.Tools[i].Price = price
	}
	return nil
}

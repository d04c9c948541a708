package config

import (
	"time"

	"github.com/x402-foundation/x402-gatekeeper/pkg/x402"
)

// Config is the full gatekeeper configuration.
type Config struct {
	PayTo   string `yaml:"payTo" mapstructure:"payTo"`
	Network string `yaml:"network" mapstructure:"network"`

	// ResourceRootURL prefixes request paths to form the resource URL.
	ResourceRootURL string `yaml:"resourceRootURL,omitempty" mapstructure:"resourceRootURL"`

	Facilitator FacilitatorConfig `yaml:"facilitator" mapstructure:"facilitator"`
	Async       AsyncConfig       `yaml:"async" mapstructure:"async"`
	HTTP        HTTPConfig        `yaml:"http" mapstructure:"http"`
	Ledger      LedgerConfig      `yaml:"ledger" mapstructure:"ledger"`

	TokenMetadata TokenMetadataConfig `yaml:"tokenMetadata" mapstructure:"tokenMetadata"`

	Routes []RouteConfig `yaml:"routes,omitempty" mapstructure:"routes"`
	Tools  []ToolConfig  `yaml:"tools,omitempty" mapstructure:"tools"`
}

// FacilitatorConfig locates the facilitator service.
type FacilitatorConfig struct {
	URL     string        `yaml:"url" mapstructure:"url"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
	// APIKey is sent as a bearer token when set.
	APIKey string `yaml:"apiKey,omitempty" mapstructure:"apiKey"`
	// SettleCacheTTL deduplicates settlement of a resent proof. Zero disables it.
	SettleCacheTTL time.Duration `yaml:"settleCacheTTL" mapstructure:"settleCacheTTL"`
}

// AsyncConfig controls deferred settlement.
type AsyncConfig struct {
	Enabled    bool          `yaml:"enabled" mapstructure:"enabled"`
	MaxRetries int           `yaml:"maxRetries" mapstructure:"maxRetries"`
	RetryDelay time.Duration `yaml:"retryDelay" mapstructure:"retryDelay"`
}

// HTTPConfig configures the listener.
type HTTPConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
	// MCPPath mounts the MCP streamable HTTP endpoint; empty disables it.
	MCPPath         string        `yaml:"mcpPath,omitempty" mapstructure:"mcpPath"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" mapstructure:"shutdownTimeout"`
}

// LedgerConfig selects the settlement ledger store.
type LedgerConfig struct {
	// RedisAddr selects the redis store; empty keeps entries in memory.
	RedisAddr string        `yaml:"redisAddr,omitempty" mapstructure:"redisAddr"`
	Prefix    string        `yaml:"prefix" mapstructure:"prefix"`
	TTL       time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// TokenMetadataConfig completes token prices at startup.
type TokenMetadataConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	URL     string        `yaml:"url" mapstructure:"url"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// RouteConfig is a paid HTTP route.
type RouteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
	// Price is anything x402.ParsePrice accepts.
	Price any `yaml:"price" mapstructure:"price"`
	// Upstream is proxied to once paid. Without it Response is served.
	Upstream string `yaml:"upstream,omitempty" mapstructure:"upstream"`
	Response string `yaml:"response,omitempty" mapstructure:"response"`

	x402.RouteConfig `yaml:",inline" mapstructure:",squash"`
}

// ToolConfig is a paid MCP tool answering with a fixed text.
type ToolConfig struct {
	Name     string `yaml:"name" mapstructure:"name"`
	Price    any    `yaml:"price" mapstructure:"price"`
	Response string `yaml:"response,omitempty" mapstructure:"response"`

	x402.RouteConfig `yaml:",inline" mapstructure:",squash"`
}

package x402

import (
	"fmt"
	"time"

	"github.com/x402-foundation/x402-gatekeeper/pkg/types"
	"github.com/xeipuuv/gojsonschema"
)

const (
	// DefaultMaxTimeoutSeconds is how long a payment authorization stays valid.
	DefaultMaxTimeoutSeconds = 60

	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// Config is the gatekeeper-wide configuration.
type Config struct {
	// PayTo receives every payment.
	PayTo string
	// Network is the default network for every route.
	Network types.Network
	// AsyncSettlement controls deferred settlement. Zero value settles synchronously.
	AsyncSettlement AsyncSettlementConfig
}

// Validate checks that the required fields are set.
func (c Config) Validate() error {
	if c.PayTo == "" {
		return ErrMissingPayTo
	}
	if c.Network == "" {
		return ErrMissingNetwork
	}
	if c.AsyncSettlement.MaxRetries < 0 {
		return fmt.Errorf("x402: maxRetries must not be negative, got %d", c.AsyncSettlement.MaxRetries)
	}
	return nil
}

// AsyncSettlementConfig configures deferred settlement.
type AsyncSettlementConfig struct {
	Enabled    bool
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between attempts.
	RetryDelay time.Duration
	// OnSuccess is called once after the first successful attempt.
	OnSuccess func(PaymentContext, types.SettleResponse)
	// OnFailure is called once with the last error after every attempt failed.
	OnFailure func(PaymentContext, error)
}

func (a AsyncSettlementConfig) withDefaults() AsyncSettlementConfig {
	if a.MaxRetries == 0 {
		a.MaxRetries = DefaultMaxRetries
	}
	if a.RetryDelay <= 0 {
		a.RetryDelay = DefaultRetryDelay
	}
	return a
}

// Transport types recorded in a requirement's outputSchema.
const (
	TransportHTTP = "http"
	TransportMCP  = "mcp"
)

// RouteConfig is the per-route part of a requirement.
type RouteConfig struct {
	Description       string         `mapstructure:"description" yaml:"description,omitempty"`
	MimeType          string         `mapstructure:"mimeType" yaml:"mimeType,omitempty"`
	MaxTimeoutSeconds int            `mapstructure:"maxTimeoutSeconds" yaml:"maxTimeoutSeconds,omitempty"`
	// Resource replaces the request URL or tool identifier.
	Resource string `mapstructure:"resource" yaml:"resource,omitempty"`
	// Network overrides Config.Network for this route.
	Network types.Network  `mapstructure:"network" yaml:"network,omitempty"`
	Extra   map[string]any `mapstructure:"extra" yaml:"extra,omitempty"`

	// Discovery metadata
	Transport    string         `mapstructure:"-" yaml:"-"`
	Method       string         `mapstructure:"method" yaml:"method,omitempty"`
	Discoverable bool           `mapstructure:"discoverable" yaml:"discoverable,omitempty"`
	InputSchema  map[string]any `mapstructure:"inputSchema" yaml:"inputSchema,omitempty"`
	OutputSchema map[string]any `mapstructure:"outputSchema" yaml:"outputSchema,omitempty"`
}

// Validate checks the route and compiles its JSON schemas.
func (r RouteConfig) Validate() error {
	if r.MaxTimeoutSeconds < 0 {
		return routeError("maxTimeoutSeconds must not be negative", nil)
	}
	if r.Network != "" {
		if _, err := GetNetworkConfig(r.Network); err != nil {
			return err
		}
	}
	if r.InputSchema != nil {
		if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(r.InputSchema)); err != nil {
			return routeError("invalid input schema", err)
		}
	}
	if r.OutputSchema != nil {
		if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(r.OutputSchema)); err != nil {
			return routeError("invalid output schema", err)
		}
	}
	return nil
}

func (r RouteConfig) maxTimeoutSeconds() int {
	if r.MaxTimeoutSeconds <= 0 {
		return DefaultMaxTimeoutSeconds
	}
	return r.MaxTimeoutSeconds
}

func routeError(msg string, err error) *PaymentError {
	return NewPaymentError(ErrCodeInvalidRoute, msg, err)
}

package mcp

import (
	"errors"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/x402-foundation/x402-gatekeeper/pkg/x402"
)

// PaidServer decorates a tool registrar with paid tool registration. Free
// tools go through AddTool unchanged.
type PaidServer struct {
	ToolRegistrar
	wrapper *PaymentWrapper
}

// NewPaidServer wraps base so tools can be registered with a price.
func NewPaidServer(base ToolRegistrar, gk *x402.Gatekeeper, opts ...WrapperOption) *PaidServer {
	return &PaidServer{ToolRegistrar: base, wrapper: NewPaymentWrapper(gk, opts...)}
}

// AddPaidTool registers tool behind a payment of price. The tool's
// description and input schema fill the route when it leaves them empty.
func (s *PaidServer) AddPaidTool(tool *mcpsdk.Tool, price x402.Price, route x402.RouteConfig, handler mcpsdk.ToolHandler) error {
	if tool == nil || tool.Name == "" {
		return errors.New("x402: paid tool needs a name")
	}
	if route.Description == "" {
		route.Description = tool.Description
	}
	if route.InputSchema == nil {
		if schema, ok := tool.InputSchema.(map[string]any); ok {
			route.InputSchema = schema
		}
	}

	wrapped, err := s.wrapper.Wrap(tool.Name, price, route, handler)
	if err != nil {
		return err
	}
	s.AddTool(tool, wrapped)
	return nil
}

package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/x402-foundation/x402-gatekeeper/pkg/types"
	"github.com/x402-foundation/x402-gatekeeper/pkg/x402"
)

// Protocol constants for MCP x402 payment integration.
const (
	// MetaKeyPayment is the _meta key carrying the payment proof (client to server).
	MetaKeyPayment = "x402/payment"
	// MetaKeyPaymentResponse carries the settlement result (server to client).
	MetaKeyPaymentResponse = "x402/payment-response"
	// MetaKeyPaymentStatus carries the pending marker under async settlement.
	MetaKeyPaymentStatus = "x402/payment-status"
	// MetaKeyPaymentError carries the failed settlement result.
	MetaKeyPaymentError = "x402/payment-error"
)

// ToolResource is the resource identifier used for a paid tool.
func ToolResource(name string) string {
	return "tool:" + name
}

// ToolRegistrar is the part of *mcpsdk.Server that PaidServer decorates.
type ToolRegistrar interface {
	AddTool(t *mcpsdk.Tool, h mcpsdk.ToolHandler)
}

var _ ToolRegistrar = (*mcpsdk.Server)(nil)

// PaymentWrapper turns tool handlers into paid tool handlers.
type PaymentWrapper struct {
	gk     *x402.Gatekeeper
	logger *slog.Logger
}

// WrapperOption configures a PaymentWrapper.
type WrapperOption func(*PaymentWrapper)

// WithLogger sets the logger used for adapter diagnostics.
func WithLogger(logger *slog.Logger) WrapperOption {
	return func(w *PaymentWrapper) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewPaymentWrapper creates a wrapper backed by gk.
func NewPaymentWrapper(gk *x402.Gatekeeper, opts ...WrapperOption) *PaymentWrapper {
	w := &PaymentWrapper{gk: gk, logger: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Wrap returns a handler that charges price for every call of toolName.
// The route config is validated here so misconfiguration fails at
// registration rather than on the first call.
func (w *PaymentWrapper) Wrap(toolName string, price x402.Price, route x402.RouteConfig, handler mcpsdk.ToolHandler) (mcpsdk.ToolHandler, error) {
	route.Transport = x402.TransportMCP
	if err := route.Validate(); err != nil {
		return nil, fmt.Errorf("x402: tool %q: %w", toolName, err)
	}

	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var meta map[string]any
		if req != nil && req.Params != nil {
			meta = req.Params.Meta.GetMeta()
		}

		proof, err := ExtractProof(meta)
		if err != nil {
			return rejectionResult(invalidProofRejection(err)), nil
		}

		admission, rejection := w.gk.EnsurePayment(ctx, x402.PaymentRequest{
			Resource: ToolResource(toolName),
			Price:    price,
			Route:    route,
			Proof:    proof,
		})
		if rejection != nil {
			w.logger.Debug("tool payment rejected", "tool", toolName, "code", rejection.Code)
			return rejectionResult(rejection), nil
		}

		ctx = ContextWithPayment(ctx, admission.Context)
		result, err := handler(ctx, req)
		if err != nil {
			return result, err
		}
		if result == nil {
			result = &mcpsdk.CallToolResult{Content: []mcpsdk.Content{}}
		}

		carrier := &metaCarrier{result: result}
		outcome := admission.Settle(ctx, carrier)
		if outcome.Skipped {
			w.logger.Debug("tool returned an error, skipping payment settlement", "tool", toolName)
			return result, nil
		}

		if failure := admission.SettlementFailure(outcome); failure != nil {
			w.logger.Warn("tool payment settlement failed", "tool", toolName, "payment_id", admission.Context.ID, "error", failure.Body.Error)
			failed := rejectionResult(failure)
			if resp, ok := result.Meta[MetaKeyPaymentError]; ok {
				failed.Meta = mcpsdk.Meta{MetaKeyPaymentError: resp}
			}
			return failed, nil
		}

		return result, nil
	}, nil
}

// ExtractProof reads the proof from the request _meta. A string is taken
// as the base64 wire form; any other value is JSON encoded first. An empty
// result means no proof was sent.
func ExtractProof(meta map[string]any) (string, error) {
	value, ok := meta[MetaKeyPayment]
	if !ok || value == nil {
		return "", nil
	}
	if s, ok := value.(string); ok {
		return s, nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", MetaKeyPayment, err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func invalidProofRejection(err error) *x402.Rejection {
	perr := x402.NewPaymentError(x402.ErrCodeInvalidPayment, "invalid payment proof", err)
	return &x402.Rejection{
		Status: perr.Code.HTTPStatus(),
		Code:   perr.Code,
		Err:    perr,
		Body: types.PaymentRequired{
			X402Version: types.X402Version,
			Error:       perr.Error(),
			Accepts:     []types.PaymentRequirements{},
			Code:        string(perr.Code),
		},
	}
}

// rejectionResult renders a rejection as an error tool result carrying the
// 402 body as structured content and as text.
func rejectionResult(rejection *x402.Rejection) *mcpsdk.CallToolResult {
	body := rejection.Body
	text, err := json.Marshal(body)
	if err != nil {
		text = []byte(body.Error)
	}
	return &mcpsdk.CallToolResult{
		IsError:           true,
		Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: string(text)}},
		StructuredContent: body,
	}
}

// metaCarrier writes settlement results into the tool result's _meta.
type metaCarrier struct {
	result *mcpsdk.CallToolResult
}

var _ x402.ResponseCarrier = (*metaCarrier)(nil)

func (c *metaCarrier) StatusCode() int {
	if c.result.IsError {
		return 500
	}
	return 200
}

func (c *metaCarrier) SetPaymentResponse(resp types.SettleResponse) error {
	c.set(MetaKeyPaymentResponse, resp)
	return nil
}

func (c *metaCarrier) SetPaymentError(resp types.SettleResponse) error {
	c.set(MetaKeyPaymentError, resp)
	return nil
}

func (c *metaCarrier) SetPaymentPending(status types.PendingSettlement) error {
	c.set(MetaKeyPaymentStatus, status)
	return nil
}

func (c *metaCarrier) set(key string, value any) {
	if c.result.Meta == nil {
		c.result.Meta = mcpsdk.Meta{}
	}
	c.result.Meta[key] = value
}

type paymentContextKey struct{}

// ContextWithPayment stores the verified payment in ctx.
func ContextWithPayment(ctx context.Context, pc x402.PaymentContext) context.Context {
	return context.WithValue(ctx, paymentContextKey{}, pc)
}

// PaymentFromContext returns the verified payment of the current tool call.
func PaymentFromContext(ctx context.Context) (x402.PaymentContext, bool) {
	pc, ok := ctx.Value(paymentContextKey{}).(x402.PaymentContext)
	return pc, ok
}

package x402

import (
	"context"

	"github.com/x402-foundation/x402-gatekeeper/pkg/types"
)

// FacilitatorClient verifies and settles payments. Both calls may fail on
// transport errors; a semantic rejection is reported in the response.
type FacilitatorClient interface {
	Verify(ctx context.Context, payload types.PaymentPayload, requirements types.PaymentRequirements) (*types.VerifyResponse, error)
	Settle(ctx context.Context, payload types.PaymentPayload, requirements types.PaymentRequirements) (*types.SettleResponse, error)
}

// ResponseCarrier is the transport's view of the outgoing response.
// Adapters implement it over HTTP headers or MCP result metadata.
type ResponseCarrier interface {
	// StatusCode is the status the handler produced so far.
	StatusCode() int
	SetPaymentResponse(resp types.SettleResponse) error
	SetPaymentError(resp types.SettleResponse) error
	SetPaymentPending(status types.PendingSettlement) error
}

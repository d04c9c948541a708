// Package facilitator provides an in-memory facilitator for exercising
// adapters without a network.
package facilitator

import (
	"context"
	"sync"

	"github.com/x402-foundation/x402-gatekeeper/pkg/types"
	"github.com/x402-foundation/x402-gatekeeper/pkg/x402"
)

// Well known addresses used by the mocks.
const (
	PayTo = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	Payer = "0x857b06519E91e3A54538791bDbb0E22373e36b66"
	// Transaction is returned by every default settlement.
	Transaction = "0xabc"
)

var _ x402.FacilitatorClient = (*Facilitator)(nil)

// Facilitator accepts every proof and settles it unless VerifyFunc or
// SettleFunc say otherwise.
type Facilitator struct {
	VerifyFunc func(ctx context.Context, payload types.PaymentPayload, req types.PaymentRequirements) (*types.VerifyResponse, error)
	SettleFunc func(ctx context.Context, payload types.PaymentPayload, req types.PaymentRequirements) (*types.SettleResponse, error)

	mu          sync.Mutex
	verifyCalls int
	settleCalls int
}

// New returns a facilitator that accepts and settles everything.
func New() *Facilitator {
	return &Facilitator{}
}

func (f *Facilitator) Verify(ctx context.Context, payload types.PaymentPayload, req types.PaymentRequirements) (*types.VerifyResponse, error) {
	f.mu.Lock()
	f.verifyCalls++
	f.mu.Unlock()

	if f.VerifyFunc != nil {
		return f.VerifyFunc(ctx, payload, req)
	}
	return &types.VerifyResponse{IsValid: true, Payer: payload.Payload.Payer()}, nil
}

func (f *Facilitator) Settle(ctx context.Context, payload types.PaymentPayload, req types.PaymentRequirements) (*types.SettleResponse, error) {
	f.mu.Lock()
	f.settleCalls++
	f.mu.Unlock()

	if f.SettleFunc != nil {
		return f.SettleFunc(ctx, payload, req)
	}
	return &types.SettleResponse{
		Success:     true,
		Transaction: Transaction,
		Network:     req.Network,
		Payer:       payload.Payload.Payer(),
	}, nil
}

// VerifyCalls returns how many times Verify ran.
func (f *Facilitator) VerifyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCalls
}

// SettleCalls returns how many times Settle ran.
func (f *Facilitator) SettleCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settleCalls
}

// Payload returns an exact EVM payment from Payer to PayTo on network.
func Payload(network types.Network) types.PaymentPayload {
	return types.PaymentPayload{
		X402Version: types.X402Version,
		Scheme:      types.SchemeExact,
		Network:     network,
		Payload: &types.ExactPayload{
			Signature: "0xsig",
			Authorization: &types.ExactEvmAuthorization{
				From:        Payer,
				To:          PayTo,
				Value:       "1000",
				ValidAfter:  "0",
				ValidBefore: "9999999999",
				Nonce:       "0x01",
			},
		},
	}
}

// Proof returns Payload(network) encoded for the X-PAYMENT header.
func Proof(network types.Network) string {
	encoded, err := Payload(network).EncodeToBase64String()
	if err != nil {
		panic(err)
	}
	return encoded
}

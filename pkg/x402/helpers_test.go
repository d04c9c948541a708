package x402

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/x402-foundation/x402-gatekeeper/pkg/types"
)

const (
	testPayTo = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	testPayer = "0x857b06519E91e3A54538791bDbb0E22373e36b66"
)

// stubFacilitator records calls and answers with the configured functions.
type stubFacilitator struct {
	mu          sync.Mutex
	verifyCalls int
	settleCalls int

	verifyFunc func(ctx context.Context, payload types.PaymentPayload, req types.PaymentRequirements) (*types.VerifyResponse, error)
	settleFunc func(ctx context.Context, payload types.PaymentPayload, req types.PaymentRequirements) (*types.SettleResponse, error)
}

func (s *stubFacilitator) Verify(ctx context.Context, payload types.PaymentPayload, req types.PaymentRequirements) (*types.VerifyResponse, error) {
	s.mu.Lock()
	s.verifyCalls++
	s.mu.Unlock()
	if s.verifyFunc != nil {
		return s.verifyFunc(ctx, payload, req)
	}
	return &types.VerifyResponse{IsValid: true, Payer: payload.Payload.Payer()}, nil
}

func (s *stubFacilitator) Settle(ctx context.Context, payload types.PaymentPayload, req types.PaymentRequirements) (*types.SettleResponse, error) {
	s.mu.Lock()
	s.settleCalls++
	s.mu.Unlock()
	if s.settleFunc != nil {
		return s.settleFunc(ctx, payload, req)
	}
	return &types.SettleResponse{Success: true, Transaction: "0xabc", Network: req.Network, Payer: payload.Payload.Payer()}, nil
}

func (s *stubFacilitator) calls() (verify, settle int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifyCalls, s.settleCalls
}

// recordingCarrier is a ResponseCarrier that keeps what was written to it.
type recordingCarrier struct {
	mu       sync.Mutex
	status   int
	response *types.SettleResponse
	failure  *types.SettleResponse
	pending  *types.PendingSettlement
}

func (c *recordingCarrier) StatusCode() int { return c.status }

func (c *recordingCarrier) SetPaymentResponse(resp types.SettleResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.response = &resp
	return nil
}

func (c *recordingCarrier) SetPaymentError(resp types.SettleResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failure = &resp
	return nil
}

func (c *recordingCarrier) SetPaymentPending(status types.PendingSettlement) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = &status
	return nil
}

// eventRecorder collects emitted events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func makeProof(t *testing.T, network types.Network) string {
	t.Helper()
	payload := types.PaymentPayload{
		X402Version: types.X402Version,
		Scheme:      types.SchemeExact,
		Network:     network,
		Payload: &types.ExactPayload{
			Signature: "0xsig",
			Authorization: &types.ExactEvmAuthorization{
				From:        testPayer,
				To:          testPayTo,
				Value:       "1000",
				ValidAfter:  "0",
				ValidBefore: "9999999999",
				Nonce:       "0x01",
			},
		},
	}
	encoded, err := payload.EncodeToBase64String()
	require.NoError(t, err)
	return encoded
}

// instantClock replaces time.After and records every requested delay.
type instantClock struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (c *instantClock) after(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (c *instantClock) observed() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

package x402

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/x402-foundation/x402-gatekeeper/pkg/types"
)

// PaymentContext is a verified payment waiting to be settled.
type PaymentContext struct {
	// ID correlates events and ledger entries for one payment.
	ID           string
	Payload      types.PaymentPayload
	Requirements types.PaymentRequirements
	Verification types.VerifyResponse
}

// Payer returns the payer reported by the facilitator, falling back to the
// address named in the proof.
func (pc PaymentContext) Payer() string {
	if pc.Verification.Payer != "" {
		return pc.Verification.Payer
	}
	return pc.Payload.Payload.Payer()
}

// Verifier decodes proofs and checks them with the facilitator. It never retries.
type Verifier struct {
	facilitator FacilitatorClient
	sink        EventSink
}

// NewVerifier creates a verifier. A nil sink discards events.
func NewVerifier(facilitator FacilitatorClient, sink EventSink) *Verifier {
	if sink == nil {
		sink = nopSink{}
	}
	return &Verifier{facilitator: facilitator, sink: sink}
}

// DecodePaymentPayload decodes an X-PAYMENT value. Failures are INVALID_PAYMENT.
func DecodePaymentPayload(raw string) (*types.PaymentPayload, error) {
	payload, err := types.DecodePaymentPayloadFromBase64(raw)
	if err != nil {
		return nil, NewPaymentError(ErrCodeInvalidPayment, "invalid payment header", err)
	}
	return payload, nil
}

// FindMatchingRequirements returns the first requirement with the payload's
// scheme and network.
func FindMatchingRequirements(payload types.PaymentPayload, accepts []types.PaymentRequirements) (types.PaymentRequirements, bool) {
	for _, req := range accepts {
		if req.Scheme == payload.Scheme && req.Network == payload.Network {
			return req, true
		}
	}
	return types.PaymentRequirements{}, false
}

// Verify decodes rawProof, matches it against accepts and asks the
// facilitator whether it is valid.
func (v *Verifier) Verify(ctx context.Context, rawProof string, accepts []types.PaymentRequirements) (PaymentContext, error) {
	return v.VerifyWithID(ctx, uuid.NewString(), rawProof, accepts)
}

// VerifyWithID is Verify for a payment whose id was assigned by the caller.
func (v *Verifier) VerifyWithID(ctx context.Context, id, rawProof string, accepts []types.PaymentRequirements) (PaymentContext, error) {
	pc := PaymentContext{ID: id}

	payload, err := DecodePaymentPayload(rawProof)
	if err != nil {
		v.emitResult(ctx, pc, err)
		return pc, err
	}
	pc.Payload = *payload

	req, ok := FindMatchingRequirements(*payload, accepts)
	if !ok {
		err := NewPaymentError(ErrCodeNoMatchingRequirements, "no matching payment requirements found", nil).
			WithDetails("scheme", payload.Scheme).
			WithDetails("network", payload.Network)
		v.emitResult(ctx, pc, err)
		return pc, err
	}
	pc.Requirements = req

	resp, err := v.facilitator.Verify(ctx, *payload, req)
	if err == nil && resp == nil {
		err = errors.New("facilitator returned an empty verify response")
	}
	if err != nil {
		err := NewPaymentError(ErrCodeVerificationError, "failed to verify payment", err)
		v.emitResult(ctx, pc, err)
		return pc, err
	}
	pc.Verification = *resp

	if !resp.IsValid {
		err := NewPaymentError(ErrCodeVerificationFailed, "payment verification failed", nil).
			WithDetails("invalidReason", resp.InvalidReason)
		if payer := pc.Payer(); payer != "" {
			err.WithDetails("payer", payer)
		}
		if resp.InvalidReason != "" {
			err.Message += ": " + resp.InvalidReason
		}
		v.emitResult(ctx, pc, err)
		return pc, err
	}

	v.emitResult(ctx, pc, nil)
	return pc, nil
}

func (v *Verifier) emitResult(ctx context.Context, pc PaymentContext, err error) {
	e := Event{
		Type:      EventVerificationResult,
		Time:      time.Now(),
		PaymentID: pc.ID,
		Resource:  pc.Requirements.Resource,
		Network:   pc.Payload.Network,
		Payer:     pc.Payer(),
		Amount:    pc.Requirements.MaxAmountRequired,
		Success:   err == nil,
	}
	if err != nil {
		e.Code = CodeOf(err)
		e.Reason = err.Error()
	}
	v.sink.Emit(ctx, e)
}

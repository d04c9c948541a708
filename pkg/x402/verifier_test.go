package x402

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x402-foundation/x402-gatekeeper/pkg/types"
)

func testAccepts(t *testing.T) []types.PaymentRequirements {
	t.Helper()
	b, err := NewRequirementBuilder(testPayTo, "base")
	require.NoError(t, err)
	req, err := b.Build("https://api.example.com/data", Money("$0.001"), RouteConfig{})
	require.NoError(t, err)
	return []types.PaymentRequirements{req}
}

func TestVerifyMalformedProofNeverSettles(t *testing.T) {
	t.Parallel()

	proofs := []string{
		"%%%",
		base64.StdEncoding.EncodeToString([]byte("not json")),
		base64.StdEncoding.EncodeToString([]byte(`{"scheme":"exact"}`)),
		base64.StdEncoding.EncodeToString([]byte(`[1,2,3]`)),
		"e30=",
	}

	for _, proof := range proofs {
		fac := &stubFacilitator{}
		v := NewVerifier(fac, nil)

		_, err := v.Verify(context.Background(), proof, testAccepts(t))
		require.Error(t, err, proof)
		assert.Equal(t, ErrCodeInvalidPayment, CodeOf(err), proof)

		verifyCalls, settleCalls := fac.calls()
		assert.Zero(t, verifyCalls, proof)
		assert.Zero(t, settleCalls, proof)
	}
}

func TestVerifyNoMatchingRequirements(t *testing.T) {
	t.Parallel()

	fac := &stubFacilitator{}
	v := NewVerifier(fac, nil)

	_, err := v.Verify(context.Background(), makeProof(t, "polygon"), testAccepts(t))
	assert.Equal(t, ErrCodeNoMatchingRequirements, CodeOf(err))

	verifyCalls, _ := fac.calls()
	assert.Zero(t, verifyCalls)
}

func TestVerifyFacilitatorRejects(t *testing.T) {
	t.Parallel()

	fac := &stubFacilitator{
		verifyFunc: func(context.Context, types.PaymentPayload, types.PaymentRequirements) (*types.VerifyResponse, error) {
			return &types.VerifyResponse{IsValid: false, InvalidReason: "insufficient_funds", Payer: testPayer}, nil
		},
	}
	events := &eventRecorder{}
	v := NewVerifier(fac, events)

	pc, err := v.Verify(context.Background(), makeProof(t, "base"), testAccepts(t))
	require.Error(t, err)

	var pe *PaymentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeVerificationFailed, pe.Code)
	assert.Equal(t, "insufficient_funds", pe.Details["invalidReason"])
	assert.Equal(t, testPayer, pe.Details["payer"])
	assert.Equal(t, testPayer, pc.Payer())

	results := events.ofType(EventVerificationResult)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, ErrCodeVerificationFailed, results[0].Code)
}

func TestVerifyTransportError(t *testing.T) {
	t.Parallel()

	fac := &stubFacilitator{
		verifyFunc: func(context.Context, types.PaymentPayload, types.PaymentRequirements) (*types.VerifyResponse, error) {
			return nil, errors.New("connection refused")
		},
	}
	v := NewVerifier(fac, nil)

	_, err := v.Verify(context.Background(), makeProof(t, "base"), testAccepts(t))
	assert.Equal(t, ErrCodeVerificationError, CodeOf(err))
	assert.ErrorContains(t, err, "connection refused")

	verifyCalls, _ := fac.calls()
	assert.Equal(t, 1, verifyCalls, "verification is never retried")
}

func TestVerifySuccess(t *testing.T) {
	t.Parallel()

	fac := &stubFacilitator{}
	events := &eventRecorder{}
	v := NewVerifier(fac, events)
	accepts := testAccepts(t)

	pc, err := v.Verify(context.Background(), makeProof(t, "base"), accepts)
	require.NoError(t, err)

	assert.NotEmpty(t, pc.ID)
	assert.Equal(t, accepts[0], pc.Requirements)
	assert.Equal(t, types.X402Version, pc.Payload.X402Version)
	assert.True(t, pc.Verification.IsValid)
	assert.Equal(t, testPayer, pc.Payer())

	results := events.ofType(EventVerificationResult)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, pc.ID, results[0].PaymentID)
}

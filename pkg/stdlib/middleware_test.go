package stdlib_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x402-foundation/x402-gatekeeper/pkg/stdlib"
	"github.com/x402-foundation/x402-gatekeeper/pkg/types"
	"github.com/x402-foundation/x402-gatekeeper/pkg/x402"
	"github.com/x402-foundation/x402-gatekeeper/test/mocks/facilitator"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newGatekeeper(t *testing.T, fac x402.FacilitatorClient, opts ...x402.Option) *x402.Gatekeeper {
	t.Helper()
	opts = append([]x402.Option{x402.WithEventSink(x402.NewSlogSink(quietLogger))}, opts...)
	gk, err := x402.New(fac, x402.Config{PayTo: facilitator.PayTo, Network: "base"}, opts...)
	require.NoError(t, err)
	return gk
}

func okHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(body))
	})
}

func serve(h http.Handler, proof string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/weather", nil)
	if proof != "" {
		req.Header.Set(stdlib.HeaderPayment, proof)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeRequired(t *testing.T, rec *httptest.ResponseRecorder) types.PaymentRequired {
	t.Helper()
	var body types.PaymentRequired
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestPaymentMiddlewareWithoutProof(t *testing.T) {
	t.Parallel()

	fac := facilitator.New()
	gk := newGatekeeper(t, fac)
	mw := stdlib.PaymentMiddleware(gk, x402.Money("$0.001"),
		stdlib.WithDescription("weather"),
		stdlib.WithResourceRootURL("https://api.example.com"),
		stdlib.WithLogger(quietLogger),
	)

	rec := serve(mw(okHandler("sunny")), "")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decodeRequired(t, rec)
	assert.Equal(t, types.X402Version, body.X402Version)
	assert.Equal(t, "X-PAYMENT header is required", body.Error)

	want, err := gk.Builder().Build("https://api.example.com/weather", x402.Money("$0.001"), x402.RouteConfig{
		Description: "weather",
		Transport:   x402.TransportHTTP,
		Method:      http.MethodGet,
	})
	require.NoError(t, err)
	assert.Equal(t, []types.PaymentRequirements{want}, body.Accepts)
	assert.Zero(t, fac.VerifyCalls())
}

func TestPaymentMiddlewareSettlesSynchronously(t *testing.T) {
	t.Parallel()

	fac := facilitator.New()
	gk := newGatekeeper(t, fac)
	mw := stdlib.PaymentMiddleware(gk, x402.Money("$0.001"), stdlib.WithLogger(quietLogger))

	var seen x402.PaymentContext
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pc, ok := stdlib.PaymentFromContext(r.Context())
		require.True(t, ok)
		seen = pc
		_, _ = w.Write([]byte("sunny"))
	})

	rec := serve(mw(handler), facilitator.Proof("base"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sunny", rec.Body.String())
	assert.Equal(t, "1000", seen.Requirements.MaxAmountRequired)

	settled, err := types.DecodeSettleResponseFromBase64(rec.Header().Get(stdlib.HeaderPaymentResponse))
	require.NoError(t, err)
	assert.Equal(t, types.SettleResponse{
		Success:     true,
		Transaction: "0xabc",
		Network:     "base",
		Payer:       facilitator.Payer,
	}, *settled)
	assert.Equal(t, 1, fac.SettleCalls())
}

func TestPaymentMiddlewareSkipsSettlementOnHandlerError(t *testing.T) {
	t.Parallel()

	for _, async := range []bool{false, true} {
		fac := facilitator.New()
		gk := newGatekeeper(t, fac, x402.WithAsyncSettlement(x402.AsyncSettlementConfig{Enabled: async}))
		mw := stdlib.PaymentMiddleware(gk, x402.Money("$0.001"), stdlib.WithLogger(quietLogger))

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream broke", http.StatusInternalServerError)
		})

		rec := serve(mw(handler), facilitator.Proof("base"))
		gk.Wait()

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "upstream broke\n", rec.Body.String())
		assert.Empty(t, rec.Header().Get(stdlib.HeaderPaymentResponse))
		assert.Empty(t, rec.Header().Get(stdlib.HeaderPaymentStatus))
		assert.Zero(t, fac.SettleCalls(), "async=%v", async)
	}
}

func TestPaymentMiddlewareSettlementFailure(t *testing.T) {
	t.Parallel()

	fac := facilitator.New()
	fac.SettleFunc = func(_ context.Context, _ types.PaymentPayload, req types.PaymentRequirements) (*types.SettleResponse, error) {
		return &types.SettleResponse{Success: false, ErrorReason: "insufficient_funds", Network: req.Network}, nil
	}
	gk := newGatekeeper(t, fac)
	mw := stdlib.PaymentMiddleware(gk, x402.Money("$0.001"), stdlib.WithLogger(quietLogger))

	rec := serve(mw(okHandler("secret data")), facilitator.Proof("base"))
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret data")

	body := decodeRequired(t, rec)
	assert.Equal(t, "settlement failed: insufficient_funds", body.Error)
	assert.Equal(t, string(x402.ErrCodeSettlementFailed), body.Code)
	assert.Len(t, body.Accepts, 1)

	failure, err := types.DecodeSettleResponseFromBase64(rec.Header().Get(stdlib.HeaderPaymentError))
	require.NoError(t, err)
	assert.False(t, failure.Success)
	assert.Equal(t, "insufficient_funds", failure.ErrorReason)
	assert.Empty(t, rec.Header().Get(stdlib.HeaderPaymentResponse))
}

func TestPaymentMiddlewareAsyncSettlement(t *testing.T) {
	t.Parallel()

	settled := make(chan types.SettleResponse, 1)
	fac := facilitator.New()
	gk := newGatekeeper(t, fac, x402.WithAsyncSettlement(x402.AsyncSettlementConfig{
		Enabled: true,
		OnSuccess: func(_ x402.PaymentContext, resp types.SettleResponse) {
			settled <- resp
		},
	}))
	mw := stdlib.PaymentMiddleware(gk, x402.Money("$0.001"), stdlib.WithLogger(quietLogger))

	rec := serve(mw(okHandler("sunny")), facilitator.Proof("base"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sunny", rec.Body.String())
	assert.Empty(t, rec.Header().Get(stdlib.HeaderPaymentResponse))

	encoded := rec.Header().Get(stdlib.HeaderPaymentStatus)
	require.NotEmpty(t, encoded)
	want, err := types.NewPendingSettlement().EncodeToBase64String()
	require.NoError(t, err)
	assert.Equal(t, want, encoded)

	gk.Wait()
	assert.Equal(t, "0xabc", (<-settled).Transaction)
}

func TestPaymentMiddlewareSettlesSilentHandlers(t *testing.T) {
	t.Parallel()

	fac := facilitator.New()
	gk := newGatekeeper(t, fac)
	mw := stdlib.PaymentMiddleware(gk, x402.Money("$0.001"), stdlib.WithLogger(quietLogger))

	rec := serve(mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})), facilitator.Proof("base"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(stdlib.HeaderPaymentResponse))
	assert.Equal(t, 1, fac.SettleCalls())
}

func TestPaymentMiddlewareRejectsInvalidProof(t *testing.T) {
	t.Parallel()

	fac := facilitator.New()
	gk := newGatekeeper(t, fac)
	mw := stdlib.PaymentMiddleware(gk, x402.Money("$0.001"), stdlib.WithLogger(quietLogger))

	rec := serve(mw(okHandler("sunny")), "not-a-proof")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decodeRequired(t, rec)
	assert.Equal(t, string(x402.ErrCodeInvalidPayment), body.Code)
	assert.Zero(t, fac.VerifyCalls())
	assert.Zero(t, fac.SettleCalls())
}

func TestPaymentMiddlewarePaywall(t *testing.T) {
	t.Parallel()

	gk := newGatekeeper(t, facilitator.New())
	mw := stdlib.PaymentMiddleware(gk, x402.Money("$0.25"),
		stdlib.WithDescription("premium article"),
		stdlib.WithLogger(quietLogger),
	)

	req := httptest.NewRequest(http.MethodGet, "/article", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("User-Agent", "Mozilla/5.0")
	rec := httptest.NewRecorder()
	mw(okHandler("body")).ServeHTTP(rec, req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html"))
	assert.Contains(t, rec.Body.String(), "premium article")
	assert.Contains(t, rec.Body.String(), "$0.25")

	custom := stdlib.PaymentMiddleware(gk, x402.Money("$0.25"),
		stdlib.WithCustomPaywallHTML("<p>pay up</p>"),
		stdlib.WithLogger(quietLogger),
	)
	rec = httptest.NewRecorder()
	custom(okHandler("body")).ServeHTTP(rec, req)
	assert.Equal(t, "<p>pay up</p>", rec.Body.String())
}

func TestPaymentMiddlewareInvalidRoute(t *testing.T) {
	t.Parallel()

	fac := facilitator.New()
	gk := newGatekeeper(t, fac)
	mw := stdlib.PaymentMiddleware(gk, x402.Money("$0.001"),
		stdlib.WithInputSchema(map[string]any{"type": 5}),
		stdlib.WithLogger(quietLogger),
	)

	rec := serve(mw(okHandler("sunny")), facilitator.Proof("base"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, string(x402.ErrCodeInvalidRoute), decodeRequired(t, rec).Code)
	assert.Zero(t, fac.VerifyCalls())
}

func TestPaymentMiddlewareUnsupportedNetwork(t *testing.T) {
	t.Parallel()

	gk := newGatekeeper(t, facilitator.New())
	mw := stdlib.PaymentMiddleware(gk, x402.Money("$0.001"),
		stdlib.WithNetwork("fantom"),
		stdlib.WithLogger(quietLogger),
	)

	rec := serve(mw(okHandler("sunny")), "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, string(x402.ErrCodeUnsupportedNetwork), decodeRequired(t, rec).Code)
}

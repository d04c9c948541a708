package x402

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/x402-foundation/x402-gatekeeper/pkg/types"
)

// Gatekeeper builds requirements, verifies proofs and settles payments for
// any transport.
type Gatekeeper struct {
	cfg        Config
	sink       EventSink
	builder    *RequirementBuilder
	verifier   *Verifier
	settlement *SettlementEngine

	settleCacheTTL time.Duration
}

// Option configures a Gatekeeper.
type Option func(*Gatekeeper)

// WithEventSink sets the sink receiving payment flow events.
func WithEventSink(sink EventSink) Option {
	return func(g *Gatekeeper) {
		g.sink = sink
	}
}

// WithAsyncSettlement enables or configures deferred settlement.
func WithAsyncSettlement(async AsyncSettlementConfig) Option {
	return func(g *Gatekeeper) {
		g.cfg.AsyncSettlement = async
	}
}

// New creates a Gatekeeper. An invalid payTo or network fails here.
func New(facilitator FacilitatorClient, cfg Config, opts ...Option) (*Gatekeeper, error) {
	if facilitator == nil {
		return nil, ErrMissingFacilitator
	}

	g := &Gatekeeper{cfg: cfg}
	for _, opt := range opts {
		opt(g)
	}
	if err := g.cfg.Validate(); err != nil {
		return nil, err
	}
	if g.sink == nil {
		g.sink = NewSlogSink(nil)
	}

	builder, err := NewRequirementBuilder(g.cfg.PayTo, g.cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("x402: invalid gatekeeper config: %w", err)
	}
	g.builder = builder
	if g.settleCacheTTL > 0 {
		facilitator = NewIdempotentFacilitator(facilitator, g.settleCacheTTL)
	}
	g.verifier = NewVerifier(facilitator, g.sink)
	g.settlement = NewSettlementEngine(facilitator, g.cfg.AsyncSettlement, g.sink)

	return g, nil
}

// Builder returns the requirement builder.
func (g *Gatekeeper) Builder() *RequirementBuilder { return g.builder }

// Wait blocks until every background settlement has finished.
func (g *Gatekeeper) Wait() { g.settlement.Wait() }

// PaymentRequest is what a transport extracted from an inbound call.
type PaymentRequest struct {
	// Resource is the request URL or tool identifier.
	Resource string
	Price    Price
	Route    RouteConfig
	// Proof is the raw X-PAYMENT value; empty when none was sent.
	Proof string
}

// Rejection is a ready to send refusal.
type Rejection struct {
	Status int
	Code   ErrorCode
	Body   types.PaymentRequired
	Err    error
}

func (r *Rejection) Error() string {
	return r.Body.Error
}

// Admission is a verified payment. The handler runs, then calls Settle.
type Admission struct {
	Context PaymentContext

	gk      *Gatekeeper
	once    sync.Once
	outcome SettlementOutcome
}

// EnsurePayment builds the requirement for req, checks the proof and returns
// either an Admission or a Rejection. The facilitator is not called when no
// proof was sent.
func (g *Gatekeeper) EnsurePayment(ctx context.Context, req PaymentRequest) (*Admission, *Rejection) {
	requirements, err := g.builder.Build(req.Resource, req.Price, req.Route)
	if err != nil {
		return nil, newRejection(err, nil)
	}
	accepts := []types.PaymentRequirements{requirements}

	if req.Proof == "" {
		return nil, &Rejection{
			Status: http.StatusPaymentRequired,
			Code:   ErrCodePaymentRequired,
			Body: types.PaymentRequired{
				X402Version: types.X402Version,
				Error:       "payment proof is required",
				Accepts:     accepts,
			},
		}
	}

	id := uuid.NewString()
	g.sink.Emit(ctx, Event{
		Type:      EventProofReceived,
		Time:      time.Now(),
		PaymentID: id,
		Resource:  requirements.Resource,
		Network:   requirements.Network,
		Amount:    requirements.MaxAmountRequired,
	})

	pc, err := g.verifier.VerifyWithID(ctx, id, req.Proof, accepts)
	if err != nil {
		rej := newRejection(err, accepts)
		rej.Body.Payer = pc.Payer()
		return nil, rej
	}

	return &Admission{Context: pc, gk: g}, nil
}

// Settle settles the payment once the handler produced its response. A
// response status of 400 or above is not charged. Later calls return the
// first outcome.
func (a *Admission) Settle(ctx context.Context, carrier ResponseCarrier) SettlementOutcome {
	a.once.Do(func() {
		if carrier.StatusCode() >= http.StatusBadRequest {
			a.outcome = SettlementOutcome{Skipped: true}
			return
		}
		a.outcome = a.gk.settlement.SettleDeferred(ctx, a.Context, carrier)
	})
	return a.outcome
}

// SettlementFailure returns the 402 an adapter sends instead of the handler's
// response when synchronous settlement failed, or nil when it did not.
func (a *Admission) SettlementFailure(outcome SettlementOutcome) *Rejection {
	if outcome.Err == nil || outcome.Pending {
		return nil
	}
	rej := newRejection(outcome.Err, []types.PaymentRequirements{a.Context.Requirements})
	rej.Status = http.StatusPaymentRequired
	rej.Code = ErrCodeSettlementFailed
	rej.Body.Code = string(ErrCodeSettlementFailed)
	rej.Body.Payer = a.Context.Payer()
	return rej
}

func newRejection(err error, accepts []types.PaymentRequirements) *Rejection {
	code := CodeOf(err)
	if code == "" {
		code = ErrCodeVerificationError
	}
	if accepts == nil {
		accepts = []types.PaymentRequirements{}
	}

	return &Rejection{
		Status: code.HTTPStatus(),
		Code:   code,
		Err:    err,
		Body: types.PaymentRequired{
			X402Version: types.X402Version,
			Error:       err.Error(),
			Accepts:     accepts,
			Code:        string(code),
		},
	}
}

package x402

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/x402-foundation/x402-gatekeeper/pkg/types"
)

// SettlementOutcome is what settling one admission produced.
type SettlementOutcome struct {
	// Skipped is set when the handler failed and nothing was charged.
	Skipped bool
	// Pending is set when settlement continues after the response.
	Pending bool
	// Result is the synchronous facilitator result.
	Result *types.SettleResponse
	// Err is set when synchronous settlement failed or the carrier rejected a header.
	Err error
}

// Succeeded reports whether the response may be delivered as paid.
func (o SettlementOutcome) Succeeded() bool {
	return o.Err == nil
}

// SettlementEngine settles verified payments synchronously or in the background.
type SettlementEngine struct {
	facilitator FacilitatorClient
	async       AsyncSettlementConfig
	sink        EventSink

	after func(time.Duration) <-chan time.Time
	wg    sync.WaitGroup
}

// NewSettlementEngine creates an engine. Unset retry settings use the defaults.
func NewSettlementEngine(facilitator FacilitatorClient, async AsyncSettlementConfig, sink EventSink) *SettlementEngine {
	if sink == nil {
		sink = nopSink{}
	}
	return &SettlementEngine{
		facilitator: facilitator,
		async:       async.withDefaults(),
		sink:        sink,
		after:       time.After,
	}
}

// Settle makes a single settle call. Errors are reported in the response.
func (e *SettlementEngine) Settle(ctx context.Context, pc PaymentContext) types.SettleResponse {
	resp, err := e.attempt(ctx, pc, 1, false)
	e.emitOutcome(ctx, pc, resp, err, 1, false)
	return resp
}

// SettleDeferred settles pc and decorates carrier with the result. With async
// settlement enabled it marks the response pending and settles in the
// background; the carrier is never touched after this returns.
func (e *SettlementEngine) SettleDeferred(ctx context.Context, pc PaymentContext, carrier ResponseCarrier) SettlementOutcome {
	if !e.async.Enabled {
		resp := e.Settle(ctx, pc)
		outcome := SettlementOutcome{Result: &resp}
		if resp.Success {
			if err := carrier.SetPaymentResponse(resp); err != nil {
				outcome.Err = err
			}
			return outcome
		}

		outcome.Err = settlementError(resp)
		if err := carrier.SetPaymentError(resp); err != nil {
			outcome.Err = errors.Join(outcome.Err, err)
		}
		return outcome
	}

	outcome := SettlementOutcome{Pending: true}
	if err := carrier.SetPaymentPending(types.NewPendingSettlement()); err != nil {
		outcome.Err = err
	}

	e.wg.Add(1)
	go e.settleInBackground(context.WithoutCancel(ctx), pc)

	return outcome
}

// Wait blocks until every background settlement has finished.
func (e *SettlementEngine) Wait() {
	e.wg.Wait()
}

func (e *SettlementEngine) settleInBackground(ctx context.Context, pc PaymentContext) {
	defer e.wg.Done()

	var lastErr error
	for attempt := 1; attempt <= e.async.MaxRetries; attempt++ {
		resp, err := e.attempt(ctx, pc, attempt, true)
		if err == nil {
			e.emitOutcome(ctx, pc, resp, nil, attempt, true)
			if e.async.OnSuccess != nil {
				e.async.OnSuccess(pc, resp)
			}
			return
		}
		lastErr = err

		if attempt < e.async.MaxRetries {
			<-e.after(e.async.RetryDelay * time.Duration(attempt))
		}
	}

	e.emitOutcome(ctx, pc, types.SettleResponse{Network: pc.Requirements.Network, Payer: pc.Payer()}, lastErr, e.async.MaxRetries, true)
	if e.async.OnFailure != nil {
		e.async.OnFailure(pc, lastErr)
	}
}

// attempt makes one facilitator call. The returned response is always filled
// in; err is non-nil when the payment was not settled.
func (e *SettlementEngine) attempt(ctx context.Context, pc PaymentContext, n int, deferred bool) (types.SettleResponse, error) {
	e.sink.Emit(ctx, Event{
		Type:      EventSettlementAttempt,
		Time:      time.Now(),
		PaymentID: pc.ID,
		Resource:  pc.Requirements.Resource,
		Network:   pc.Requirements.Network,
		Payer:     pc.Payer(),
		Amount:    pc.Requirements.MaxAmountRequired,
		Attempt:   n,
		Deferred:  deferred,
	})

	result, err := e.facilitator.Settle(ctx, pc.Payload, pc.Requirements)
	if err == nil && result == nil {
		err = errors.New("facilitator returned an empty settle response")
	}

	var resp types.SettleResponse
	if err != nil {
		resp = types.SettleResponse{Success: false, ErrorReason: err.Error()}
	} else {
		resp = *result
	}
	if resp.Network == "" {
		resp.Network = pc.Requirements.Network
	}
	if resp.Payer == "" {
		resp.Payer = pc.Payer()
	}

	if err != nil {
		return resp, NewPaymentError(ErrCodeSettlementFailed, "failed to settle payment", err)
	}
	if !resp.Success {
		return resp, settlementError(resp)
	}
	return resp, nil
}

func (e *SettlementEngine) emitOutcome(ctx context.Context, pc PaymentContext, resp types.SettleResponse, err error, attempt int, deferred bool) {
	ev := Event{
		Type:        EventSettlementOutcome,
		Time:        time.Now(),
		PaymentID:   pc.ID,
		Resource:    pc.Requirements.Resource,
		Network:     resp.Network,
		Payer:       resp.Payer,
		Amount:      pc.Requirements.MaxAmountRequired,
		Success:     err == nil && resp.Success,
		Attempt:     attempt,
		Deferred:    deferred,
		Transaction: resp.Transaction,
	}
	if !ev.Success {
		ev.Code = ErrCodeSettlementFailed
		ev.Reason = resp.ErrorReason
		if err != nil {
			ev.Reason = err.Error()
		}
	}
	e.sink.Emit(ctx, ev)
}

func settlementError(resp types.SettleResponse) *PaymentError {
	msg := "settlement failed"
	if resp.ErrorReason != "" {
		msg += ": " + resp.ErrorReason
	}
	return NewPaymentError(ErrCodeSettlementFailed, msg, nil).
		WithDetails("network", resp.Network).
		WithDetails("payer", resp.Payer)
}

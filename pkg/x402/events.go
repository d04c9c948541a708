package x402

import (
	"context"
	"log/slog"
	"time"

	"github.com/x402-foundation/x402-gatekeeper/pkg/types"
)

// EventType names a step of the payment flow.
type EventType string

const (
	EventProofReceived      EventType = "proof_received"
	EventVerificationResult EventType = "verification_result"
	EventSettlementAttempt  EventType = "settlement_attempt"
	EventSettlementOutcome  EventType = "settlement_outcome"
)

// Event is a structured record of one step of the payment flow.
type Event struct {
	Type      EventType
	Time      time.Time
	PaymentID string
	Resource  string
	Network   types.Network
	Payer     string
	Amount    string

	// Success is meaningful for verification_result and settlement_outcome.
	Success bool
	// Code and Reason describe a failure.
	Code   ErrorCode
	Reason string

	Attempt     int
	Deferred    bool
	Transaction string
}

// EventSink receives payment flow events. Implementations must be safe for
// concurrent use and must not block for long.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

// EventSinkFunc adapts a function to an EventSink.
type EventSinkFunc func(ctx context.Context, event Event)

func (f EventSinkFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

type nopSink struct{}

func (nopSink) Emit(context.Context, Event) {}

// MultiSink fans events out to every sink in order.
type MultiSink []EventSink

func (m MultiSink) Emit(ctx context.Context, event Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, event)
		}
	}
}

// SlogSink logs every event through a slog.Logger.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink returns a sink logging to logger, or slog.Default() when nil.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Emit(ctx context.Context, e Event) {
	level := slog.LevelInfo
	attrs := []slog.Attr{
		slog.String("payment_id", e.PaymentID),
		slog.String("resource", e.Resource),
		slog.String("network", string(e.Network)),
	}
	if e.Payer != "" {
		attrs = append(attrs, slog.String("payer", e.Payer))
	}

	switch e.Type {
	case EventProofReceived:
		level = slog.LevelDebug
	case EventVerificationResult:
		attrs = append(attrs, slog.Bool("valid", e.Success))
	case EventSettlementAttempt:
		level = slog.LevelDebug
		attrs = append(attrs, slog.Int("attempt", e.Attempt), slog.Bool("deferred", e.Deferred))
	case EventSettlementOutcome:
		attrs = append(attrs,
			slog.Bool("success", e.Success),
			slog.Int("attempt", e.Attempt),
			slog.Bool("deferred", e.Deferred),
		)
		if e.Transaction != "" {
			attrs = append(attrs, slog.String("transaction", e.Transaction))
		}
	}

	if e.Code != "" || e.Reason != "" {
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("code", string(e.Code)), slog.String("reason", e.Reason))
	}

	s.logger.LogAttrs(ctx, level, "x402 "+string(e.Type), attrs...)
}

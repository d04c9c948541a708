package x402

import (
	"errors"
	"net/http"
)

// Config validation errors
var (
	ErrMissingPayTo       = errors.New("x402: payTo is required")
	ErrMissingNetwork     = errors.New("x402: network is required")
	ErrMissingFacilitator = errors.New("x402: facilitator client is required")
	ErrMissingPrice       = errors.New("x402: price is required")
)

// ErrorCode identifies why a request was rejected or a requirement could not be built.
type ErrorCode string

// Requirement construction and route configuration failures. These are
// operator mistakes and surface as 500.
const (
	ErrCodePriceProcessing    ErrorCode = "PRICE_PROCESSING_ERROR"
	ErrCodeUnsupportedNetwork ErrorCode = "UNSUPPORTED_NETWORK"
	ErrCodeInvalidAddress     ErrorCode = "INVALID_ADDRESS"
	ErrCodeInvalidRoute       ErrorCode = "INVALID_ROUTE_CONFIG"
)

// Proof failures. These are caused by caller supplied data and surface as 402.
const (
	ErrCodePaymentRequired        ErrorCode = "PAYMENT_REQUIRED"
	ErrCodeInvalidPayment         ErrorCode = "INVALID_PAYMENT"
	ErrCodeNoMatchingRequirements ErrorCode = "NO_MATCHING_REQUIREMENTS"
	ErrCodeVerificationFailed     ErrorCode = "VERIFICATION_FAILED"
	ErrCodeVerificationError      ErrorCode = "VERIFICATION_ERROR"
	ErrCodeSettlementFailed       ErrorCode = "SETTLEMENT_FAILED"
)

// HTTPStatus returns the status a transport should answer with for this code.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrCodePriceProcessing, ErrCodeUnsupportedNetwork, ErrCodeInvalidAddress, ErrCodeInvalidRoute:
		return http.StatusInternalServerError
	default:
		return http.StatusPaymentRequired
	}
}

// PaymentError provides structured error information.
type PaymentError struct {
	// Code is the error code for programmatic handling.
	Code ErrorCode

	// Message is the human-readable error message.
	Message string

	// Details contains additional error context.
	Details map[string]any

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewPaymentError creates a new PaymentError with the given code and message.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails adds additional context to the error.
func (e *PaymentError) WithDetails(key string, value any) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the ErrorCode carried by err, or "" when err is not a PaymentError.
func CodeOf(err error) ErrorCode {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

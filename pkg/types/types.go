package types

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// X402Version is the protocol version spoken by the gatekeeper. It is embedded
// in every 402 body and forced onto every decoded payment payload.
const X402Version = 1

// SchemeExact is the only payment scheme the gatekeeper issues requirements for.
const SchemeExact = "exact"

// Network is a legacy (v1) x402 network name such as "base" or "solana-devnet".
type Network string

// PaymentRequirements represents the payment requirements for a resource
type PaymentRequirements struct {
	Scheme            string         `json:"scheme"`
	Network           Network        `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired"`
	Resource          string         `json:"resource"`
	Description       string         `json:"description"`
	MimeType          string         `json:"mimeType"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Asset             string         `json:"asset"`
	OutputSchema      *OutputSchema  `json:"outputSchema,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// OutputSchema describes how a resource is called and what it returns.
// Facilitators use it for discovery listings.
type OutputSchema struct {
	Input  *InputSchema   `json:"input,omitempty"`
	Output map[string]any `json:"output,omitempty"`
}

// InputSchema describes the request shape of a protected resource.
type InputSchema struct {
	// Type is the transport, "http" or "mcp"
	Type         string         `json:"type"`
	Method       string         `json:"method,omitempty"`
	Discoverable bool           `json:"discoverable"`
	Schema       map[string]any `json:"schema,omitempty"`
}

// PaymentPayload represents the decoded payment payload for a client's payment.
type PaymentPayload struct {
	X402Version int           `json:"x402Version"`
	Scheme      string        `json:"scheme"`
	Network     Network       `json:"network"`
	Payload     *ExactPayload `json:"payload"`
}

// ExactPayload is the scheme-specific body of an "exact" payment. EVM payments
// carry a signature over an EIP-3009 authorization; Solana payments carry a
// partially signed, base64 encoded transaction.
type ExactPayload struct {
	Signature     string                 `json:"signature,omitempty"`
	Authorization *ExactEvmAuthorization `json:"authorization,omitempty"`
	Transaction   string                 `json:"transaction,omitempty"`
	// Extra holds the payload fields not modelled above. They are written
	// back unchanged when the payload is forwarded to the facilitator.
	Extra map[string]json.RawMessage `json:"-"`
}

type exactPayloadFields ExactPayload

// UnmarshalJSON decodes the known fields and keeps the rest in Extra.
func (p *ExactPayload) UnmarshalJSON(data []byte) error {
	var fields exactPayloadFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	delete(all, "signature")
	delete(all, "authorization")
	delete(all, "transaction")

	fields.Extra = nil
	if len(all) > 0 {
		fields.Extra = all
	}
	*p = ExactPayload(fields)
	return nil
}

// MarshalJSON writes the known fields merged with Extra.
func (p ExactPayload) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+3)
	for k, v := range p.Extra {
		out[k] = v
	}
	if p.Signature != "" {
		out["signature"] = p.Signature
	}
	if p.Authorization != nil {
		out["authorization"] = p.Authorization
	}
	if p.Transaction != "" {
		out["transaction"] = p.Transaction
	}
	return json.Marshal(out)
}

// ExactEvmAuthorization represents the EIP-3009 transferWithAuthorization
// message signed by the payer (used by USDC)
type ExactEvmAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// Payer returns the address the payment is drawn from when the payload names
// one, or "" otherwise.
func (p *ExactPayload) Payer() string {
	if p == nil || p.Authorization == nil {
		return ""
	}
	return p.Authorization.From
}

// VerifyResponse represents the response from the verify endpoint
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse represents the response from the settle endpoint
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason string  `json:"errorReason,omitempty"`
	Transaction string  `json:"transaction"`
	Network     Network `json:"network"`
	Payer       string  `json:"payer,omitempty"`
}

// EncodeToBase64String encodes the settle response for the X-PAYMENT-RESPONSE header.
func (s SettleResponse) EncodeToBase64String() (string, error) {
	jsonBytes, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to base64 encode the settle response: %w", err)
	}

	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// SettlementStatusPending marks a response whose payment is settled after delivery.
const SettlementStatusPending = "pending_settlement"

// PendingSettlement is attached to responses released before settlement finished.
type PendingSettlement struct {
	Status string `json:"status"`
}

// NewPendingSettlement returns the marker for a deferred settlement.
func NewPendingSettlement() PendingSettlement {
	return PendingSettlement{Status: SettlementStatusPending}
}

// EncodeToBase64String encodes the marker for the X-Payment-Status header.
func (p PendingSettlement) EncodeToBase64String() (string, error) {
	jsonBytes, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to base64 encode the settlement status: %w", err)
	}

	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// PaymentRequired is the 402 body returned to callers that must (re)pay.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Accepts     []PaymentRequirements `json:"accepts"`
	// Code is set when the rejection is not a plain "payment required".
	Code  string `json:"code,omitempty"`
	Payer string `json:"payer,omitempty"`
}

// ErrEmptyPayment is returned when decoding an empty payment header.
var ErrEmptyPayment = errors.New("payment header is empty")

// DecodePaymentPayloadFromBase64 decodes a base64 encoded string into a PaymentPayload
func DecodePaymentPayloadFromBase64(encoded string) (*PaymentPayload, error) {
	if encoded == "" {
		return nil, ErrEmptyPayment
	}

	decodedBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 string: %w", err)
	}

	var payload PaymentPayload
	if err := json.Unmarshal(decodedBytes, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment payload: %w", err)
	}

	if payload.Scheme == "" {
		return nil, errors.New("payment scheme is required")
	}
	if payload.Network == "" {
		return nil, errors.New("payment network is required")
	}
	if payload.Payload == nil {
		return nil, errors.New("payment payload is required")
	}

	payload.X402Version = X402Version

	return &payload, nil
}

// EncodeToBase64String encodes the payload the way clients send it in X-PAYMENT.
func (p PaymentPayload) EncodeToBase64String() (string, error) {
	jsonBytes, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to base64 encode the payment payload: %w", err)
	}

	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// DecodeSettleResponseFromBase64 decodes an X-PAYMENT-RESPONSE header value.
func DecodeSettleResponseFromBase64(encoded string) (*SettleResponse, error) {
	decodedBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 string: %w", err)
	}

	var resp SettleResponse
	if err := json.Unmarshal(decodedBytes, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settle response: %w", err)
	}

	return &resp, nil
}

// FacilitatorConfig represents configuration for the facilitator service
type FacilitatorConfig struct {
	URL               string
	Timeout           func() time.Duration
	CreateAuthHeaders func() (map[string]map[string]string, error)
}

// VerifyRequest represents the request body for Facilitator /verify endpoint.
type VerifyRequest struct {
	X402Version         int                  `json:"x402Version"`
	PaymentPayload      *PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *PaymentRequirements `json:"paymentRequirements"`
}

// SettleRequest represents the request body for Facilitator /settle endpoint.
type SettleRequest struct {
	X402Version         int                  `json:"x402Version"`
	PaymentPayload      *PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *PaymentRequirements `json:"paymentRequirements"`
}

// SupportedPaymentKind represents a supported scheme-network pair from /supported endpoint.
type SupportedPaymentKind struct {
	X402Version int            `json:"x402Version"`
	Scheme      string         `json:"scheme"`
	Network     Network        `json:"network"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// SupportedPaymentKindsResponse represents the response from Facilitator /supported endpoint.
type SupportedPaymentKindsResponse struct {
	Kinds []SupportedPaymentKind `json:"kinds"`
}

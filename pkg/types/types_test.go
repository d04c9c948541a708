package types

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSupportedPaymentKindsResponseDecode(t *testing.T) {
	t.Parallel()

	const supportedJSON = `{
		"kinds": [
			{
				"x402Version": 1,
				"scheme": "exact",
				"network": "base-sepolia"
			},
			{
				"x402Version": 1,
				"scheme": "exact",
				"network": "base"
			},
			{
				"x402Version": 1,
				"scheme": "exact",
				"network": "solana-devnet",
				"extra": {"feePayer": "2wKupLR9q6wXYppw8Gr2NvWxKBUqm4PPJKkQfoxHDBg4"}
			}
		]
	}`

	var got SupportedPaymentKindsResponse
	if err := json.Unmarshal([]byte(supportedJSON), &got); err != nil {
		t.Fatalf("failed to unmarshal supported json: %v", err)
	}

	want := SupportedPaymentKindsResponse{
		Kinds: []SupportedPaymentKind{
			{X402Version: 1, Scheme: "exact", Network: "base-sepolia"},
			{X402Version: 1, Scheme: "exact", Network: "base"},
			{
				X402Version: 1,
				Scheme:      "exact",
				Network:     "solana-devnet",
				Extra:       map[string]any{"feePayer": "2wKupLR9q6wXYppw8Gr2NvWxKBUqm4PPJKkQfoxHDBg4"},
			},
		},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("supported response mismatch (-want +got)\n%s", diff)
	}
}

func TestDecodePaymentPayloadFromBase64(t *testing.T) {
	t.Parallel()

	const payloadJSON = `{
		"x402Version": 7,
		"scheme": "exact",
		"network": "base-sepolia",
		"payload": {
			"signature": "0x2d6a7588d6acca505cbf0d9a4a227e0c52c6c34008c8e8986a1283259764173608a2ce6496642e377d6da8dbbf5836e9bd15092f9ecab05ded3d6293af148b571c",
			"authorization": {
				"from": "0x857b06519E91e3A54538791bDbb0E22373e36b66",
				"to": "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
				"value": "10000",
				"validAfter": "1740672089",
				"validBefore": "1740672154",
				"nonce": "0xf3746613c2d920b5fdabc0856f2aeb2d4f88ee6037b8cc5d04a71a4462f13480"
			}
		}
	}`

	got, err := DecodePaymentPayloadFromBase64(base64.StdEncoding.EncodeToString([]byte(payloadJSON)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := &PaymentPayload{
		X402Version: X402Version,
		Scheme:      "exact",
		Network:     "base-sepolia",
		Payload: &ExactPayload{
			Signature: "0x2d6a7588d6acca505cbf0d9a4a227e0c52c6c34008c8e8986a1283259764173608a2ce6496642e377d6da8dbbf5836e9bd15092f9ecab05ded3d6293af148b571c",
			Authorization: &ExactEvmAuthorization{
				From:        "0x857b06519E91e3A54538791bDbb0E22373e36b66",
				To:          "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
				Value:       "10000",
				ValidAfter:  "1740672089",
				ValidBefore: "1740672154",
				Nonce:       "0xf3746613c2d920b5fdabc0856f2aeb2d4f88ee6037b8cc5d04a71a4462f13480",
			},
		},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("payload mismatch (-want +got)\n%s", diff)
	}
	if got.Payload.Payer() != "0x857b06519E91e3A54538791bDbb0E22373e36b66" {
		t.Errorf("unexpected payer %q", got.Payload.Payer())
	}
}

func TestPaymentPayloadKeepsUnknownFields(t *testing.T) {
	t.Parallel()

	const payloadJSON = `{"x402Version":1,"scheme":"exact","network":"solana-devnet","payload":{"transaction":"AQAB","memo":"order-7","feePayer":{"address":"2wKupLR9q6wXYppw8Gr2NvWxKBUqm4PPJKkQfoxHDBg4"}}}`

	got, err := DecodePaymentPayloadFromBase64(base64.StdEncoding.EncodeToString([]byte(payloadJSON)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Payload.Transaction != "AQAB" {
		t.Errorf("unexpected transaction %q", got.Payload.Transaction)
	}
	if len(got.Payload.Extra) != 2 {
		t.Fatalf("expected 2 extra fields, got %v", got.Payload.Extra)
	}

	forwarded, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var want, have map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &want); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(forwarded, &have); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, have); diff != "" {
		t.Errorf("forwarded payload mismatch (-want +got)\n%s", diff)
	}
}

func TestDecodePaymentPayloadFromBase64Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		encoded string
	}{
		{name: "empty", encoded: ""},
		{name: "not base64", encoded: "%%%not-base64%%%"},
		{name: "not json", encoded: base64.StdEncoding.EncodeToString([]byte("hello"))},
		{name: "missing scheme", encoded: base64.StdEncoding.EncodeToString([]byte(`{"network":"base","payload":{}}`))},
		{name: "missing network", encoded: base64.StdEncoding.EncodeToString([]byte(`{"scheme":"exact","payload":{}}`))},
		{name: "missing payload", encoded: base64.StdEncoding.EncodeToString([]byte(`{"scheme":"exact","network":"base"}`))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := DecodePaymentPayloadFromBase64(tt.encoded); err == nil {
				t.Fatalf("expected error for %q", tt.encoded)
			}
		})
	}
}

func TestSettleResponseHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	resp := SettleResponse{
		Success:     true,
		Transaction: "0xabc",
		Network:     "base",
		Payer:       "0x857b06519E91e3A54538791bDbb0E22373e36b66",
	}

	encoded, err := resp.EncodeToBase64String()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("header is not base64: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("header is not json: %v", err)
	}
	if _, ok := fields["errorReason"]; ok {
		t.Errorf("errorReason must be omitted on success, got %v", fields)
	}

	decoded, err := DecodeSettleResponseFromBase64(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(resp, *decoded); diff != "" {
		t.Fatalf("settle response mismatch (-want +got)\n%s", diff)
	}
}

func TestPendingSettlementEncoding(t *testing.T) {
	t.Parallel()

	encoded, err := NewPendingSettlement().EncodeToBase64String()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(encoded)
	if string(raw) != `{"status":"pending_settlement"}` {
		t.Fatalf("unexpected pending marker %s", raw)
	}
}

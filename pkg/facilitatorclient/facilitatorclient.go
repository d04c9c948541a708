package facilitatorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/x402-foundation/x402-gatekeeper/pkg/types"
	"github.com/x402-foundation/x402-gatekeeper/pkg/x402"
)

const (
	// DefaultFacilitatorURL is the default URL for the x402 facilitator service
	DefaultFacilitatorURL = "https://x402.org/facilitator"

	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"
	mimeApplicationJSON = "application/json"

	authHeaderVerify    = "verify"
	authHeaderSettle    = "settle"
	authHeaderSupported = "supported"

	// rateLimitRetries is the number of attempts made when the facilitator answers 429
	rateLimitRetries = 3
	// defaultRetryBaseDelay is doubled after every rate limited attempt
	defaultRetryBaseDelay = time.Second

	maxErrorBody     = 512
	maxRejectionBody = 64 << 10
)

var _ x402.FacilitatorClient = (*FacilitatorClient)(nil)

// FacilitatorClient represents a facilitator client for verifying and settling payments
type FacilitatorClient struct {
	URL               string
	HTTPClient        *http.Client
	CreateAuthHeaders func() (map[string]map[string]string, error)
	// RetryBaseDelay is the first backoff after a 429 response.
	RetryBaseDelay time.Duration
}

// NewFacilitatorClient creates a new facilitator client
func NewFacilitatorClient(config *types.FacilitatorConfig) *FacilitatorClient {
	if config == nil {
		config = &types.FacilitatorConfig{}
	}

	httpCli := &http.Client{}
	if config.Timeout != nil {
		httpCli.Timeout = config.Timeout()
	}

	url := strings.TrimRight(config.URL, "/")
	if url == "" {
		url = DefaultFacilitatorURL
	}

	return &FacilitatorClient{
		URL:               url,
		HTTPClient:        httpCli,
		CreateAuthHeaders: config.CreateAuthHeaders,
		RetryBaseDelay:    defaultRetryBaseDelay,
	}
}

// BearerAuthHeaders returns a CreateAuthHeaders func sending apiKey as a
// bearer token on every endpoint.
func BearerAuthHeaders(apiKey string) func() (map[string]map[string]string, error) {
	return func() (map[string]map[string]string, error) {
		if apiKey == "" {
			return nil, fmt.Errorf("missing facilitator api key")
		}
		header := map[string]string{headerAuthorization: "Bearer " + apiKey}
		return map[string]map[string]string{
			authHeaderVerify:    header,
			authHeaderSettle:    header,
			authHeaderSupported: header,
		}, nil
	}
}

// Verify sends a payment verification request to the facilitator.
func (c *FacilitatorClient) Verify(ctx context.Context, payload types.PaymentPayload, requirements types.PaymentRequirements) (*types.VerifyResponse, error) {
	body := types.VerifyRequest{
		X402Version:         types.X402Version,
		PaymentPayload:      &payload,
		PaymentRequirements: &requirements,
	}

	var verifyResp types.VerifyResponse
	if err := c.do(ctx, http.MethodPost, "/verify", authHeaderVerify, body, &verifyResp); err != nil {
		// a non 200 reply naming an invalidReason is a verdict, not a fault
		var rejected types.VerifyResponse
		if decodeRejection(err, &rejected) && rejected.InvalidReason != "" {
			rejected.IsValid = false
			return &rejected, nil
		}
		return nil, fmt.Errorf("facilitator verify: %w", err)
	}

	return &verifyResp, nil
}

// Settle sends a payment settlement request to the facilitator.
func (c *FacilitatorClient) Settle(ctx context.Context, payload types.PaymentPayload, requirements types.PaymentRequirements) (*types.SettleResponse, error) {
	body := types.SettleRequest{
		X402Version:         types.X402Version,
		PaymentPayload:      &payload,
		PaymentRequirements: &requirements,
	}

	var settleResp types.SettleResponse
	if err := c.do(ctx, http.MethodPost, "/settle", authHeaderSettle, body, &settleResp); err != nil {
		var rejected types.SettleResponse
		if decodeRejection(err, &rejected) && rejected.ErrorReason != "" {
			rejected.Success = false
			return &rejected, nil
		}
		return nil, fmt.Errorf("facilitator settle: %w", err)
	}

	return &settleResp, nil
}

// Supported retrieves the list of payment kinds supported by the facilitator.
func (c *FacilitatorClient) Supported(ctx context.Context) (*types.SupportedPaymentKindsResponse, error) {
	var supportedResp types.SupportedPaymentKindsResponse
	if err := c.do(ctx, http.MethodGet, "/supported", authHeaderSupported, nil, &supportedResp); err != nil {
		return nil, fmt.Errorf("failed to get supported payment kinds: %w", err)
	}

	return &supportedResp, nil
}

// StatusError is returned when the facilitator answers with a non 200 status.
type StatusError struct {
	StatusCode int
	Status     string
	// Body is the start of the reply, trimmed for error messages.
	Body string

	raw []byte
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return e.Status
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Body)
}

// decodeRejection decodes the body of a non 200, non 429 reply into out.
func decodeRejection(err error, out any) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return json.Unmarshal(statusErr.raw, out) == nil
}

// do sends one request, retrying with exponential backoff while the
// facilitator rate limits us.
func (c *FacilitatorClient) do(ctx context.Context, method, path, authKey string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		err := c.doOnce(ctx, method, path, authKey, payload, out)

		statusErr, ok := err.(*StatusError)
		if !ok || statusErr.StatusCode != http.StatusTooManyRequests || attempt == rateLimitRetries-1 {
			return err
		}

		delay := c.RetryBaseDelay * time.Duration(1<<uint(attempt))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", err, ctx.Err())
		}
	}
}

func (c *FacilitatorClient) doOnce(ctx context.Context, method, path, authKey string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)

	// Add auth headers if available
	if err := c.addAuthHeader(req, authKey); err != nil {
		return fmt.Errorf("failed to apply %s auth headers: %w", authKey, err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxRejectionBody))
		snippet := raw
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(snippet)),
			raw:        raw,
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

func (c *FacilitatorClient) addAuthHeader(req *http.Request, key string) error {
	if c.CreateAuthHeaders == nil {
		return nil
	}

	headers, err := c.CreateAuthHeaders()
	if err != nil {
		return fmt.Errorf("create auth headers: %w", err)
	}

	actionHeaders, ok := headers[key]
	if !ok {
		return nil
	}

	for headerKey, value := range actionHeaders {
		req.Header.Set(headerKey, value)
	}

	return nil
}

package stdlib

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/x402-foundation/x402-gatekeeper/pkg/types"
	"github.com/x402-foundation/x402-gatekeeper/pkg/x402"
)

// PaymentMiddlewareOptions is the options for the PaymentMiddleware.
type PaymentMiddlewareOptions struct {
	Route             x402.RouteConfig
	CustomPaywallHTML string
	ResourceRootURL   string
	Logger            *slog.Logger
}

// Options is the type for the options for the PaymentMiddleware.
type Options func(*PaymentMiddlewareOptions)

// WithDescription is an option for the PaymentMiddleware to set the description.
func WithDescription(description string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Route.Description = description
	}
}

// WithMimeType is an option for the PaymentMiddleware to set the mime type.
func WithMimeType(mimeType string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Route.MimeType = mimeType
	}
}

// WithMaxTimeoutSeconds is an option for the PaymentMiddleware to set the max timeout seconds.
func WithMaxTimeoutSeconds(maxTimeoutSeconds int) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Route.MaxTimeoutSeconds = maxTimeoutSeconds
	}
}

// WithInputSchema sets the JSON schema of the request, published in outputSchema.input.
func WithInputSchema(schema map[string]any) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Route.InputSchema = schema
	}
}

// WithOutputSchema is an option for the PaymentMiddleware to set the output schema.
func WithOutputSchema(schema map[string]any) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Route.OutputSchema = schema
	}
}

// WithDiscoverable marks the route as listed by facilitator discovery.
func WithDiscoverable(discoverable bool) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Route.Discoverable = discoverable
	}
}

// WithExtra merges scheme specific fields into the requirement's extra.
func WithExtra(extra map[string]any) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Route.Extra = extra
	}
}

// WithCustomPaywallHTML is an option for the PaymentMiddleware to set the custom paywall HTML.
func WithCustomPaywallHTML(customPaywallHTML string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.CustomPaywallHTML = customPaywallHTML
	}
}

// WithResource is an option for the PaymentMiddleware to set the resource.
func WithResource(resource string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Route.Resource = resource
	}
}

// WithResourceRootURL is an option for the PaymentMiddleware to set the resource root URL.
func WithResourceRootURL(resourceRootURL string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.ResourceRootURL = resourceRootURL
	}
}

// WithNetwork is an option for the PaymentMiddleware to set the network.
func WithNetwork(network types.Network) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Route.Network = network
	}
}

// WithRoute replaces the whole route config.
func WithRoute(route x402.RouteConfig) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Route = route
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Logger = logger
	}
}

// NewOptions applies opts over the defaults. Framework adapters share it.
func NewOptions(opts ...Options) *PaymentMiddlewareOptions {
	options := &PaymentMiddlewareOptions{}
	for _, opt := range opts {
		opt(options)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	options.Route.Transport = x402.TransportHTTP
	return options
}

// PaymentMiddleware is the Go standard library middleware for the resource server using the x402 payment protocol.
// Requests without a valid X-PAYMENT header are answered with 402. Paid
// responses are settled when the handler commits its status.
func PaymentMiddleware(gk *x402.Gatekeeper, price x402.Price, opts ...Options) func(http.Handler) http.Handler {
	options := NewOptions(opts...)
	routeErr := options.Route.Validate()
	if routeErr != nil {
		options.Logger.Error("invalid x402 route config", "error", routeErr)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if routeErr != nil {
				WriteRejection(w, r, RouteRejection(routeErr), options)
				return
			}

			admission, rejection := gk.EnsurePayment(r.Context(), NewPaymentRequest(r, price, options))
			if rejection != nil {
				options.Logger.Debug("payment rejected", "path", r.URL.Path, "code", rejection.Code, "error", rejection.Body.Error)
				WriteRejection(w, r, rejection, options)
				return
			}

			interceptor := NewSettlementInterceptor(w, func(status int) bool {
				return SettleResponse(r.Context(), w, admission, status, options)
			})
			next.ServeHTTP(interceptor, r.WithContext(ContextWithPayment(r.Context(), admission.Context)))

			// a handler that writes nothing succeeded with 200
			if !interceptor.Committed() {
				interceptor.WriteHeader(http.StatusOK)
			}
		})
	}
}

// NewPaymentRequest reads the proof and resource from r.
func NewPaymentRequest(r *http.Request, price x402.Price, options *PaymentMiddlewareOptions) x402.PaymentRequest {
	route := options.Route
	if route.Method == "" {
		route.Method = r.Method
	}
	return x402.PaymentRequest{
		Resource: options.ResourceRootURL + r.URL.Path,
		Price:    price,
		Route:    route,
		Proof:    r.Header.Get(HeaderPayment),
	}
}

// RouteRejection is the 500 sent for every request to a misconfigured route.
func RouteRejection(err error) *x402.Rejection {
	code := x402.CodeOf(err)
	if code == "" {
		code = x402.ErrCodeInvalidRoute
	}
	return &x402.Rejection{
		Status: http.StatusInternalServerError,
		Code:   code,
		Err:    err,
		Body: types.PaymentRequired{
			X402Version: types.X402Version,
			Error:       err.Error(),
			Accepts:     []types.PaymentRequirements{},
			Code:        string(code),
		},
	}
}

// SettleResponse settles admission before the handler's status is written to
// w. It returns false when settlement failed and a 402 was written instead.
func SettleResponse(ctx context.Context, w http.ResponseWriter, admission *x402.Admission, status int, options *PaymentMiddlewareOptions) bool {
	carrier := NewHeaderCarrier(w.Header(), status)
	outcome := admission.Settle(ctx, carrier)
	if outcome.Skipped {
		options.Logger.Debug("handler returned non-success, skipping payment settlement", "status", status)
		return true
	}

	failure := admission.SettlementFailure(outcome)
	if failure == nil {
		return true
	}

	options.Logger.Warn("payment settlement failed", "payment_id", admission.Context.ID, "error", failure.Body.Error)
	h := w.Header()
	h.Del("Content-Length")
	h.Del("Content-Encoding")
	writeJSON(w, failure.Status, failure.Body)
	return false
}

// SettlementInterceptor wraps the ResponseWriter to intercept the moment of commitment.
type SettlementInterceptor struct {
	w http.ResponseWriter
	// settleFunc settles and reports whether the handler's response may proceed
	settleFunc func(status int) bool
	committed  bool
	discarded  bool
}

// NewSettlementInterceptor calls settleFunc with the handler's status before
// anything reaches w. When settleFunc returns false the handler's output is dropped.
func NewSettlementInterceptor(w http.ResponseWriter, settleFunc func(status int) bool) *SettlementInterceptor {
	return &SettlementInterceptor{w: w, settleFunc: settleFunc}
}

// Committed reports whether the status was written.
func (i *SettlementInterceptor) Committed() bool {
	return i.committed
}

func (i *SettlementInterceptor) Header() http.Header {
	return i.w.Header()
}

func (i *SettlementInterceptor) Write(b []byte) (int, error) {
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}

	// settlement failed and a 402 was written; the handler's body is dropped
	if i.discarded {
		return len(b), nil
	}

	return i.w.Write(b)
}

func (i *SettlementInterceptor) WriteHeader(statusCode int) {
	if i.committed {
		return
	}
	i.committed = true

	if !i.settleFunc(statusCode) {
		i.discarded = true
		return
	}

	i.w.WriteHeader(statusCode)
}

// Flush implements http.Flusher to support streaming responses.
func (i *SettlementInterceptor) Flush() {
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}
	if i.discarded {
		return
	}
	if flusher, ok := i.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker. Settlement happens before the connection is handed over.
func (i *SettlementInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := i.w.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	if !i.committed {
		i.committed = true
		if !i.settleFunc(http.StatusSwitchingProtocols) {
			i.discarded = true
			return nil, nil, errors.New("payment settlement failed")
		}
	}
	return hijacker.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (i *SettlementInterceptor) Unwrap() http.ResponseWriter {
	return i.w
}

type paymentContextKey struct{}

// ContextWithPayment stores the verified payment in ctx.
func ContextWithPayment(ctx context.Context, pc x402.PaymentContext) context.Context {
	return context.WithValue(ctx, paymentContextKey{}, pc)
}

// PaymentFromContext returns the verified payment of the current request.
func PaymentFromContext(ctx context.Context) (x402.PaymentContext, bool) {
	pc, ok := ctx.Value(paymentContextKey{}).(x402.PaymentContext)
	return pc, ok
}

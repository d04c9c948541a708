package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/x402-foundation/x402-gatekeeper/pkg/stdlib"
	"github.com/x402-foundation/x402-gatekeeper/pkg/x402"
)

// PaymentContextKey is the echo context key holding the verified x402.PaymentContext.
const PaymentContextKey = "x402_payment"

// PaymentMiddleware is the Echo middleware for the resource server using the x402 payment protocol.
// It accepts the same options as the standard library middleware.
func PaymentMiddleware(gk *x402.Gatekeeper, price x402.Price, opts ...stdlib.Options) echo.MiddlewareFunc {
	options := stdlib.NewOptions(opts...)
	routeErr := options.Route.Validate()
	if routeErr != nil {
		options.Logger.Error("invalid x402 route config", "error", routeErr)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if routeErr != nil {
				stdlib.WriteRejection(c.Response(), req, stdlib.RouteRejection(routeErr), options)
				return nil
			}

			admission, rejection := gk.EnsurePayment(req.Context(), stdlib.NewPaymentRequest(req, price, options))
			if rejection != nil {
				options.Logger.Debug("payment rejected", "path", req.URL.Path, "code", rejection.Code)
				stdlib.WriteRejection(c.Response(), req, rejection, options)
				return nil
			}

			c.Set(PaymentContextKey, admission.Context)
			c.SetRequest(req.WithContext(stdlib.ContextWithPayment(req.Context(), admission.Context)))

			res := c.Response()
			original := res.Writer
			interceptor := stdlib.NewSettlementInterceptor(original, func(status int) bool {
				return stdlib.SettleResponse(req.Context(), original, admission, status, options)
			})
			res.Writer = interceptor

			err := next(c)
			if err != nil {
				// echo's error handler writes the error status through the interceptor
				return err
			}
			if !interceptor.Committed() {
				interceptor.WriteHeader(http.StatusOK)
			}
			return nil
		}
	}
}

// GetPayment returns the verified payment stored by PaymentMiddleware.
func GetPayment(c echo.Context) (x402.PaymentContext, bool) {
	pc, ok := c.Get(PaymentContextKey).(x402.PaymentContext)
	return pc, ok
}

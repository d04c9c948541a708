package gin

import (
	"bytes"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/x402-foundation/x402-gatekeeper/pkg/stdlib"
	"github.com/x402-foundation/x402-gatekeeper/pkg/x402"
)

// PaymentContextKey is the gin context key holding the verified x402.PaymentContext.
const PaymentContextKey = "x402_payment"

// PaymentMiddleware is the Gin middleware for the resource server using the x402 payment protocol.
// It accepts the same options as the standard library middleware. The
// handler's response is buffered so settlement can decide its fate.
func PaymentMiddleware(gk *x402.Gatekeeper, price x402.Price, opts ...stdlib.Options) gin.HandlerFunc {
	options := stdlib.NewOptions(opts...)
	routeErr := options.Route.Validate()
	if routeErr != nil {
		options.Logger.Error("invalid x402 route config", "error", routeErr)
	}

	return func(c *gin.Context) {
		if routeErr != nil {
			stdlib.WriteRejection(c.Writer, c.Request, stdlib.RouteRejection(routeErr), options)
			c.Abort()
			return
		}

		admission, rejection := gk.EnsurePayment(c.Request.Context(), stdlib.NewPaymentRequest(c.Request, price, options))
		if rejection != nil {
			options.Logger.Debug("payment rejected", "path", c.Request.URL.Path, "code", rejection.Code)
			stdlib.WriteRejection(c.Writer, c.Request, rejection, options)
			c.Abort()
			return
		}

		c.Set(PaymentContextKey, admission.Context)
		c.Request = c.Request.WithContext(stdlib.ContextWithPayment(c.Request.Context(), admission.Context))

		// Create a custom response writer to intercept the response
		writer := &responseWriter{
			ResponseWriter: c.Writer,
			body:           &bytes.Buffer{},
			statusCode:     http.StatusOK,
		}
		c.Writer = writer

		// Execute the handler
		c.Next()

		// Reset the response writer to the original
		c.Writer = writer.ResponseWriter

		if !stdlib.SettleResponse(c.Request.Context(), c.Writer, admission, writer.statusCode, options) {
			c.Abort()
			return
		}

		c.Writer.WriteHeader(writer.statusCode)
		c.Writer.WriteHeaderNow()
		_, _ = c.Writer.Write(writer.body.Bytes())
	}
}

// GetPayment returns the verified payment stored by PaymentMiddleware.
func GetPayment(c *gin.Context) (x402.PaymentContext, bool) {
	value, ok := c.Get(PaymentContextKey)
	if !ok {
		return x402.PaymentContext{}, false
	}
	pc, ok := value.(x402.PaymentContext)
	return pc, ok
}

// responseWriter is a custom response writer that captures the response
type responseWriter struct {
	gin.ResponseWriter
	body       *bytes.Buffer
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
}

// WriteHeaderNow is deferred until settlement has run.
func (w *responseWriter) WriteHeaderNow() {
	w.written = true
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.Write(b)
}

func (w *responseWriter) WriteString(s string) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.WriteString(s)
}

func (w *responseWriter) Status() int {
	return w.statusCode
}

func (w *responseWriter) Size() int {
	return w.body.Len()
}

func (w *responseWriter) Written() bool {
	return w.written
}

// Flush is a no-op; the body is released after settlement.
func (w *responseWriter) Flush() {}

package stdlib

import (
	"bytes"
	"encoding/json"
	"html/template"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/x402-foundation/x402-gatekeeper/pkg/types"
	"github.com/x402-foundation/x402-gatekeeper/pkg/x402"
)

// Payment protocol headers.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
	HeaderPaymentError    = "X-PAYMENT-ERROR"
	HeaderPaymentStatus   = "X-Payment-Status"
)

// HeaderCarrier writes settlement results as response headers.
type HeaderCarrier struct {
	header http.Header
	status int
}

var _ x402.ResponseCarrier = (*HeaderCarrier)(nil)

// NewHeaderCarrier wraps the response headers and the status the handler chose.
func NewHeaderCarrier(header http.Header, status int) *HeaderCarrier {
	return &HeaderCarrier{header: header, status: status}
}

func (c *HeaderCarrier) StatusCode() int { return c.status }

func (c *HeaderCarrier) SetPaymentResponse(resp types.SettleResponse) error {
	return c.set(HeaderPaymentResponse, resp.EncodeToBase64String)
}

func (c *HeaderCarrier) SetPaymentError(resp types.SettleResponse) error {
	return c.set(HeaderPaymentError, resp.EncodeToBase64String)
}

func (c *HeaderCarrier) SetPaymentPending(status types.PendingSettlement) error {
	return c.set(HeaderPaymentStatus, status.EncodeToBase64String)
}

func (c *HeaderCarrier) set(name string, encode func() (string, error)) error {
	value, err := encode()
	if err != nil {
		return err
	}
	c.header.Set(name, value)
	return nil
}

// WriteRejection answers with the rejection's status. Browsers asking for
// HTML get the paywall page instead of the JSON body.
func WriteRejection(w http.ResponseWriter, r *http.Request, rejection *x402.Rejection, options *PaymentMiddlewareOptions) {
	body := rejection.Body
	if rejection.Code == x402.ErrCodePaymentRequired {
		body.Error = HeaderPayment + " header is required"
	}

	if rejection.Status == http.StatusPaymentRequired && IsWebBrowser(r) {
		html := options.CustomPaywallHTML
		if html == "" {
			html = getPaywallHtml(body)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(rejection.Status)
		_, _ = w.Write([]byte(html))
		return
	}

	writeJSON(w, rejection.Status, body)
}

// IsWebBrowser reports whether r comes from a browser expecting HTML.
func IsWebBrowser(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html") &&
		strings.Contains(r.Header.Get("User-Agent"), "Mozilla")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

var paywallTemplate = template.Must(template.New("paywall").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Payment Required</title></head>
<body>
<h1>Payment Required</h1>
{{with .Error}}<p>{{.}}</p>{{end}}
{{range .Accepts}}<section>
{{with .Description}}<p>{{.}}</p>{{end}}
<p>{{.Price}} on {{.Network}} to {{.PayTo}}</p>
<p><code>{{.Resource}}</code></p>
</section>{{end}}
</body>
</html>`))

type paywallOption struct {
	types.PaymentRequirements
	Price string
}

// getPaywallHtml is the default paywall HTML for the PaymentMiddleware.
func getPaywallHtml(body types.PaymentRequired) string {
	view := struct {
		Error   string
		Accepts []paywallOption
	}{Error: body.Error}

	for _, req := range body.Accepts {
		view.Accepts = append(view.Accepts, paywallOption{PaymentRequirements: req, Price: displayPrice(req)})
	}

	var buf bytes.Buffer
	if err := paywallTemplate.Execute(&buf, view); err != nil {
		return "<html><body>Payment Required</body></html>"
	}
	return buf.String()
}

// displayPrice renders USDC amounts in dollars and anything else in atomic units.
func displayPrice(req types.PaymentRequirements) string {
	amount, err := decimal.NewFromString(req.MaxAmountRequired)
	if err != nil {
		return req.MaxAmountRequired
	}
	if netCfg, ok := x402.NetworkConfigs[req.Network]; ok {
		if asset, err := x402.NormalizeAddress(netCfg.Family, netCfg.DefaultAsset.Address); err == nil && asset == req.Asset {
			return "$" + amount.Shift(-int32(netCfg.DefaultAsset.Decimals)).String()
		}
	}
	return amount.String() + " units of " + req.Asset
}

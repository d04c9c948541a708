package x402

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Price is what a route charges. It is either Money or a TokenAmount.
type Price interface {
	isPrice()
}

// Money is a USD amount such as "$0.001" or "0.01". It is paid in the
// network's default USDC asset.
type Money string

func (Money) isPrice() {}

// EIP712Domain is the token's EIP-712 domain, forwarded in requirement extra.
type EIP712Domain struct {
	Name    string `json:"name" mapstructure:"name"`
	Version string `json:"version" mapstructure:"version"`
}

// TokenAsset names the token a TokenAmount is denominated in.
type TokenAsset struct {
	Address  string        `json:"address" mapstructure:"address"`
	Decimals int           `json:"decimals" mapstructure:"decimals"`
	EIP712   *EIP712Domain `json:"eip712,omitempty" mapstructure:"eip712"`
}

// TokenAmount is an atomic amount of an explicit token.
type TokenAmount struct {
	Amount string     `json:"amount" mapstructure:"amount"`
	Asset  TokenAsset `json:"asset" mapstructure:"asset"`
}

func (TokenAmount) isPrice() {}

var (
	minMoney = decimal.RequireFromString("0.0001")
	maxMoney = decimal.RequireFromString("999999999")
)

// ParsePrice converts a configuration value into a Price. Strings and numbers
// are Money; maps with an "amount" and an "asset" are a TokenAmount.
func ParsePrice(v any) (Price, error) {
	switch p := v.(type) {
	case nil:
		return nil, priceError("price is required", nil)
	case Price:
		return p, nil
	case string:
		return Money(p), nil
	case float64:
		return Money(decimal.NewFromFloat(p).String()), nil
	case float32:
		return Money(decimal.NewFromFloat32(p).String()), nil
	case int:
		return Money(decimal.NewFromInt(int64(p)).String()), nil
	case int64:
		return Money(decimal.NewFromInt(p).String()), nil
	case map[string]any:
		return parseTokenAmount(p)
	default:
		return nil, priceError(fmt.Sprintf("unsupported price type %T", v), nil)
	}
}

func parseTokenAmount(m map[string]any) (Price, error) {
	amount, ok := m["amount"]
	if !ok {
		return nil, priceError("token amount is missing \"amount\"", nil)
	}
	rawAsset, ok := m["asset"].(map[string]any)
	if !ok {
		return nil, priceError("token amount is missing \"asset\"", nil)
	}

	ta := TokenAmount{Amount: fmt.Sprint(amount)}
	ta.Asset.Address, _ = rawAsset["address"].(string)
	switch d := rawAsset["decimals"].(type) {
	case int:
		ta.Asset.Decimals = d
	case float64:
		ta.Asset.Decimals = int(d)
	}
	if domain, ok := rawAsset["eip712"].(map[string]any); ok {
		ta.Asset.EIP712 = &EIP712Domain{}
		ta.Asset.EIP712.Name, _ = domain["name"].(string)
		ta.Asset.EIP712.Version, _ = domain["version"].(string)
	}
	return ta, nil
}

// MoneyToAtomicUnits converts a USD amount into atomic units of a token with
// the given decimals, rounding down.
func MoneyToAtomicUnits(m Money, decimals int) (string, error) {
	s := strings.TrimSpace(string(m))
	s = strings.TrimPrefix(s, "$")
	if s == "" {
		return "", priceError("price is empty", nil)
	}

	amount, err := decimal.NewFromString(s)
	if err != nil {
		return "", priceError(fmt.Sprintf("invalid price %q", string(m)), err)
	}
	if amount.LessThan(minMoney) || amount.GreaterThan(maxMoney) {
		return "", priceError(
			fmt.Sprintf("price %s is outside [%s, %s]", amount, minMoney, maxMoney), nil,
		).WithDetails("price", string(m))
	}

	return amount.Shift(int32(decimals)).Floor().String(), nil
}

func validateAtomicAmount(amount string) error {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return priceError(fmt.Sprintf("invalid token amount %q", amount), err)
	}
	if !d.IsInteger() || d.IsNegative() {
		return priceError(fmt.Sprintf("token amount %q must be a non-negative integer", amount), nil)
	}
	return nil
}

func priceError(msg string, err error) *PaymentError {
	return NewPaymentError(ErrCodePriceProcessing, msg, err)
}

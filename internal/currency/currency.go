package currency

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// exponents maps supported currency codes to their minor-unit exponent.
var exponents = map[string]int32{
	"USD": 2,
	"EUR": 2,
	"KRW": 0, // Korean Won has no minor unit
}

// Supported returns the supported ISO 4217 codes.
func Supported() []string {
	return []string{"USD", "EUR", "KRW"}
}

// Normalize upper-cases and trims a currency code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate returns an error if code is not a supported currency.
func Validate(code string) error {
	if _, ok := exponents[code]; !ok {
		return fmt.Errorf("unsupported currency: %s", code)
	}
	return nil
}

// Exponent returns the number of minor-unit digits for a currency.
func Exponent(code string) (int32, error) {
	exp, ok := exponents[code]
	if !ok {
		return 0, fmt.Errorf("unsupported currency: %s", code)
	}
	return exp, nil
}

// CheckAmount rejects non-positive amounts and amounts finer than the
// currency's minor unit (e.g. 1.005 USD or 10.5 KRW).
func CheckAmount(amount decimal.Decimal, code string) error {
	exp, err := Exponent(code)
	if err != nil {
		return err
	}
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be greater than zero")
	}
	if !amount.Equal(amount.Truncate(exp)) {
		return fmt.Errorf("amount %s has more than %d decimal places for %s", amount.String(), exp, code)
	}
	return nil
}

// ParseAmount parses and checks a decimal amount string.
func ParseAmount(s, code string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if err := CheckAmount(amount, code); err != nil {
		return decimal.Decimal{}, err
	}
	return amount, nil
}

// Format renders amount with exactly the currency's minor-unit digits.
func Format(amount decimal.Decimal, code string) string {
	exp, err := Exponent(code)
	if err != nil {
		return amount.String()
	}
	return amount.StringFixed(exp)
}

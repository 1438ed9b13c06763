// README: Common money value object used across modules. Amounts are integer cents.
package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const DefaultCurrency = "USD"

type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func Cents(amount int64) Money {
	return Money{Amount: amount, Currency: DefaultCurrency}
}

func (m Money) Add(o Money) Money {
	return Money{Amount: m.Amount + o.Amount, Currency: m.currencyOr(o)}
}

func (m Money) Mul(n int64) Money {
	return Money{Amount: m.Amount * n, Currency: m.currencyOr(m)}
}

// Decimal returns the amount in major units (dollars).
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Amount, -2)
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Decimal().StringFixed(2), m.currencyOr(m))
}

func (m Money) currencyOr(o Money) string {
	if m.Currency != "" {
		return m.Currency
	}
	if o.Currency != "" {
		return o.Currency
	}
	return DefaultCurrency
}

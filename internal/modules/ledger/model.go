// README: Revenue-split and delivery-fee rates applied by the ledger primitives.
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"farmdrop/internal/types"
)

var ErrInvalidRates = errors.New("invalid ledger rates")

// Rates are kept as data so a market can override them; DefaultRates holds the
// marketplace-wide values.
type Rates struct {
	FarmerShare     decimal.Decimal
	LeadFarmerShare decimal.Decimal
	PlatformFee     decimal.Decimal
	// DeliveryFee is the flat per-delivery driver fee in major units.
	DeliveryFee decimal.Decimal
	Currency    string
}

func DefaultRates() Rates {
	return Rates{
		FarmerShare:     decimal.RequireFromString("0.88"),
		LeadFarmerShare: decimal.RequireFromString("0.02"),
		PlatformFee:     decimal.RequireFromString("0.10"),
		DeliveryFee:     decimal.RequireFromString("7.50"),
		Currency:        types.DefaultCurrency,
	}
}

func (r Rates) Validate() error {
	for name, v := range map[string]decimal.Decimal{
		"farmer share":      r.FarmerShare,
		"lead farmer share": r.LeadFarmerShare,
		"platform fee":      r.PlatformFee,
		"delivery fee":      r.DeliveryFee,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%w: %s is negative", ErrInvalidRates, name)
		}
	}
	sum := r.FarmerShare.Add(r.LeadFarmerShare).Add(r.PlatformFee)
	if !sum.Equal(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: shares sum to %s, want 1", ErrInvalidRates, sum)
	}
	return nil
}

// Split is the three-way division of a product subtotal.
type Split struct {
	FarmerShare     types.Money `json:"farmer_share"`
	LeadFarmerShare types.Money `json:"lead_farmer_share"`
	PlatformFee     types.Money `json:"platform_fee"`
}

func (s Split) Total() types.Money {
	return s.FarmerShare.Add(s.LeadFarmerShare).Add(s.PlatformFee)
}

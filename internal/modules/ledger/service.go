// README: Pure ledger primitives: revenue split and driver payout.
package ledger

import (
	"sort"

	"github.com/shopspring/decimal"

	"farmdrop/internal/types"
)

var defaultRates = DefaultRates()

// SplitRevenue splits subtotal with the default 88/2/10 rates.
func SplitRevenue(subtotal types.Money) Split {
	return defaultRates.Split(subtotal)
}

// DriverPayout is deliveryCount times the default flat delivery fee.
func DriverPayout(deliveryCount int) types.Money {
	return defaultRates.DriverPayout(deliveryCount)
}

// Split rounds the farmer and lead-farmer shares to the cent and assigns the
// remainder to the platform fee, so the three always sum to subtotal.
func (r Rates) Split(subtotal types.Money) Split {
	cur := r.currency(subtotal.Currency)
	cents := decimal.NewFromInt(subtotal.Amount)
	farmer := cents.Mul(r.FarmerShare).Round(0).IntPart()
	lead := cents.Mul(r.LeadFarmerShare).Round(0).IntPart()
	return Split{
		FarmerShare:     types.Money{Amount: farmer, Currency: cur},
		LeadFarmerShare: types.Money{Amount: lead, Currency: cur},
		PlatformFee:     types.Money{Amount: subtotal.Amount - farmer - lead, Currency: cur},
	}
}

// DriverPayout rounds the per-delivery fee to the cent before multiplying, matching
// per-stop accounting.
func (r Rates) DriverPayout(deliveryCount int) types.Money {
	if deliveryCount <= 0 {
		return types.Money{Amount: 0, Currency: r.currency("")}
	}
	perStop := r.DeliveryFee.Shift(2).Round(0).IntPart()
	return types.Money{Amount: perStop * int64(deliveryCount), Currency: r.currency("")}
}

func (r Rates) currency(fallback string) string {
	if fallback != "" {
		return fallback
	}
	if r.Currency != "" {
		return r.Currency
	}
	return types.DefaultCurrency
}

// Allocate divides total across weights in proportion, flooring each share and
// handing the leftover cents to the largest remainders (earlier index on ties). The
// shares always sum to total. A zero weight sum puts everything on the first share.
func Allocate(total int64, weights []int64) []int64 {
	shares := make([]int64, len(weights))
	if len(weights) == 0 {
		return shares
	}
	var sum int64
	for _, w := range weights {
		sum += w
	}
	if sum <= 0 {
		shares[0] = total
		return shares
	}

	denom := decimal.NewFromInt(sum)
	rems := make([]decimal.Decimal, len(weights))
	left := total
	for i, w := range weights {
		q, r := decimal.NewFromInt(total).Mul(decimal.NewFromInt(w)).QuoRem(denom, 0)
		shares[i] = q.IntPart()
		rems[i] = r
		left -= shares[i]
	}
	order := make([]int, len(weights))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return rems[order[a]].GreaterThan(rems[order[b]]) })
	for i := 0; left > 0; i = (i + 1) % len(order) {
		shares[order[i]]++
		left--
	}
	return shares
}

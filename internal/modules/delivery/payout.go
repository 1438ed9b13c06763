// README: Payout materialisation and the pending-payout queue worked by the transfer worker.
package delivery

import (
	"context"
	"fmt"
	"sort"

	"farmdrop/internal/modules/ledger"
	"farmdrop/internal/types"
)

// materializePayouts writes the fee rows and the farmer / lead-farmer payouts of a
// delivered order. The presence of the order's fee rows marks it as done, so a
// second call is a no-op.
func (s *Service) materializePayouts(ctx context.Context, tx Tx, o *Order, b *Batch) ([]Payout, error) {
	done, err := tx.HasFees(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, nil
	}

	bySupplier := make(map[types.ID]types.Money)
	for _, li := range o.Items {
		bySupplier[li.FarmerID] = bySupplier[li.FarmerID].Add(li.Total())
	}
	farmers := make([]types.ID, 0, len(bySupplier))
	for id := range bySupplier {
		farmers = append(farmers, id)
	}
	sort.Slice(farmers, func(i, j int) bool { return farmers[i] < farmers[j] })

	weights := make([]int64, len(farmers))
	for i, id := range farmers {
		weights[i] = bySupplier[id].Amount
	}
	// The split is taken once over the order subtotal; each category is then shared
	// across farmers so category totals match it to the cent.
	split := s.rates.Split(o.Subtotal())
	categories := []struct {
		cat    FeeCategory
		shares []int64
	}{
		{FeeFarmerShare, ledger.Allocate(split.FarmerShare.Amount, weights)},
		{FeeLeadFarmerShare, ledger.Allocate(split.LeadFarmerShare.Amount, weights)},
		{FeePlatform, ledger.Allocate(split.PlatformFee.Amount, weights)},
	}

	now := s.now()
	orderID := o.ID
	cur := split.FarmerShare.Currency
	var fees []TransactionFee
	var payouts []Payout
	for i, farmerID := range farmers {
		for _, c := range categories {
			fees = append(fees, TransactionFee{
				ID:        types.NewID(),
				OrderID:   o.ID,
				FarmerID:  farmerID,
				Category:  c.cat,
				Amount:    types.Money{Amount: c.shares[i], Currency: cur},
				CreatedAt: now,
			})
		}
		if share := categories[0].shares[i]; share > 0 {
			payouts = append(payouts, Payout{
				ID:            types.NewID(),
				RecipientID:   farmerID,
				RecipientType: RecipientFarmer,
				OrderID:       &orderID,
				Amount:        types.Money{Amount: share, Currency: cur},
				Status:        PayoutPending,
				CreatedAt:     now,
			})
		}
	}
	lead := split.LeadFarmerShare
	if lead.Amount > 0 {
		payouts = append(payouts, Payout{
			ID:            types.NewID(),
			RecipientID:   b.CollectionPoint.LeadFarmerID,
			RecipientType: RecipientLeadFarmer,
			OrderID:       &orderID,
			Amount:        lead,
			Status:        PayoutPending,
			CreatedAt:     now,
		})
	}

	if err := tx.InsertFees(ctx, fees); err != nil {
		return nil, err
	}
	for i := range payouts {
		if err := tx.InsertPayout(ctx, &payouts[i]); err != nil {
			return nil, err
		}
	}
	s.log.Info("payouts materialised", "order_id", o.ID, "fees", len(fees), "payouts", len(payouts))
	return payouts, nil
}

// materializeDriverPayout writes the single per-batch driver payout, summed over the
// batch's delivered stops.
func (s *Service) materializeDriverPayout(ctx context.Context, tx Tx, b *Batch, stops []Stop) (*Payout, error) {
	if b.DriverID == nil {
		return nil, nil
	}
	existing, err := tx.FindDriverPayout(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, nil
	}
	delivered := 0
	for _, st := range stops {
		if st.Status == StopDelivered {
			delivered++
		}
	}
	amount := s.rates.DriverPayout(delivered)
	if amount.Amount == 0 {
		return nil, nil
	}
	batchID := b.ID
	p := &Payout{
		ID:            types.NewID(),
		RecipientID:   *b.DriverID,
		RecipientType: RecipientDriver,
		BatchID:       &batchID,
		Amount:        amount,
		Status:        PayoutPending,
		CreatedAt:     s.now(),
	}
	if err := tx.InsertPayout(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// announce tells the notifier about committed pending payouts. The transfer worker
// polls the payout rows anyway, so failures are only logged.
func (s *Service) announce(ctx context.Context, payouts []Payout) {
	if s.notify == nil || len(payouts) == 0 {
		return
	}
	if err := s.notify.PayoutsPending(ctx, payouts); err != nil {
		s.log.Warn("pending payout notification failed", "count", len(payouts), "err", err)
	}
}

func (s *Service) ListPayouts(ctx context.Context, f PayoutFilter) ([]Payout, error) {
	var out []Payout
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.ListPayouts(ctx, f)
		return err
	})
	return out, err
}

func (s *Service) ListFees(ctx context.Context, orderID types.ID) ([]TransactionFee, error) {
	var out []TransactionFee
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetOrder(ctx, orderID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListFees(ctx, orderID)
		return err
	})
	return out, err
}

// MarkPayoutCompleted is reported by the transfer worker. Completing an already
// completed payout returns it unchanged.
func (s *Service) MarkPayoutCompleted(ctx context.Context, payoutID types.ID, transferRef string) (*Payout, error) {
	return s.updatePayout(ctx, payoutID, PayoutCompleted, func(p *Payout) {
		now := s.now()
		p.CompletedAt = &now
		if transferRef != "" {
			p.TransferRef = &transferRef
		}
		p.FailureReason = nil
	})
}

// MarkPayoutFailed records a failed transfer. The payout stays retryable.
func (s *Service) MarkPayoutFailed(ctx context.Context, payoutID types.ID, reason string) (*Payout, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: failure reason is required", ErrValidation)
	}
	p, err := s.updatePayout(ctx, payoutID, PayoutFailed, func(p *Payout) {
		now := s.now()
		p.FailedAt = &now
		p.FailureReason = &reason
	})
	if err != nil {
		return nil, err
	}
	s.log.Warn("payout transfer failed", "payout_id", p.ID, "recipient_id", p.RecipientID,
		"attempts", p.Attempts, "err", fmt.Errorf("%w: %s", ErrPaymentTransferFailed, reason))
	return p, nil
}

func (s *Service) updatePayout(ctx context.Context, payoutID types.ID, to PayoutStatus, apply func(*Payout)) (*Payout, error) {
	var out *Payout
	err := s.withLocks(ctx, []string{payoutKey(payoutID)}, func() error {
		return s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			p, err := tx.GetPayout(ctx, payoutID)
			if err != nil {
				return err
			}
			if p.Status == PayoutCompleted && to == PayoutCompleted {
				out = p
				return nil
			}
			if !CanTransitionPayout(p.Status, to) {
				return fmt.Errorf("%w: payout %s is %s", ErrInvalidTransition, p.ID, p.Status)
			}
			from := p.Status
			p.Status = to
			p.Attempts++
			apply(p)
			if err := tx.UpdatePayout(ctx, p, from); err != nil {
				return err
			}
			out = p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("payout updated", "payout_id", out.ID, "status", out.Status)
	return out, nil
}

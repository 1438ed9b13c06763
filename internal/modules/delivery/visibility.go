// README: Address visibility gate: a stop's full address is withheld until its box is loaded.
package delivery

import (
	"context"
	"fmt"
	"time"

	"farmdrop/internal/types"
)

// IsAddressVisible is the gate evaluated on every address read. The ZIP region is
// never gated.
func IsAddressVisible(stop *Stop, actor types.Actor) bool {
	return actor.IsAdmin() || stop.AddressVisibleAt != nil
}

type StopAddress struct {
	StopID    types.ID   `json:"stop_id"`
	BatchID   types.ID   `json:"batch_id"`
	Sequence  int        `json:"sequence"`
	Zip       string     `json:"zip"`
	Visible   bool       `json:"visible"`
	VisibleAt *time.Time `json:"visible_at,omitempty"`
	Address   *Address   `json:"address,omitempty"`
}

// GetStopAddress returns the stop's ZIP and, when the gate is open, its full address.
// Only admins and the batch's driver may query a stop.
func (s *Service) GetStopAddress(ctx context.Context, stopID types.ID, actor types.Actor) (*StopAddress, error) {
	var out *StopAddress
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		stop, err := tx.GetStop(ctx, stopID)
		if err != nil {
			return err
		}
		b, err := tx.GetBatch(ctx, stop.BatchID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin() && (b.DriverID == nil || *b.DriverID != actor.ID) {
			return fmt.Errorf("%w: stop %s is not on your route", ErrForbidden, stopID)
		}
		out = &StopAddress{
			StopID:    stop.ID,
			BatchID:   stop.BatchID,
			Sequence:  stop.Sequence,
			Zip:       stop.Zip,
			VisibleAt: stop.AddressVisibleAt,
		}
		if !IsAddressVisible(stop, actor) {
			return nil
		}
		o, err := tx.GetOrder(ctx, stop.OrderID)
		if err != nil {
			return err
		}
		addr := o.Address
		out.Visible = true
		out.Address = &addr
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

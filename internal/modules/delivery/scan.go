// README: Box scan verification: the append-only scan log and the transitions it drives.
package delivery

import (
	"context"
	"fmt"
	"time"

	"farmdrop/internal/types"
)

type ScanCommand struct {
	BatchID types.ID
	StopID  *types.ID
	OrderID types.ID
	ActorID types.ID
	BoxCode string
	Type    ScanType
}

// ScanResult reports the logged event and, for delivered scans, the outcome of the
// transition it triggered. Duplicate is set when an earlier event was returned
// instead of appending a new one.
type ScanResult struct {
	Event            ScanEvent
	Duplicate        bool
	Order            *Order
	AddressVisibleAt *time.Time
	TransitionErr    error
}

// RecordScan validates a box scan, appends it to the scan log and applies its side
// effects. A delivered scan is committed before the delivered transition runs, so a
// failed transition leaves the scan in the log; the returned result carries both.
func (s *Service) RecordScan(ctx context.Context, cmd ScanCommand) (*ScanResult, error) {
	if cmd.Type != ScanLoaded && cmd.Type != ScanDelivered {
		return nil, fmt.Errorf("%w: unknown scan type %q", ErrValidation, cmd.Type)
	}
	batchNumber, sequence, err := ParseBoxCode(cmd.BoxCode)
	if err != nil {
		return nil, err
	}
	code := FormatBoxCode(batchNumber, sequence)

	var res *ScanResult
	var created []Payout
	err = s.withLocks(ctx, []string{batchKey(cmd.BatchID)}, func() error {
		created = nil
		err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			b, err := tx.GetBatch(ctx, cmd.BatchID)
			if err != nil {
				return err
			}
			if b.DriverID == nil || *b.DriverID != cmd.ActorID {
				return fmt.Errorf("%w: %s is not the driver of batch %s", ErrForbidden, cmd.ActorID, b.ID)
			}
			if b.Number != batchNumber {
				return fmt.Errorf("%w: box code %s is not part of batch %d", ErrNotFound, code, b.Number)
			}
			o, err := tx.FindOrderByBoxCode(ctx, b.ID, code)
			if err != nil {
				return err
			}
			if o.Status == OrderPending || o.Status == OrderCancelled {
				return fmt.Errorf("%w: box code %s has no confirmed order", ErrNotFound, code)
			}
			if cmd.OrderID != "" && cmd.OrderID != o.ID {
				return fmt.Errorf("%w: box code %s belongs to another order", ErrNotFound, code)
			}
			stop, err := tx.GetStopByOrder(ctx, o.ID)
			if err != nil {
				return err
			}
			if cmd.StopID != nil && *cmd.StopID != stop.ID {
				return fmt.Errorf("%w: box code %s belongs to another stop", ErrNotFound, code)
			}

			if cmd.Type == ScanLoaded {
				res, err = s.applyLoaded(ctx, tx, b, o, stop, cmd.ActorID, code, &created)
				return err
			}

			if first, err := tx.FirstScan(ctx, o.ID, ScanLoaded); err != nil {
				return err
			} else if first == nil {
				return fmt.Errorf("%w: order %s", ErrOutOfOrderScan, o.ID)
			}
			if o.Status == OrderDelivered {
				prev, err := tx.FirstScan(ctx, o.ID, ScanDelivered)
				if err != nil {
					return err
				}
				if prev != nil {
					res = &ScanResult{Event: *prev, Duplicate: true, Order: o, AddressVisibleAt: stop.AddressVisibleAt}
					return nil
				}
			}
			if _, ok := Next(o.Status, EventDeliveredScan); !ok {
				return fmt.Errorf("%w: cannot deliver order %s in status %s", ErrInvalidTransition, o.ID, o.Status)
			}
			ev := s.newScan(b.ID, stop.ID, o.ID, cmd.ActorID, code, ScanDelivered)
			if err := tx.AppendScan(ctx, &ev); err != nil {
				return err
			}
			res = &ScanResult{Event: ev, Order: o, AddressVisibleAt: stop.AddressVisibleAt}
			return nil
		})
		if err != nil || cmd.Type != ScanDelivered || res.Duplicate {
			return err
		}

		o, terr := s.deliver(ctx, res.Event, &created)
		if o != nil {
			res.Order = o
		}
		res.TransitionErr = terr
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("scan recorded", "scan_id", res.Event.ID, "batch_id", res.Event.BatchID,
		"order_id", res.Event.OrderID, "type", res.Event.Type, "duplicate", res.Duplicate)
	s.announce(ctx, created)
	if res.TransitionErr != nil {
		s.log.Warn("scan logged but transition failed", "scan_id", res.Event.ID, "err", res.TransitionErr)
		return res, fmt.Errorf("scan %s recorded: %w", res.Event.ID, res.TransitionErr)
	}
	return res, nil
}

// applyLoaded handles the first loaded scan of an order: it logs the event, opens the
// stop's address gate and marks the stop loaded. Later loaded scans return the
// first event unchanged.
func (s *Service) applyLoaded(ctx context.Context, tx Tx, b *Batch, o *Order, stop *Stop, actorID types.ID, code string, created *[]Payout) (*ScanResult, error) {
	first, err := tx.FirstScan(ctx, o.ID, ScanLoaded)
	if err != nil {
		return nil, err
	}
	if first != nil {
		return &ScanResult{Event: *first, Duplicate: true, Order: o, AddressVisibleAt: stop.AddressVisibleAt}, nil
	}
	if _, ok := Next(o.Status, EventLoadedScan); !ok {
		return nil, fmt.Errorf("%w: cannot load order in status %s", ErrInvalidTransition, o.Status)
	}

	ev := s.newScan(b.ID, stop.ID, o.ID, actorID, code, ScanLoaded)
	if err := tx.AppendScan(ctx, &ev); err != nil {
		return nil, err
	}
	if stop.AddressVisibleAt == nil {
		t := ev.CreatedAt
		stop.AddressVisibleAt = &t
	}
	stop.Status = StopLoaded
	if err := tx.UpdateStop(ctx, stop); err != nil {
		return nil, err
	}
	if err := s.rollUp(ctx, tx, b, created); err != nil {
		return nil, err
	}
	o, err = tx.GetOrder(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	return &ScanResult{Event: ev, Order: o, AddressVisibleAt: stop.AddressVisibleAt}, nil
}

// deliver applies the delivered transition for ev's order together with payout
// materialisation and the batch roll-up. An order already delivered is a no-op.
func (s *Service) deliver(ctx context.Context, ev ScanEvent, created *[]Payout) (*Order, error) {
	var out *Order
	var pending []Payout
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		pending = nil
		b, err := tx.GetBatch(ctx, ev.BatchID)
		if err != nil {
			return err
		}
		o, err := tx.GetOrder(ctx, ev.OrderID)
		if err != nil {
			return err
		}
		if o.Status == OrderDelivered {
			out = o
			return nil
		}
		next, ok := Next(o.Status, EventDeliveredScan)
		if !ok {
			out = o
			return fmt.Errorf("%w: cannot deliver order in status %s", ErrInvalidTransition, o.Status)
		}
		stop, err := tx.GetStopByOrder(ctx, o.ID)
		if err != nil {
			return err
		}

		now := s.now()
		from := o.Status
		o.Status = next
		o.DeliveredAt = &now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		stop.Status = StopDelivered
		stop.DeliveredAt = &now
		if err := tx.UpdateStop(ctx, stop); err != nil {
			return err
		}
		s.logTransition(o.ID, from, next, EventDeliveredScan)

		payouts, err := s.materializePayouts(ctx, tx, o, b)
		if err != nil {
			return err
		}
		pending = append(pending, payouts...)
		if err := s.rollUp(ctx, tx, b, &pending); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return out, err
	}
	*created = append(*created, pending...)
	return out, nil
}

// ScanLog returns a batch's scan log together with its per-order fold.
func (s *Service) ScanLog(ctx context.Context, batchID types.ID) ([]ScanEvent, map[types.ID]ScanFold, error) {
	var events []ScanEvent
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetBatch(ctx, batchID); err != nil {
			return err
		}
		var err error
		events, err = tx.ListScans(ctx, batchID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return events, FoldScans(events), nil
}

// ScanFold is the per-order state reconstructed from the scan log alone.
type ScanFold struct {
	OrderID     types.ID   `json:"order_id"`
	StopID      *types.ID  `json:"stop_id,omitempty"`
	LoadedAt    *time.Time `json:"loaded_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	Scans       int        `json:"scans"`
}

// Stage is the stop status implied by the fold.
func (f ScanFold) Stage() StopStatus {
	switch {
	case f.DeliveredAt != nil:
		return StopDelivered
	case f.LoadedAt != nil:
		return StopLoaded
	default:
		return StopInTransit
	}
}

// FoldScans replays events in order. A delivered scan only counts once the order
// has a loaded scan.
func FoldScans(events []ScanEvent) map[types.ID]ScanFold {
	out := make(map[types.ID]ScanFold)
	for _, e := range events {
		f := out[e.OrderID]
		f.OrderID = e.OrderID
		if f.StopID == nil {
			f.StopID = e.StopID
		}
		f.Scans++
		at := e.CreatedAt
		switch e.Type {
		case ScanLoaded:
			if f.LoadedAt == nil {
				f.LoadedAt = &at
			}
		case ScanDelivered:
			if f.LoadedAt != nil && f.DeliveredAt == nil {
				f.DeliveredAt = &at
			}
		}
		out[e.OrderID] = f
	}
	return out
}

func (s *Service) newScan(batchID, stopID, orderID, actorID types.ID, code string, t ScanType) ScanEvent {
	return ScanEvent{
		ID:        types.NewID(),
		BatchID:   batchID,
		StopID:    &stopID,
		OrderID:   orderID,
		ActorID:   actorID,
		BoxCode:   code,
		Type:      t,
		CreatedAt: s.now(),
	}
}

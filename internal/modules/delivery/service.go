// README: Delivery service implements the order/batch state machine on top of Store.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"farmdrop/internal/lock"
	"farmdrop/internal/modules/ledger"
	"farmdrop/internal/types"
)

// PayoutNotifier is told about payouts that became pending, after they are committed.
type PayoutNotifier interface {
	PayoutsPending(ctx context.Context, payouts []Payout) error
}

type Deps struct {
	Store    Store
	Locks    lock.Locker
	Rates    ledger.Rates
	Notifier PayoutNotifier
	Logger   *slog.Logger
	Now      func() time.Time
}

type Service struct {
	store  Store
	locks  lock.Locker
	rates  ledger.Rates
	notify PayoutNotifier
	log    *slog.Logger
	now    func() time.Time
}

func NewService(deps Deps) *Service {
	s := &Service{
		store:  deps.Store,
		locks:  deps.Locks,
		rates:  deps.Rates,
		notify: deps.Notifier,
		log:    deps.Logger,
		now:    deps.Now,
	}
	if s.locks == nil {
		s.locks = lock.NewLocal()
	}
	if s.rates == (ledger.Rates{}) {
		s.rates = ledger.DefaultRates()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	s.log = s.log.With("module", "delivery")
	return s
}

type CreateOrderCommand struct {
	ConsumerID        types.ID
	Items             []LineItem
	DeliveryFee       types.Money
	DeliveryDate      time.Time
	Address           Address
	PaymentAuthorized bool
	PaymentRef        string
}

type CreateBatchCommand struct {
	Number          int
	DeliveryDate    time.Time
	CollectionPoint CollectionPoint
}

type AssignCommand struct {
	OrderID  types.ID
	BatchID  types.ID
	Sequence int
}

type CancelCommand struct {
	OrderID types.ID
	Actor   types.Actor
	Reason  string
}

// Event is the input of TransitionOrder. BatchID and Sequence are used by
// assign_to_batch, Reason by cancel.
type Event struct {
	Type     EventType
	Actor    types.Actor
	BatchID  types.ID
	Sequence int
	Reason   string
}

// CreateOrder records an order handed over by checkout. The engine never charges;
// the payment must already be authorised.
func (s *Service) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (*Order, error) {
	if err := validateOrder(cmd); err != nil {
		return nil, err
	}
	o := &Order{
		ID:           types.NewID(),
		ConsumerID:   cmd.ConsumerID,
		Items:        cmd.Items,
		DeliveryFee:  cmd.DeliveryFee,
		DeliveryDate: cmd.DeliveryDate,
		Address:      cmd.Address,
		PaymentRef:   cmd.PaymentRef,
		Status:       OrderPending,
		CreatedAt:    s.now(),
	}
	if o.DeliveryFee.Currency == "" {
		o.DeliveryFee.Currency = s.rates.Currency
	}
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.CreateOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("order created", "order_id", o.ID, "consumer_id", o.ConsumerID, "subtotal", o.Subtotal().Amount)
	return o, nil
}

func validateOrder(cmd CreateOrderCommand) error {
	switch {
	case cmd.ConsumerID == "":
		return fmt.Errorf("%w: missing consumer id", ErrValidation)
	case !cmd.PaymentAuthorized:
		return fmt.Errorf("%w: payment not authorised", ErrValidation)
	case len(cmd.Items) == 0:
		return fmt.Errorf("%w: order has no items", ErrValidation)
	case cmd.Address.Line1 == "" || cmd.Address.Zip == "":
		return fmt.Errorf("%w: delivery address needs line1 and zip", ErrValidation)
	case cmd.DeliveryFee.Amount < 0:
		return fmt.Errorf("%w: negative delivery fee", ErrValidation)
	}
	for i, li := range cmd.Items {
		if li.ProductID == "" || li.FarmerID == "" {
			return fmt.Errorf("%w: item %d missing product or farmer", ErrValidation, i)
		}
		if li.Quantity <= 0 {
			return fmt.Errorf("%w: item %d quantity must be positive", ErrValidation, i)
		}
		if li.UnitPrice.Amount < 0 {
			return fmt.Errorf("%w: item %d has a negative price", ErrValidation, i)
		}
	}
	return nil
}

func (s *Service) CreateBatch(ctx context.Context, cmd CreateBatchCommand) (*Batch, error) {
	if cmd.Number <= 0 {
		return nil, fmt.Errorf("%w: batch number must be positive", ErrValidation)
	}
	if cmd.CollectionPoint.ID == "" || cmd.CollectionPoint.LeadFarmerID == "" {
		return nil, fmt.Errorf("%w: collection point and lead farmer are required", ErrValidation)
	}
	b := &Batch{
		ID:              types.NewID(),
		Number:          cmd.Number,
		DeliveryDate:    cmd.DeliveryDate,
		Status:          BatchPending,
		CollectionPoint: cmd.CollectionPoint,
		CreatedAt:       s.now(),
	}
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.CreateBatch(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("batch created", "batch_id", b.ID, "number", b.Number)
	return b, nil
}

// ClaimBatch records driverID as the batch's driver. Claiming again by the same
// driver is a no-op.
func (s *Service) ClaimBatch(ctx context.Context, batchID, driverID types.ID) (*Batch, error) {
	if driverID == "" {
		return nil, fmt.Errorf("%w: missing driver id", ErrValidation)
	}
	var out *Batch
	err := s.withLocks(ctx, []string{batchKey(batchID)}, func() error {
		return s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			b, err := tx.GetBatch(ctx, batchID)
			if err != nil {
				return err
			}
			if b.DriverID != nil {
				if *b.DriverID == driverID {
					out = b
					return nil
				}
				return fmt.Errorf("%w: batch %s already claimed", ErrInvalidTransition, batchID)
			}
			stops, err := tx.ListStops(ctx, batchID)
			if err != nil {
				return err
			}
			b.DriverID = &driverID
			b.Status = DeriveBatchStatus(b, stops)
			if err := tx.UpdateBatch(ctx, b); err != nil {
				return err
			}
			out = b
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("batch claimed", "batch_id", batchID, "driver_id", driverID)
	return out, nil
}

// AssignToBatch moves a pending order into a not-yet-started batch at the given
// sequence and assigns its box code.
func (s *Service) AssignToBatch(ctx context.Context, cmd AssignCommand) (*Order, error) {
	if cmd.Sequence <= 0 {
		return nil, fmt.Errorf("%w: sequence must be positive", ErrValidation)
	}
	var out *Order
	err := s.withLocks(ctx, []string{batchKey(cmd.BatchID), orderKey(cmd.OrderID)}, func() error {
		return s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			b, err := tx.GetBatch(ctx, cmd.BatchID)
			if err != nil {
				return err
			}
			o, err := tx.GetOrder(ctx, cmd.OrderID)
			if err != nil {
				return err
			}
			if o.Status == OrderConfirmed && o.BatchID != nil && *o.BatchID == b.ID {
				stop, err := tx.GetStopByOrder(ctx, o.ID)
				if err != nil {
					return err
				}
				if stop.Sequence == cmd.Sequence {
					out = o
					return nil
				}
			}
			if b.StartedAt != nil {
				return fmt.Errorf("%w: batch %s already started", ErrInvalidTransition, b.ID)
			}
			next, ok := Next(o.Status, EventAssignToBatch)
			if !ok {
				return fmt.Errorf("%w: cannot assign order in status %s", ErrInvalidTransition, o.Status)
			}
			if !o.DeliveryDate.IsZero() && !b.DeliveryDate.IsZero() && !sameDay(o.DeliveryDate, b.DeliveryDate) {
				return fmt.Errorf("%w: order delivery date does not match batch", ErrValidation)
			}

			now := s.now()
			code := FormatBoxCode(b.Number, cmd.Sequence)
			stop := &Stop{
				ID:       types.NewID(),
				BatchID:  b.ID,
				Sequence: cmd.Sequence,
				OrderID:  o.ID,
				Status:   StopPending,
				Zip:      o.Address.Zip,
			}
			if err := tx.CreateStop(ctx, stop); err != nil {
				return err
			}
			from := o.Status
			o.Status = next
			o.BoxCode = &code
			o.BatchID = &b.ID
			o.ConfirmedAt = &now
			if err := tx.UpdateOrder(ctx, o); err != nil {
				return err
			}
			s.logTransition(o.ID, from, next, EventAssignToBatch)
			out = o
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StartBatch moves every live order of the batch to in_transit in one transaction.
// Only the claiming driver may start it.
func (s *Service) StartBatch(ctx context.Context, batchID, driverID types.ID) (*Batch, error) {
	var out *Batch
	err := s.withLocks(ctx, []string{batchKey(batchID)}, func() error {
		return s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			b, err := tx.GetBatch(ctx, batchID)
			if err != nil {
				return err
			}
			if b.DriverID == nil || *b.DriverID != driverID {
				return fmt.Errorf("%w: batch %s is not claimed by %s", ErrForbidden, batchID, driverID)
			}
			if b.StartedAt != nil {
				out = b
				return nil
			}
			stops, err := tx.ListStops(ctx, batchID)
			if err != nil {
				return err
			}
			live := 0
			for i := range stops {
				if stops[i].Status == StopCancelled {
					continue
				}
				live++
				o, err := tx.GetOrder(ctx, stops[i].OrderID)
				if err != nil {
					return err
				}
				next, ok := Next(o.Status, EventDriverStartsBatch)
				if !ok {
					return fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, o.ID, o.Status)
				}
				from := o.Status
				o.Status = next
				if err := tx.UpdateOrder(ctx, o); err != nil {
					return err
				}
				stops[i].Status = StopInTransit
				if err := tx.UpdateStop(ctx, &stops[i]); err != nil {
					return err
				}
				s.logTransition(o.ID, from, next, EventDriverStartsBatch)
			}
			if live == 0 {
				return fmt.Errorf("%w: batch %s has no stops", ErrValidation, batchID)
			}
			now := s.now()
			b.StartedAt = &now
			b.Status = DeriveBatchStatus(b, stops)
			if err := tx.UpdateBatch(ctx, b); err != nil {
				return err
			}
			out = b
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("batch started", "batch_id", batchID, "driver_id", driverID)
	return out, nil
}

// Cancel cancels an order that has not been delivered. Inside a batch the stop is
// marked cancelled but keeps its sequence number.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Order, error) {
	batchID, err := s.peekBatch(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	keys := []string{orderKey(cmd.OrderID)}
	if batchID != nil {
		keys = []string{batchKey(*batchID), orderKey(cmd.OrderID)}
	}

	var out *Order
	var created []Payout
	err = s.withLocks(ctx, keys, func() error {
		created = nil
		return s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			var b *Batch
			if batchID != nil {
				got, err := tx.GetBatch(ctx, *batchID)
				if err != nil {
					return err
				}
				b = got
			}
			o, err := tx.GetOrder(ctx, cmd.OrderID)
			if err != nil {
				return err
			}
			if !sameBatch(o.BatchID, batchID) {
				return fmt.Errorf("%w: order %s moved batches", ErrConflict, o.ID)
			}
			if !cmd.Actor.IsAdmin() && cmd.Actor.ID != o.ConsumerID {
				return fmt.Errorf("%w: only the consumer or an admin may cancel", ErrForbidden)
			}
			next, ok := Next(o.Status, EventCancel)
			if !ok {
				return fmt.Errorf("%w: cannot cancel order in status %s", ErrInvalidTransition, o.Status)
			}
			now := s.now()
			from := o.Status
			o.Status = next
			o.CancelledAt = &now
			if cmd.Reason != "" {
				o.CancelReason = &cmd.Reason
			}
			if err := tx.UpdateOrder(ctx, o); err != nil {
				return err
			}
			s.logTransition(o.ID, from, next, EventCancel)
			out = o
			if b == nil {
				return nil
			}
			stop, err := tx.GetStopByOrder(ctx, o.ID)
			if err != nil {
				return err
			}
			stop.Status = StopCancelled
			if err := tx.UpdateStop(ctx, stop); err != nil {
				return err
			}
			return s.rollUp(ctx, tx, b, &created)
		})
	})
	if err != nil {
		return nil, err
	}
	s.announce(ctx, created)
	return out, nil
}

// TransitionOrder applies ev to the order. Scan-driven events are only accepted
// through RecordScan.
func (s *Service) TransitionOrder(ctx context.Context, orderID types.ID, ev Event) (*Order, error) {
	switch ev.Type {
	case EventAssignToBatch:
		return s.AssignToBatch(ctx, AssignCommand{OrderID: orderID, BatchID: ev.BatchID, Sequence: ev.Sequence})
	case EventDriverStartsBatch:
		batchID, err := s.peekBatch(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if batchID == nil {
			return nil, fmt.Errorf("%w: order %s is not in a batch", ErrInvalidTransition, orderID)
		}
		if _, err := s.StartBatch(ctx, *batchID, ev.Actor.ID); err != nil {
			return nil, err
		}
		return s.GetOrderStatus(ctx, orderID)
	case EventAllStopsLoaded:
		return s.checkAllLoaded(ctx, orderID)
	case EventCancel:
		return s.Cancel(ctx, CancelCommand{OrderID: orderID, Actor: ev.Actor, Reason: ev.Reason})
	case EventLoadedScan, EventDeliveredScan:
		return nil, fmt.Errorf("%w: %s is recorded through a box scan", ErrValidation, ev.Type)
	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrValidation, ev.Type)
	}
}

// checkAllLoaded re-evaluates the batch roll-up and reports whether the order is
// now out for delivery.
func (s *Service) checkAllLoaded(ctx context.Context, orderID types.ID) (*Order, error) {
	batchID, err := s.peekBatch(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if batchID == nil {
		return nil, fmt.Errorf("%w: order %s is not in a batch", ErrInvalidTransition, orderID)
	}
	var out *Order
	var created []Payout
	err = s.withLocks(ctx, []string{batchKey(*batchID)}, func() error {
		created = nil
		return s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			b, err := tx.GetBatch(ctx, *batchID)
			if err != nil {
				return err
			}
			if err := s.rollUp(ctx, tx, b, &created); err != nil {
				return err
			}
			o, err := tx.GetOrder(ctx, orderID)
			if err != nil {
				return err
			}
			if o.Status != OrderOutForDelivery {
				return fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, orderID, o.Status)
			}
			out = o
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.announce(ctx, created)
	return out, nil
}

func (s *Service) GetOrderStatus(ctx context.Context, orderID types.ID) (*Order, error) {
	var out *Order
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		out = o
		return err
	})
	return out, err
}

func (s *Service) GetBatch(ctx context.Context, batchID types.ID) (*Batch, []Stop, error) {
	var b *Batch
	var stops []Stop
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		if b, err = tx.GetBatch(ctx, batchID); err != nil {
			return err
		}
		stops, err = tx.ListStops(ctx, batchID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return b, stops, nil
}

// rollUp promotes in-transit orders once every live stop is loaded, then recomputes
// the batch status from the stops read inside tx. Reaching completed materialises
// the driver payout in the same transaction.
func (s *Service) rollUp(ctx context.Context, tx Tx, b *Batch, created *[]Payout) error {
	if b.StartedAt == nil {
		return nil
	}
	stops, err := tx.ListStops(ctx, b.ID)
	if err != nil {
		return err
	}
	live, loaded := 0, 0
	for _, st := range stops {
		switch st.Status {
		case StopCancelled:
			continue
		case StopLoaded, StopDelivered:
			loaded++
		}
		live++
	}
	if live > 0 && loaded == live {
		for _, st := range stops {
			if st.Status != StopLoaded {
				continue
			}
			o, err := tx.GetOrder(ctx, st.OrderID)
			if err != nil {
				return err
			}
			next, ok := Next(o.Status, EventAllStopsLoaded)
			if !ok || next == o.Status {
				continue
			}
			from := o.Status
			o.Status = next
			if err := tx.UpdateOrder(ctx, o); err != nil {
				return err
			}
			s.logTransition(o.ID, from, next, EventAllStopsLoaded)
		}
	}

	status := DeriveBatchStatus(b, stops)
	if status == b.Status {
		return nil
	}
	b.Status = status
	if status == BatchCompleted {
		now := s.now()
		b.CompletedAt = &now
		p, err := s.materializeDriverPayout(ctx, tx, b, stops)
		if err != nil {
			return err
		}
		if p != nil {
			*created = append(*created, *p)
		}
		s.log.Info("batch completed", "batch_id", b.ID)
	}
	return tx.UpdateBatch(ctx, b)
}

// peekBatch reads the order's batch outside any lock so the right lock can be taken.
// Callers re-check it inside their transaction.
func (s *Service) peekBatch(ctx context.Context, orderID types.ID) (*types.ID, error) {
	o, err := s.GetOrderStatus(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return o.BatchID, nil
}

func (s *Service) withLocks(ctx context.Context, keys []string, fn func() error) error {
	for _, k := range keys {
		unlock, err := s.locks.Lock(ctx, k)
		if err != nil {
			if errors.Is(err, lock.ErrNotAcquired) {
				return fmt.Errorf("%w: %v", ErrConflict, err)
			}
			return err
		}
		defer unlock()
	}
	return fn()
}

func (s *Service) logTransition(orderID types.ID, from, to OrderStatus, ev EventType) {
	s.log.Info("order transition", "order_id", orderID, "from", from, "to", to, "event", ev)
}

func batchKey(id types.ID) string  { return "batch:" + string(id) }
func orderKey(id types.ID) string  { return "order:" + string(id) }
func payoutKey(id types.ID) string { return "payout:" + string(id) }

func sameBatch(a, b *types.ID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

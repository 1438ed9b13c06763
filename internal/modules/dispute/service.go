// README: Dispute service. Admins move disputes along; a resolved dispute may emit one refund instruction.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"farmdrop/internal/lock"
	"farmdrop/internal/modules/delivery"
	"farmdrop/internal/types"
)

// OrderReader is the read side of the delivery engine a dispute needs.
type OrderReader interface {
	GetOrderStatus(ctx context.Context, orderID types.ID) (*delivery.Order, error)
	GetBatch(ctx context.Context, batchID types.ID) (*delivery.Batch, []delivery.Stop, error)
}

// RefundInstruction is handed to the payment collaborator. IdempotencyKey is the
// dispute id, so re-sending the same instruction refunds at most once.
type RefundInstruction struct {
	IdempotencyKey string      `json:"idempotency_key"`
	DisputeID      types.ID    `json:"dispute_id"`
	OrderID        types.ID    `json:"order_id"`
	ConsumerID     types.ID    `json:"consumer_id"`
	PaymentRef     string      `json:"payment_ref"`
	Amount         types.Money `json:"amount"`
}

// RefundIssuer accepts a refund instruction and returns its reference.
type RefundIssuer interface {
	IssueRefund(ctx context.Context, in RefundInstruction) (string, error)
}

type Deps struct {
	Store   Store
	Orders  OrderReader
	Refunds RefundIssuer
	Locks   lock.Locker
	Logger  *slog.Logger
	Now     func() time.Time
}

type Service struct {
	store   Store
	orders  OrderReader
	refunds RefundIssuer
	locks   lock.Locker
	log     *slog.Logger
	now     func() time.Time
}

func NewService(deps Deps) *Service {
	s := &Service{
		store:   deps.Store,
		orders:  deps.Orders,
		refunds: deps.Refunds,
		locks:   deps.Locks,
		log:     deps.Logger,
		now:     deps.Now,
	}
	if s.locks == nil {
		s.locks = lock.NewLocal()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	s.log = s.log.With("module", "dispute")
	return s
}

type CreateCommand struct {
	OrderID     types.ID
	Actor       types.Actor
	Type        Type
	Description string
}

type ResolveCommand struct {
	DisputeID  types.ID
	Actor      types.Actor
	Resolution string
	// Refund is optional; nil resolves without refunding.
	Refund *types.Money
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Dispute, error) {
	if !knownTypes[cmd.Type] {
		return nil, fmt.Errorf("%w: unknown dispute type %q", ErrValidation, cmd.Type)
	}
	o, err := s.order(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	switch cmd.Actor.Role {
	case types.RoleConsumer:
		if o.ConsumerID != cmd.Actor.ID {
			return nil, fmt.Errorf("%w: order belongs to another consumer", ErrForbidden)
		}
	case types.RoleDriver:
		if !cmd.Type.DeliverySpecific() {
			return nil, fmt.Errorf("%w: drivers may only report delivery issues", ErrForbidden)
		}
		if err := s.checkDriver(ctx, o, cmd.Actor.ID); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s cannot open disputes", ErrForbidden, cmd.Actor.Role)
	}

	d := &Dispute{
		ID:           types.NewID(),
		OrderID:      o.ID,
		ConsumerID:   o.ConsumerID,
		ReporterID:   cmd.Actor.ID,
		ReporterRole: cmd.Actor.Role,
		Type:         cmd.Type,
		Description:  strings.TrimSpace(cmd.Description),
		Status:       StatusOpen,
		CreatedAt:    s.now(),
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}
	s.log.Info("dispute opened", "dispute_id", d.ID, "order_id", d.OrderID, "type", d.Type, "reporter_role", d.ReporterRole)
	return d, nil
}

func (s *Service) checkDriver(ctx context.Context, o *delivery.Order, driverID types.ID) error {
	if o.BatchID == nil {
		return fmt.Errorf("%w: order is not on a route", ErrForbidden)
	}
	b, _, err := s.orders.GetBatch(ctx, *o.BatchID)
	if err != nil {
		return err
	}
	if b.DriverID == nil || *b.DriverID != driverID {
		return fmt.Errorf("%w: order is not on your route", ErrForbidden)
	}
	return nil
}

// Get returns the dispute to an admin, its reporter or the order's consumer.
func (s *Service) Get(ctx context.Context, id types.ID, actor types.Actor) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && actor.ID != d.ReporterID && actor.ID != d.ConsumerID {
		return nil, fmt.Errorf("%w: not your dispute", ErrForbidden)
	}
	return d, nil
}

func (s *Service) Acknowledge(ctx context.Context, id types.ID, actor types.Actor) (*Dispute, error) {
	return s.transition(ctx, id, actor, ActionAcknowledge, func(d *Dispute) {
		now := s.now()
		d.AcknowledgedAt = &now
	})
}

func (s *Service) Reject(ctx context.Context, id types.ID, actor types.Actor, resolution string) (*Dispute, error) {
	resolution = strings.TrimSpace(resolution)
	if resolution == "" {
		return nil, fmt.Errorf("%w: resolution is required", ErrValidation)
	}
	return s.transition(ctx, id, actor, ActionReject, func(d *Dispute) {
		now := s.now()
		d.Resolution = &resolution
		d.ResolverID = &actor.ID
		d.ResolvedAt = &now
	})
}

// Resolve closes an investigating dispute. The refund is checked against the order
// total before anything is written. When the refund instruction cannot be handed
// over the dispute stays resolved and ErrRefundFailed is returned with it.
func (s *Service) Resolve(ctx context.Context, cmd ResolveCommand) (*Dispute, error) {
	if !cmd.Actor.IsAdmin() {
		return nil, fmt.Errorf("%w: only admins resolve disputes", ErrForbidden)
	}
	resolution := strings.TrimSpace(cmd.Resolution)
	if resolution == "" {
		return nil, fmt.Errorf("%w: resolution is required", ErrValidation)
	}

	var out *Dispute
	var refundErr error
	err := s.withLock(ctx, cmd.DisputeID, func() error {
		d, err := s.store.Get(ctx, cmd.DisputeID)
		if err != nil {
			return err
		}
		apply := func(o *delivery.Order) error {
			if err := s.resolve(ctx, d, cmd, resolution, o); err != nil {
				return err
			}
			out = d
			if d.RefundPending() {
				refundErr = s.emitRefund(ctx, d, o)
			}
			return nil
		}
		if cmd.Refund == nil {
			return apply(nil)
		}
		// Refunds on one order are capped together, so resolutions on the same order
		// are serialised.
		return s.withKey(ctx, "refunds:"+string(d.OrderID), func() error {
			o, err := s.order(ctx, d.OrderID)
			if err != nil {
				return err
			}
			refunded, err := s.refundedTotal(ctx, d)
			if err != nil {
				return err
			}
			if err := checkRefund(*cmd.Refund, o.Total(), refunded); err != nil {
				return err
			}
			return apply(o)
		})
	})
	if err != nil {
		return nil, err
	}
	return out, refundErr
}

// resolve moves d to resolved and stores it with its refund amount, if any.
func (s *Service) resolve(ctx context.Context, d *Dispute, cmd ResolveCommand, resolution string, o *delivery.Order) error {
	to, ok := next(d.Status, ActionResolve)
	if !ok {
		return fmt.Errorf("%w: cannot resolve a %s dispute", ErrInvalidTransition, d.Status)
	}

	now := s.now()
	d.Status = to
	d.Resolution = &resolution
	d.ResolverID = &cmd.Actor.ID
	d.ResolvedAt = &now
	if cmd.Refund != nil {
		refund := *cmd.Refund
		if refund.Currency == "" {
			refund.Currency = o.Total().Currency
		}
		d.RefundAmount = &refund
	}
	if err := s.store.Update(ctx, d); err != nil {
		return err
	}
	s.log.Info("dispute resolved", "dispute_id", d.ID, "resolver_id", cmd.Actor.ID, "refund", d.RefundAmount)
	return nil
}

// refundedTotal sums the refunds already granted on d's order by other disputes.
func (s *Service) refundedTotal(ctx context.Context, d *Dispute) (int64, error) {
	others, err := s.store.ListByOrder(ctx, d.OrderID)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, other := range others {
		if other.ID != d.ID && other.Status == StatusResolved && other.RefundAmount != nil {
			sum += other.RefundAmount.Amount
		}
	}
	return sum, nil
}

// RetryRefund re-sends the refund instruction of a resolved dispute whose refund was
// never accepted. A dispute that already carries a refund reference is returned as is.
func (s *Service) RetryRefund(ctx context.Context, id types.ID, actor types.Actor) (*Dispute, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: only admins retry refunds", ErrForbidden)
	}
	var out *Dispute
	var refundErr error
	err := s.withLock(ctx, id, func() error {
		d, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		out = d
		if d.Status != StatusResolved || d.RefundAmount == nil {
			return fmt.Errorf("%w: dispute %s has no refund to send", ErrInvalidTransition, id)
		}
		if d.RefundRef != nil {
			return nil
		}
		o, err := s.order(ctx, d.OrderID)
		if err != nil {
			return err
		}
		refundErr = s.emitRefund(ctx, d, o)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, refundErr
}

// emitRefund hands the instruction to the payment collaborator and records the
// returned reference on d.
func (s *Service) emitRefund(ctx context.Context, d *Dispute, o *delivery.Order) error {
	if s.refunds == nil {
		return fmt.Errorf("%w: no payment collaborator configured", ErrRefundFailed)
	}
	ref, err := s.refunds.IssueRefund(ctx, RefundInstruction{
		IdempotencyKey: string(d.ID),
		DisputeID:      d.ID,
		OrderID:        d.OrderID,
		ConsumerID:     d.ConsumerID,
		PaymentRef:     o.PaymentRef,
		Amount:         *d.RefundAmount,
	})
	if err != nil {
		s.log.Error("refund instruction failed", "dispute_id", d.ID, "err", err)
		return fmt.Errorf("%w: %v", ErrRefundFailed, err)
	}
	d.RefundRef = &ref
	if err := s.store.Update(ctx, d); err != nil {
		return err
	}
	s.log.Info("refund instruction accepted", "dispute_id", d.ID, "refund_ref", ref, "amount", d.RefundAmount.Amount)
	return nil
}

func (s *Service) transition(ctx context.Context, id types.ID, actor types.Actor, action Action, apply func(*Dispute)) (*Dispute, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: only admins may %s disputes", ErrForbidden, action)
	}
	var out *Dispute
	err := s.withLock(ctx, id, func() error {
		d, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		to, ok := next(d.Status, action)
		if !ok {
			return fmt.Errorf("%w: cannot %s a %s dispute", ErrInvalidTransition, action, d.Status)
		}
		from := d.Status
		d.Status = to
		apply(d)
		if err := s.store.Update(ctx, d); err != nil {
			return err
		}
		s.log.Info("dispute transition", "dispute_id", d.ID, "from", from, "to", to, "actor_id", actor.ID)
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// checkRefund validates refund against the order total less what was already refunded.
func checkRefund(refund, total types.Money, refunded int64) error {
	if refund.Amount <= 0 {
		return fmt.Errorf("%w: refund must be positive", ErrValidation)
	}
	if refund.Currency != "" && total.Currency != "" && refund.Currency != total.Currency {
		return fmt.Errorf("%w: refund currency %s does not match order currency %s", ErrValidation, refund.Currency, total.Currency)
	}
	if refund.Amount > total.Amount {
		return fmt.Errorf("%w: refund %s exceeds order total %s", ErrValidation, refund, total)
	}
	if refund.Amount+refunded > total.Amount {
		return fmt.Errorf("%w: refund %s exceeds the %d cents left on order total %s", ErrValidation, refund, total.Amount-refunded, total)
	}
	return nil
}

// order maps the delivery engine's not-found onto this package's error.
func (s *Service) order(ctx context.Context, id types.ID) (*delivery.Order, error) {
	o, err := s.orders.GetOrderStatus(ctx, id)
	if errors.Is(err, delivery.ErrNotFound) {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	return o, err
}

func (s *Service) withLock(ctx context.Context, id types.ID, fn func() error) error {
	return s.withKey(ctx, "dispute:"+string(id), fn)
}

func (s *Service) withKey(ctx context.Context, key string, fn func() error) error {
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return err
	}
	defer unlock()
	return fn()
}

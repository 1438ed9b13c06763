// README: Dispute workflow tests against an in-memory delivery engine.
package dispute

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"farmdrop/internal/modules/delivery"
	"farmdrop/internal/types"
)

var (
	admin    = types.Actor{ID: "ops-1", Role: types.RoleAdmin}
	consumer = types.Actor{ID: "consumer-1", Role: types.RoleConsumer}
	driver   = types.Actor{ID: "driver-1", Role: types.RoleDriver}
)

type fakeRefunds struct {
	mu    sync.Mutex
	calls []RefundInstruction
	err   error
}

func (f *fakeRefunds) IssueRefund(_ context.Context, in RefundInstruction) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	if f.err != nil {
		return "", f.err
	}
	return "rf_" + in.IdempotencyKey, nil
}

type harness struct {
	ctx     context.Context
	svc     *Service
	refunds *fakeRefunds
	order   *delivery.Order
}

// newHarness places a $50.00 order (42.50 of goods + 7.50 delivery) for consumer-1
// on batch 3, claimed by driver-1.
func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orders := delivery.NewService(delivery.Deps{Store: delivery.NewMemoryStore(), Logger: logger})

	day := time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)
	o, err := orders.CreateOrder(ctx, delivery.CreateOrderCommand{
		ConsumerID:        consumer.ID,
		Items:             []delivery.LineItem{{ProductID: "veg-box", FarmerID: "farmer-1", Quantity: 1, UnitPrice: types.Cents(4250)}},
		DeliveryFee:       types.Cents(750),
		DeliveryDate:      day,
		Address:           delivery.Address{Line1: "9 Mill St", Zip: "97031"},
		PaymentAuthorized: true,
		PaymentRef:        "pi_50",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	b, err := orders.CreateBatch(ctx, delivery.CreateBatchCommand{
		Number:          3,
		DeliveryDate:    day,
		CollectionPoint: delivery.CollectionPoint{ID: "cp-1", LeadFarmerID: "lead-1"},
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if o, err = orders.AssignToBatch(ctx, delivery.AssignCommand{OrderID: o.ID, BatchID: b.ID, Sequence: 1}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := orders.ClaimBatch(ctx, b.ID, driver.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	refunds := &fakeRefunds{}
	svc := NewService(Deps{Store: NewMemoryStore(), Orders: orders, Refunds: refunds, Logger: logger})
	return &harness{ctx: ctx, svc: svc, refunds: refunds, order: o}
}

func (h *harness) open(t *testing.T) *Dispute {
	t.Helper()
	d, err := h.svc.Create(h.ctx, CreateCommand{OrderID: h.order.ID, Actor: consumer, Type: TypeMissingItem, Description: "no eggs"})
	if err != nil {
		t.Fatalf("create dispute: %v", err)
	}
	return d
}

func TestRefundAboveOrderTotalIsRejected(t *testing.T) {
	h := newHarness(t)
	d := h.open(t)

	refund := types.Cents(7500)
	_, err := h.svc.Resolve(h.ctx, ResolveCommand{DisputeID: d.ID, Actor: admin, Resolution: "refund", Refund: &refund})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	got, _ := h.svc.Get(h.ctx, d.ID, admin)
	if got.Status != StatusOpen || got.RefundAmount != nil {
		t.Fatalf("dispute changed: %+v", got)
	}
	if len(h.refunds.calls) != 0 {
		t.Fatalf("refund instruction issued: %+v", h.refunds.calls)
	}
}

func TestResolveWithRefundEmitsOneInstruction(t *testing.T) {
	h := newHarness(t)
	d := h.open(t)
	if _, err := h.svc.Acknowledge(h.ctx, d.ID, admin); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	refund := types.Cents(5000)
	res, err := h.svc.Resolve(h.ctx, ResolveCommand{DisputeID: d.ID, Actor: admin, Resolution: "full refund", Refund: &refund})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Status != StatusResolved || res.RefundRef == nil || *res.RefundRef != "rf_"+string(d.ID) {
		t.Fatalf("unexpected dispute %+v", res)
	}
	if len(h.refunds.calls) != 1 {
		t.Fatalf("expected one instruction, got %d", len(h.refunds.calls))
	}
	call := h.refunds.calls[0]
	if call.IdempotencyKey != string(d.ID) || call.Amount.Amount != 5000 || call.PaymentRef != "pi_50" {
		t.Fatalf("unexpected instruction %+v", call)
	}

	again, err := h.svc.RetryRefund(h.ctx, d.ID, admin)
	if err != nil || again.RefundRef == nil {
		t.Fatalf("retry on refunded dispute: %+v, %v", again, err)
	}
	if len(h.refunds.calls) != 1 {
		t.Fatal("retry re-sent an accepted refund")
	}

	o, _ := h.svc.orders.GetOrderStatus(h.ctx, h.order.ID)
	if o.Status != h.order.Status {
		t.Fatalf("dispute changed order status to %s", o.Status)
	}
}

func TestRefundFailureKeepsDisputeResolved(t *testing.T) {
	h := newHarness(t)
	d := h.open(t)
	h.svc.Acknowledge(h.ctx, d.ID, admin)

	h.refunds.err = errors.New("payments unavailable")
	refund := types.Cents(1200)
	res, err := h.svc.Resolve(h.ctx, ResolveCommand{DisputeID: d.ID, Actor: admin, Resolution: "partial", Refund: &refund})
	if !errors.Is(err, ErrRefundFailed) {
		t.Fatalf("expected ErrRefundFailed, got %v", err)
	}
	if res == nil || res.Status != StatusResolved || !res.RefundPending() {
		t.Fatalf("unexpected dispute %+v", res)
	}

	h.refunds.err = nil
	res, err = h.svc.RetryRefund(h.ctx, d.ID, admin)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.RefundRef == nil || res.RefundPending() {
		t.Fatalf("refund not recorded: %+v", res)
	}
	if len(h.refunds.calls) != 2 || h.refunds.calls[0].IdempotencyKey != h.refunds.calls[1].IdempotencyKey {
		t.Fatalf("retries must reuse the idempotency key: %+v", h.refunds.calls)
	}
}

func TestRefundsAcrossDisputesAreCappedAtOrderTotal(t *testing.T) {
	h := newHarness(t)
	first, second := h.open(t), h.open(t)
	h.svc.Acknowledge(h.ctx, first.ID, admin)
	h.svc.Acknowledge(h.ctx, second.ID, admin)

	refund := types.Cents(3000)
	if _, err := h.svc.Resolve(h.ctx, ResolveCommand{DisputeID: first.ID, Actor: admin, Resolution: "partial", Refund: &refund}); err != nil {
		t.Fatalf("first refund: %v", err)
	}

	over := types.Cents(2500)
	if _, err := h.svc.Resolve(h.ctx, ResolveCommand{DisputeID: second.ID, Actor: admin, Resolution: "rest", Refund: &over}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	got, err := h.svc.store.Get(h.ctx, second.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusInvestigating || got.RefundAmount != nil {
		t.Fatalf("rejected refund was written: %+v", got)
	}
	if len(h.refunds.calls) != 1 {
		t.Fatalf("expected one instruction, got %d", len(h.refunds.calls))
	}

	rest := types.Cents(2000)
	res, err := h.svc.Resolve(h.ctx, ResolveCommand{DisputeID: second.ID, Actor: admin, Resolution: "rest", Refund: &rest})
	if err != nil {
		t.Fatalf("remaining refund: %v", err)
	}
	if res.Status != StatusResolved || len(h.refunds.calls) != 2 || h.refunds.calls[1].Amount.Amount != 2000 {
		t.Fatalf("unexpected dispute %+v, calls %+v", res, h.refunds.calls)
	}
}

func TestDisputeTransitions(t *testing.T) {
	h := newHarness(t)
	d := h.open(t)

	if _, err := h.svc.Resolve(h.ctx, ResolveCommand{DisputeID: d.ID, Actor: admin, Resolution: "x"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("resolve from open: %v", err)
	}
	if _, err := h.svc.Acknowledge(h.ctx, d.ID, consumer); !errors.Is(err, ErrForbidden) {
		t.Fatalf("consumer acknowledge: %v", err)
	}
	if _, err := h.svc.Reject(h.ctx, d.ID, admin, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("reject without resolution: %v", err)
	}
	rejected, err := h.svc.Reject(h.ctx, d.ID, admin, "not reproducible")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != StatusRejected || rejected.ResolverID == nil || *rejected.ResolverID != admin.ID {
		t.Fatalf("unexpected dispute %+v", rejected)
	}
	if _, err := h.svc.Acknowledge(h.ctx, d.ID, admin); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("acknowledge rejected dispute: %v", err)
	}
	if _, err := h.svc.RetryRefund(h.ctx, d.ID, admin); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("retry refund on rejected dispute: %v", err)
	}
}

func TestResolveWithoutRefund(t *testing.T) {
	h := newHarness(t)
	d := h.open(t)
	h.svc.Acknowledge(h.ctx, d.ID, admin)
	res, err := h.svc.Resolve(h.ctx, ResolveCommand{DisputeID: d.ID, Actor: admin, Resolution: "replaced next week"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.RefundAmount != nil || len(h.refunds.calls) != 0 {
		t.Fatalf("unexpected refund on %+v", res)
	}
}

func TestRefundMustBePositive(t *testing.T) {
	h := newHarness(t)
	d := h.open(t)
	h.svc.Acknowledge(h.ctx, d.ID, admin)
	zero := types.Cents(0)
	if _, err := h.svc.Resolve(h.ctx, ResolveCommand{DisputeID: d.ID, Actor: admin, Resolution: "x", Refund: &zero}); !errors.Is(err, ErrValidation) {
		t.Fatalf("zero refund: %v", err)
	}
}

func TestCreatePermissions(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name  string
		actor types.Actor
		typ   Type
		want  error
	}{
		{"other consumer", types.Actor{ID: "consumer-2", Role: types.RoleConsumer}, TypeMissingItem, ErrForbidden},
		{"admin", admin, TypeOther, ErrForbidden},
		{"farmer", types.Actor{ID: "farmer-1", Role: types.RoleFarmer}, TypeQuality, ErrForbidden},
		{"driver non-delivery type", driver, TypeQuality, ErrForbidden},
		{"other driver", types.Actor{ID: "driver-2", Role: types.RoleDriver}, TypeAccessProblem, ErrForbidden},
		{"unknown type", consumer, Type("lost_parcel"), ErrValidation},
		{"driver delivery issue", driver, TypeAccessProblem, nil},
		{"owner", consumer, TypeDamagedItem, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := h.svc.Create(h.ctx, CreateCommand{OrderID: h.order.ID, Actor: tc.actor, Type: tc.typ})
			if tc.want == nil {
				if err != nil {
					t.Fatalf("create: %v", err)
				}
				if d.Status != StatusOpen || d.ConsumerID != consumer.ID || d.ReporterID != tc.actor.ID {
					t.Fatalf("unexpected dispute %+v", d)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if _, err := h.svc.Create(h.ctx, CreateCommand{OrderID: "missing", Actor: consumer, Type: TypeOther}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown order: %v", err)
	}
}

func TestGetVisibility(t *testing.T) {
	h := newHarness(t)
	d := h.open(t)
	if _, err := h.svc.Get(h.ctx, d.ID, consumer); err != nil {
		t.Fatalf("reporter get: %v", err)
	}
	if _, err := h.svc.Get(h.ctx, d.ID, driver); !errors.Is(err, ErrForbidden) {
		t.Fatalf("unrelated get: %v", err)
	}
	if _, err := h.svc.Get(h.ctx, "nope", admin); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing get: %v", err)
	}
}

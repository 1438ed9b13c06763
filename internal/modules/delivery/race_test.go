// README: Concurrency tests for scans and cancellations (run with -race).
package delivery

import (
	"errors"
	"sync"
	"testing"

	"farmdrop/internal/types"
)

func TestConcurrentLoadedScansSameBox(t *testing.T) {
	f := newFixture(t, 2)
	f.start()

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan *ScanResult, attempts)
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.scan(1, ScanLoaded)
			if err != nil {
				errs <- err
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}
	fresh := 0
	var eventID types.ID
	for res := range results {
		if !res.Duplicate {
			fresh++
		}
		if eventID == "" {
			eventID = res.Event.ID
		}
		if res.Event.ID != eventID {
			t.Fatalf("scans returned different events: %s vs %s", res.Event.ID, eventID)
		}
	}
	if fresh != 1 {
		t.Fatalf("expected exactly one appended scan, got %d", fresh)
	}
	events, _, _ := f.svc.ScanLog(f.ctx, f.batch.ID)
	if len(events) != 1 {
		t.Fatalf("scan log has %d events", len(events))
	}
}

func TestConcurrentDeliveredScansMaterialiseOnce(t *testing.T) {
	f := newFixture(t, 1)
	f.start()
	f.mustScan(1, ScanLoaded)

	const attempts = 6
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.scan(1, ScanDelivered)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	fees, _ := f.svc.ListFees(f.ctx, f.orders[0].ID)
	if len(fees) != 3 {
		t.Fatalf("fee rows = %d, want 3", len(fees))
	}
	if got := len(f.payouts(PayoutFilter{})); got != 3 {
		t.Fatalf("payouts = %d, want 3", got)
	}
}

func TestConcurrentCancelVsDeliver(t *testing.T) {
	f := newFixture(t, 2)
	f.start()
	f.mustScan(1, ScanLoaded)
	f.mustScan(2, ScanLoaded)

	var wg sync.WaitGroup
	var cancelErr, deliverErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, cancelErr = f.svc.Cancel(f.ctx, CancelCommand{
			OrderID: f.orders[0].ID,
			Actor:   types.Actor{ID: "ops", Role: types.RoleAdmin},
		})
	}()
	go func() {
		defer wg.Done()
		_, deliverErr = f.scan(1, ScanDelivered)
	}()
	wg.Wait()

	o, err := f.svc.GetOrderStatus(f.ctx, f.orders[0].ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	fees, _ := f.svc.ListFees(f.ctx, o.ID)
	switch o.Status {
	case OrderDelivered:
		if !errors.Is(cancelErr, ErrInvalidTransition) || deliverErr != nil {
			t.Fatalf("delivered but cancel=%v deliver=%v", cancelErr, deliverErr)
		}
		if len(fees) != 3 {
			t.Fatalf("delivered order has %d fee rows", len(fees))
		}
	case OrderCancelled:
		if cancelErr != nil || !errors.Is(deliverErr, ErrNotFound) {
			t.Fatalf("cancelled but cancel=%v deliver=%v", cancelErr, deliverErr)
		}
		if len(fees) != 0 {
			t.Fatalf("cancelled order has %d fee rows", len(fees))
		}
	default:
		t.Fatalf("unexpected final status %s", o.Status)
	}
}

// README: End-to-end API tests through the full router on in-memory stores.
package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	httptransport "farmdrop/internal/http"
	"farmdrop/internal/infra"
	"farmdrop/internal/modules/delivery"
	"farmdrop/internal/modules/dispute"
)

// tokenVerifier treats the bearer token as "uid:role".
type tokenVerifier struct{}

func (tokenVerifier) VerifyIDToken(_ context.Context, raw string) (*infra.FirebaseToken, error) {
	uid, role, _ := strings.Cut(raw, ":")
	if uid == "" {
		return nil, errors.New("empty token")
	}
	return &infra.FirebaseToken{UID: uid, Claims: map[string]interface{}{"role": role}}, nil
}

type refundRecorder struct {
	mu    sync.Mutex
	calls []dispute.RefundInstruction
	fail  bool
}

func (r *refundRecorder) IssueRefund(_ context.Context, in dispute.RefundInstruction) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return "", errors.New("payment provider unavailable")
	}
	r.calls = append(r.calls, in)
	return "refund-" + in.IdempotencyKey, nil
}

const (
	admin    = "ops:admin"
	driver   = "driver-1:driver"
	consumer = "c1:consumer"
)

type api struct {
	t       *testing.T
	router  *gin.Engine
	refunds *refundRecorder
}

func newAPI(t *testing.T) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	deliverySvc := delivery.NewService(delivery.Deps{Store: delivery.NewMemoryStore(), Logger: log})
	refunds := &refundRecorder{}
	disputeSvc := dispute.NewService(dispute.Deps{
		Store:   dispute.NewMemoryStore(),
		Orders:  deliverySvc,
		Refunds: refunds,
		Logger:  log,
	})
	router := httptransport.NewRouter(httptransport.RouterDeps{
		Delivery: deliverySvc,
		Dispute:  disputeSvc,
		Verifier: tokenVerifier{},
		Logger:   log,
	})
	return &api{t: t, router: router, refunds: refunds}
}

// do sends body as JSON and decodes the response into out when out is non-nil.
func (a *api) do(method, path, token string, body, out any) int {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	if out != nil {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			a.t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w.Code
}

func (a *api) must(want int, method, path, token string, body, out any) {
	a.t.Helper()
	if got := a.do(method, path, token, body, out); got != want {
		a.t.Fatalf("%s %s: expected %d, got %d", method, path, want, got)
	}
}

type idResp struct {
	ID      string `json:"id"`
	BoxCode string `json:"box_code"`
	Status  string `json:"status"`
}

// startedBatch creates a $50 order for c1, puts it on batch 12 at sequence 1 and
// starts the batch as driver-1.
func (a *api) startedBatch() (orderID, batchID string) {
	var order, batch, assigned idResp
	a.must(http.StatusCreated, http.MethodPost, "/api/orders", consumer, map[string]any{
		"items": []map[string]any{
			{"product_id": "kale", "farmer_id": "farmer-1", "quantity": 2, "unit_price_cents": 2500},
		},
		"delivery_fee_cents": 750,
		"delivery_date":      "2026-10-20",
		"address":            map[string]any{"line1": "12 Orchard Rd", "city": "Ames", "region": "IA", "zip": "50010"},
		"payment_authorized": true,
	}, &order)
	a.must(http.StatusCreated, http.MethodPost, "/api/batches", admin, map[string]any{
		"number":           12,
		"delivery_date":    "2026-10-20",
		"collection_point": map[string]any{"id": "cp-1", "name": "Market Hall", "lead_farmer_id": "lead-1"},
	}, &batch)
	a.must(http.StatusOK, http.MethodPost, "/api/batches/"+batch.ID+"/orders", admin,
		map[string]any{"order_id": order.ID, "sequence": 1}, &assigned)
	if assigned.BoxCode != "B12-1" || assigned.Status != string(delivery.OrderConfirmed) {
		a.t.Fatalf("unexpected assignment %+v", assigned)
	}
	a.must(http.StatusOK, http.MethodPost, "/api/batches/"+batch.ID+"/claim", driver, nil, nil)
	a.must(http.StatusOK, http.MethodPost, "/api/batches/"+batch.ID+"/start", driver, nil, nil)
	return order.ID, batch.ID
}

func TestHealthIsPublic(t *testing.T) {
	a := newAPI(t)
	if code := a.do(http.MethodGet, "/health", "", nil, nil); code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	if code := a.do(http.MethodGet, "/api/payouts", "", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", code)
	}
}

func TestRoleGates(t *testing.T) {
	a := newAPI(t)
	cases := []struct {
		method, path, token string
		want                int
	}{
		{http.MethodGet, "/api/payouts", consumer, http.StatusForbidden},
		{http.MethodGet, "/api/payouts", driver, http.StatusForbidden},
		{http.MethodPost, "/api/batches", driver, http.StatusForbidden},
		{http.MethodPost, "/api/batches/b1/claim", consumer, http.StatusForbidden},
		{http.MethodPost, "/api/batches/b1/scans", admin, http.StatusForbidden},
		{http.MethodGet, "/api/batches/b1/scans", driver, http.StatusForbidden},
		{http.MethodPost, "/api/disputes/d1/resolve", consumer, http.StatusForbidden},
		{http.MethodPost, "/api/disputes", admin, http.StatusForbidden},
		{http.MethodGet, "/api/stops/s1/address", consumer, http.StatusForbidden},
	}
	for _, tc := range cases {
		if got := a.do(tc.method, tc.path, tc.token, map[string]any{}, nil); got != tc.want {
			t.Errorf("%s %s as %s: expected %d, got %d", tc.method, tc.path, tc.token, tc.want, got)
		}
	}
}

func TestDeliveryFlowThroughAPI(t *testing.T) {
	a := newAPI(t)
	orderID, batchID := a.startedBatch()
	scans := "/api/batches/" + batchID + "/scans"

	var stopView struct {
		Stops []struct {
			ID string `json:"id"`
		} `json:"stops"`
	}
	a.must(http.StatusOK, http.MethodGet, "/api/batches/"+batchID, driver, nil, &stopView)
	if len(stopView.Stops) != 1 {
		t.Fatalf("expected 1 stop, got %d", len(stopView.Stops))
	}
	stopID := stopView.Stops[0].ID
	if code := a.do(http.MethodGet, "/api/batches/"+batchID, "driver-2:driver", nil, nil); code != http.StatusForbidden {
		t.Errorf("other driver: expected 403, got %d", code)
	}

	var hidden struct {
		Zip     string          `json:"zip"`
		Visible bool            `json:"visible"`
		Address json.RawMessage `json:"address"`
	}
	a.must(http.StatusOK, http.MethodGet, "/api/stops/"+stopID+"/address", driver, nil, &hidden)
	if hidden.Visible || hidden.Address != nil || hidden.Zip != "50010" {
		t.Fatalf("address should be hidden before pickup: %+v", hidden)
	}

	var outOfOrder struct {
		Hint string `json:"hint"`
	}
	a.must(http.StatusConflict, http.MethodPost, scans, driver,
		map[string]any{"box_code": "B12-1", "type": "delivered"}, &outOfOrder)
	if outOfOrder.Hint != "please scan pickup first" {
		t.Errorf("unexpected hint %q", outOfOrder.Hint)
	}

	type scanResp struct {
		Event struct {
			ID string `json:"id"`
		} `json:"event"`
		Duplicate   bool   `json:"duplicate"`
		OrderStatus string `json:"order_status"`
	}
	var first, again scanResp
	a.must(http.StatusCreated, http.MethodPost, scans, driver, map[string]any{"box_code": "b12-1 ", "type": "loaded"}, &first)
	a.must(http.StatusOK, http.MethodPost, scans, driver, map[string]any{"box_code": "B12-1", "type": "loaded"}, &again)
	if !again.Duplicate || again.Event.ID != first.Event.ID {
		t.Errorf("second loaded scan should return the first event: %+v vs %+v", again, first)
	}

	var visible struct {
		Visible bool `json:"visible"`
		Address struct {
			Line1 string `json:"line1"`
		} `json:"address"`
	}
	a.must(http.StatusOK, http.MethodGet, "/api/stops/"+stopID+"/address", driver, nil, &visible)
	if !visible.Visible || visible.Address.Line1 != "12 Orchard Rd" {
		t.Errorf("address should be visible after pickup: %+v", visible)
	}

	var delivered scanResp
	a.must(http.StatusCreated, http.MethodPost, scans, driver, map[string]any{"box_code": "B12-1", "type": "delivered"}, &delivered)
	if delivered.OrderStatus != string(delivery.OrderDelivered) {
		t.Errorf("expected delivered, got %q", delivered.OrderStatus)
	}

	var batch struct {
		Status string `json:"status"`
	}
	a.must(http.StatusOK, http.MethodGet, "/api/batches/"+batchID, admin, nil, &batch)
	if batch.Status != string(delivery.BatchCompleted) {
		t.Errorf("expected completed batch, got %q", batch.Status)
	}

	var scanLog struct {
		Events []json.RawMessage `json:"events"`
	}
	a.must(http.StatusOK, http.MethodGet, scans, admin, nil, &scanLog)
	if len(scanLog.Events) != 2 {
		t.Errorf("expected 2 logged scans, got %d", len(scanLog.Events))
	}

	var fees struct {
		Fees []struct {
			Category string `json:"category"`
			Amount   struct {
				Amount int64 `json:"amount"`
			} `json:"amount"`
		} `json:"fees"`
	}
	a.must(http.StatusOK, http.MethodGet, "/api/orders/"+orderID+"/fees", admin, nil, &fees)
	byCategory := map[string]int64{}
	for _, f := range fees.Fees {
		byCategory[f.Category] += f.Amount.Amount
	}
	if byCategory["farmer_share"] != 4400 || byCategory["lead_farmer_share"] != 100 || byCategory["platform_fee"] != 500 {
		t.Errorf("unexpected split %v", byCategory)
	}

	var payouts struct {
		Payouts []struct {
			ID            string `json:"id"`
			RecipientID   string `json:"recipient_id"`
			RecipientType string `json:"recipient_type"`
			Status        string `json:"status"`
			Amount        struct {
				Amount int64 `json:"amount"`
			} `json:"amount"`
		} `json:"payouts"`
	}
	a.must(http.StatusOK, http.MethodGet, "/api/payouts?status=pending", admin, nil, &payouts)
	amounts := map[string]int64{}
	for _, p := range payouts.Payouts {
		amounts[p.RecipientType] += p.Amount.Amount
	}
	if amounts["farmer"] != 4400 || amounts["lead_farmer_commission"] != 100 || amounts["driver"] != 750 {
		t.Fatalf("unexpected payouts %v", amounts)
	}

	payoutID := payouts.Payouts[0].ID
	a.must(http.StatusBadRequest, http.MethodPost, "/api/payouts/"+payoutID+"/fail", admin, map[string]any{}, nil)
	a.must(http.StatusOK, http.MethodPost, "/api/payouts/"+payoutID+"/fail", admin, map[string]any{"reason": "account closed"}, nil)
	a.must(http.StatusOK, http.MethodPost, "/api/payouts/"+payoutID+"/complete", admin, map[string]any{"transfer_ref": "tr_1"}, nil)
	a.must(http.StatusConflict, http.MethodPost, "/api/payouts/"+payoutID+"/fail", admin, map[string]any{"reason": "late"}, nil)
}

func TestDisputeRefundOverTotalIsRejected(t *testing.T) {
	a := newAPI(t)
	orderID, _ := a.startedBatch()

	var d struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	a.must(http.StatusCreated, http.MethodPost, "/api/disputes", consumer,
		map[string]any{"order_id": orderID, "type": "missing_item", "description": "no kale"}, &d)
	a.must(http.StatusOK, http.MethodGet, "/api/disputes/"+d.ID, consumer, nil, nil)
	a.must(http.StatusForbidden, http.MethodGet, "/api/disputes/"+d.ID, "c2:consumer", nil, nil)

	a.must(http.StatusOK, http.MethodPost, "/api/disputes/"+d.ID+"/acknowledge", admin, nil, nil)

	// the order total is $57.50
	a.must(http.StatusBadRequest, http.MethodPost, "/api/disputes/"+d.ID+"/resolve", admin,
		map[string]any{"resolution": "refund", "refund_cents": 7500, "currency": "USD"}, nil)
	a.must(http.StatusOK, http.MethodGet, "/api/disputes/"+d.ID, admin, nil, &d)
	if d.Status != string(dispute.StatusInvestigating) {
		t.Fatalf("dispute should still be investigating, got %q", d.Status)
	}

	a.must(http.StatusOK, http.MethodPost, "/api/disputes/"+d.ID+"/resolve", admin,
		map[string]any{"resolution": "refund kale", "refund_cents": 5000, "currency": "USD"}, &d)
	if d.Status != string(dispute.StatusResolved) {
		t.Errorf("expected resolved, got %q", d.Status)
	}
	if len(a.refunds.calls) != 1 || a.refunds.calls[0].Amount.Amount != 5000 {
		t.Errorf("expected one $50 refund instruction, got %+v", a.refunds.calls)
	}
	a.must(http.StatusConflict, http.MethodPost, "/api/disputes/"+d.ID+"/reject", admin,
		map[string]any{"resolution": "too late"}, nil)
}

func TestDisputeRefundFailureIsRetryable(t *testing.T) {
	a := newAPI(t)
	orderID, _ := a.startedBatch()
	a.refunds.fail = true

	var d struct {
		ID string `json:"id"`
	}
	a.must(http.StatusCreated, http.MethodPost, "/api/disputes", consumer,
		map[string]any{"order_id": orderID, "type": "damaged_item"}, &d)
	a.must(http.StatusOK, http.MethodPost, "/api/disputes/"+d.ID+"/acknowledge", admin, nil, nil)

	var failed struct {
		Dispute struct {
			Status string `json:"status"`
		} `json:"dispute"`
	}
	a.must(http.StatusBadGateway, http.MethodPost, "/api/disputes/"+d.ID+"/resolve", admin,
		map[string]any{"resolution": "refund", "refund_cents": 2500}, &failed)
	if failed.Dispute.Status != string(dispute.StatusResolved) {
		t.Errorf("dispute should be resolved with a pending refund, got %q", failed.Dispute.Status)
	}

	a.refunds.fail = false
	var retried struct {
		RefundRef string `json:"refund_ref"`
	}
	a.must(http.StatusOK, http.MethodPost, "/api/disputes/"+d.ID+"/refund", admin, nil, &retried)
	if retried.RefundRef != "refund-"+d.ID {
		t.Errorf("unexpected refund ref %q", retried.RefundRef)
	}
}

// README: Order, batch and stop aggregates with the delivery state machine as data.
package delivery

import (
	"time"

	"farmdrop/internal/types"
)

type OrderStatus string

const (
	OrderPending        OrderStatus = "pending"
	OrderConfirmed      OrderStatus = "confirmed"
	OrderInTransit      OrderStatus = "in_transit"
	OrderOutForDelivery OrderStatus = "out_for_delivery"
	OrderDelivered      OrderStatus = "delivered"
	OrderCancelled      OrderStatus = "cancelled"
)

func (s OrderStatus) Terminal() bool {
	return s == OrderDelivered || s == OrderCancelled
}

type EventType string

const (
	EventAssignToBatch     EventType = "assign_to_batch"
	EventDriverStartsBatch EventType = "driver_starts_batch"
	EventLoadedScan        EventType = "loaded_scan"
	EventAllStopsLoaded    EventType = "all_stops_loaded"
	EventDeliveredScan     EventType = "delivered_scan"
	EventCancel            EventType = "cancel"
)

// AllowedTransitions represents the order state flow (diagram) as code.
var AllowedTransitions = map[OrderStatus]map[EventType]OrderStatus{
	OrderPending: {
		EventAssignToBatch: OrderConfirmed,
		EventCancel:        OrderCancelled,
	},
	OrderConfirmed: {
		EventDriverStartsBatch: OrderInTransit,
		EventCancel:            OrderCancelled,
	},
	OrderInTransit: {
		EventLoadedScan:     OrderInTransit,
		EventAllStopsLoaded: OrderOutForDelivery,
		EventCancel:         OrderCancelled,
	},
	OrderOutForDelivery: {
		EventDeliveredScan: OrderDelivered,
		EventCancel:        OrderCancelled,
	},
}

// Next returns the status reached by applying ev to from.
func Next(from OrderStatus, ev EventType) (OrderStatus, bool) {
	next, ok := AllowedTransitions[from][ev]
	return next, ok
}

type Address struct {
	Line1  string `json:"line1"`
	Line2  string `json:"line2,omitempty"`
	City   string `json:"city"`
	Region string `json:"region"`
	Zip    string `json:"zip"`
}

type LineItem struct {
	ProductID types.ID    `json:"product_id"`
	FarmerID  types.ID    `json:"farmer_id"`
	Quantity  int         `json:"quantity"`
	UnitPrice types.Money `json:"unit_price"`
}

func (li LineItem) Total() types.Money {
	return li.UnitPrice.Mul(int64(li.Quantity))
}

type Order struct {
	ID            types.ID    `json:"id"`
	ConsumerID    types.ID    `json:"consumer_id"`
	Items         []LineItem  `json:"items"`
	DeliveryFee   types.Money `json:"delivery_fee"`
	DeliveryDate  time.Time   `json:"delivery_date"`
	Address       Address     `json:"-"`
	PaymentRef    string      `json:"payment_ref,omitempty"`
	Status        OrderStatus `json:"status"`
	StatusVersion int         `json:"status_version"`
	BoxCode       *string     `json:"box_code,omitempty"`
	BatchID       *types.ID   `json:"batch_id,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	ConfirmedAt   *time.Time  `json:"confirmed_at,omitempty"`
	DeliveredAt   *time.Time  `json:"delivered_at,omitempty"`
	CancelledAt   *time.Time  `json:"cancelled_at,omitempty"`
	CancelReason  *string     `json:"cancel_reason,omitempty"`
}

// Subtotal is the product total the revenue split is computed over.
func (o *Order) Subtotal() types.Money {
	total := types.Money{Currency: o.DeliveryFee.Currency}
	for _, li := range o.Items {
		total = total.Add(li.Total())
	}
	return total
}

// Total is what the consumer was charged: products plus delivery fee.
func (o *Order) Total() types.Money {
	return o.Subtotal().Add(o.DeliveryFee)
}

type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchAssigned   BatchStatus = "assigned"
	BatchInProgress BatchStatus = "in_progress"
	BatchCompleted  BatchStatus = "completed"
)

type CollectionPoint struct {
	ID           types.ID `json:"id"`
	Name         string   `json:"name"`
	LeadFarmerID types.ID `json:"lead_farmer_id"`
}

type Batch struct {
	ID              types.ID        `json:"id"`
	Number          int             `json:"number"`
	DeliveryDate    time.Time       `json:"delivery_date"`
	DriverID        *types.ID       `json:"driver_id,omitempty"`
	Status          BatchStatus     `json:"status"`
	StatusVersion   int             `json:"status_version"`
	CollectionPoint CollectionPoint `json:"collection_point"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

type StopStatus string

const (
	StopPending   StopStatus = "pending"
	StopInTransit StopStatus = "in_transit"
	StopLoaded    StopStatus = "loaded"
	StopDelivered StopStatus = "delivered"
	StopCancelled StopStatus = "cancelled"
)

func (s StopStatus) Terminal() bool {
	return s == StopDelivered || s == StopCancelled
}

type Stop struct {
	ID               types.ID   `json:"id"`
	BatchID          types.ID   `json:"batch_id"`
	Sequence         int        `json:"sequence"`
	OrderID          types.ID   `json:"order_id"`
	Status           StopStatus `json:"status"`
	Zip              string     `json:"zip"`
	AddressVisibleAt *time.Time `json:"address_visible_at,omitempty"`
	DeliveredAt      *time.Time `json:"delivered_at,omitempty"`
}

// DeriveBatchStatus computes a batch's status from its stops. A batch that has not
// started is pending or assigned depending on whether a driver claimed it; a started
// batch is completed only once every stop is terminal.
func DeriveBatchStatus(b *Batch, stops []Stop) BatchStatus {
	if b.StartedAt == nil {
		if b.DriverID != nil {
			return BatchAssigned
		}
		return BatchPending
	}
	for _, s := range stops {
		if !s.Status.Terminal() {
			return BatchInProgress
		}
	}
	return BatchCompleted
}

type ScanType string

const (
	ScanLoaded    ScanType = "loaded"
	ScanDelivered ScanType = "delivered"
)

type ScanEvent struct {
	ID        types.ID  `json:"id"`
	BatchID   types.ID  `json:"batch_id"`
	StopID    *types.ID `json:"stop_id,omitempty"`
	OrderID   types.ID  `json:"order_id"`
	ActorID   types.ID  `json:"actor_id"`
	BoxCode   string    `json:"box_code"`
	Type      ScanType  `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

type FeeCategory string

const (
	FeeFarmerShare     FeeCategory = "farmer_share"
	FeeLeadFarmerShare FeeCategory = "lead_farmer_share"
	FeePlatform        FeeCategory = "platform_fee"
)

type TransactionFee struct {
	ID        types.ID    `json:"id"`
	OrderID   types.ID    `json:"order_id"`
	FarmerID  types.ID    `json:"farmer_id"`
	Category  FeeCategory `json:"category"`
	Amount    types.Money `json:"amount"`
	CreatedAt time.Time   `json:"created_at"`
}

type RecipientType string

const (
	RecipientFarmer     RecipientType = "farmer"
	RecipientLeadFarmer RecipientType = "lead_farmer_commission"
	RecipientDriver     RecipientType = "driver"
)

type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutCompleted PayoutStatus = "completed"
	PayoutFailed    PayoutStatus = "failed"
)

type Payout struct {
	ID            types.ID      `json:"id"`
	RecipientID   types.ID      `json:"recipient_id"`
	RecipientType RecipientType `json:"recipient_type"`
	OrderID       *types.ID     `json:"order_id,omitempty"`
	BatchID       *types.ID     `json:"batch_id,omitempty"`
	Amount        types.Money   `json:"amount"`
	Status        PayoutStatus  `json:"status"`
	FailureReason *string       `json:"failure_reason,omitempty"`
	TransferRef   *string       `json:"transfer_ref,omitempty"`
	Attempts      int           `json:"attempts"`
	CreatedAt     time.Time     `json:"created_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	FailedAt      *time.Time    `json:"failed_at,omitempty"`
}

// payoutTransitions lists where a payout may move; completed is final.
var payoutTransitions = map[PayoutStatus][]PayoutStatus{
	PayoutPending: {PayoutCompleted, PayoutFailed},
	PayoutFailed:  {PayoutCompleted, PayoutFailed},
}

func CanTransitionPayout(from, to PayoutStatus) bool {
	for _, s := range payoutTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

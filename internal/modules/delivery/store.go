// README: Persistence contract for the delivery engine. All access goes through a transaction.
package delivery

import (
	"context"

	"farmdrop/internal/types"
)

// Store runs fn inside one transaction; any error returned by fn rolls back
// every write made through tx.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of reads and writes available inside a transaction. Getters return
// ErrNotFound for missing rows. SQL implementations lock the rows they read
// (batch, then stops, then orders) so that roll-ups see committed state.
// Update methods compare StatusVersion and return ErrConflict on mismatch, then
// bump the version on the passed struct.
type Tx interface {
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id types.ID) (*Order, error)
	FindOrderByBoxCode(ctx context.Context, batchID types.ID, boxCode string) (*Order, error)
	UpdateOrder(ctx context.Context, o *Order) error

	CreateBatch(ctx context.Context, b *Batch) error
	GetBatch(ctx context.Context, id types.ID) (*Batch, error)
	UpdateBatch(ctx context.Context, b *Batch) error

	CreateStop(ctx context.Context, s *Stop) error
	GetStop(ctx context.Context, id types.ID) (*Stop, error)
	GetStopByOrder(ctx context.Context, orderID types.ID) (*Stop, error)
	// ListStops returns the batch's stops ordered by sequence.
	ListStops(ctx context.Context, batchID types.ID) ([]Stop, error)
	UpdateStop(ctx context.Context, s *Stop) error

	AppendScan(ctx context.Context, e *ScanEvent) error
	// FirstScan returns the earliest scan of type t for the order, or nil.
	FirstScan(ctx context.Context, orderID types.ID, t ScanType) (*ScanEvent, error)
	ListScans(ctx context.Context, batchID types.ID) ([]ScanEvent, error)

	HasFees(ctx context.Context, orderID types.ID) (bool, error)
	InsertFees(ctx context.Context, fees []TransactionFee) error
	ListFees(ctx context.Context, orderID types.ID) ([]TransactionFee, error)

	InsertPayout(ctx context.Context, p *Payout) error
	GetPayout(ctx context.Context, id types.ID) (*Payout, error)
	// UpdatePayout writes p if the stored status still equals from.
	UpdatePayout(ctx context.Context, p *Payout, from PayoutStatus) error
	FindDriverPayout(ctx context.Context, batchID types.ID) (*Payout, error)
	ListPayouts(ctx context.Context, f PayoutFilter) ([]Payout, error)
}

type PayoutFilter struct {
	Status  PayoutStatus
	OrderID types.ID
	BatchID types.ID
	Limit   int
}

// README: In-memory Store used for local runs and tests. Transactions are serialised
// and work on a copy of the state that is swapped in on commit.
package delivery

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"farmdrop/internal/types"
)

type MemoryStore struct {
	mu    sync.Mutex
	state memState
}

type memState struct {
	orders  map[types.ID]Order
	batches map[types.ID]Batch
	stops   map[types.ID]Stop
	scans   []ScanEvent
	fees    []TransactionFee
	payouts map[types.ID]Payout
	// payoutSeq keeps ListPayouts in creation order.
	payoutSeq []types.ID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: memState{
		orders:  make(map[types.ID]Order),
		batches: make(map[types.ID]Batch),
		stops:   make(map[types.ID]Stop),
		payouts: make(map[types.ID]Payout),
	}}
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := memState{
		orders:    maps.Clone(m.state.orders),
		batches:   maps.Clone(m.state.batches),
		stops:     maps.Clone(m.state.stops),
		scans:     slices.Clone(m.state.scans),
		fees:      slices.Clone(m.state.fees),
		payouts:   maps.Clone(m.state.payouts),
		payoutSeq: slices.Clone(m.state.payoutSeq),
	}
	if err := fn(ctx, &memTx{s: &work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

type memTx struct {
	s *memState
}

func (t *memTx) CreateOrder(_ context.Context, o *Order) error {
	if _, ok := t.s.orders[o.ID]; ok {
		return fmt.Errorf("%w: order %s exists", ErrConflict, o.ID)
	}
	cp := *o
	cp.Items = slices.Clone(o.Items)
	t.s.orders[o.ID] = cp
	return nil
}

func (t *memTx) GetOrder(_ context.Context, id types.ID) (*Order, error) {
	o, ok := t.s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	o.Items = slices.Clone(o.Items)
	return &o, nil
}

func (t *memTx) FindOrderByBoxCode(ctx context.Context, batchID types.ID, boxCode string) (*Order, error) {
	for _, o := range t.s.orders {
		if o.BatchID != nil && *o.BatchID == batchID && o.BoxCode != nil && *o.BoxCode == boxCode {
			return t.GetOrder(ctx, o.ID)
		}
	}
	return nil, fmt.Errorf("%w: box code %s", ErrNotFound, boxCode)
}

func (t *memTx) UpdateOrder(_ context.Context, o *Order) error {
	cur, ok := t.s.orders[o.ID]
	if !ok {
		return fmt.Errorf("%w: order %s", ErrNotFound, o.ID)
	}
	if cur.StatusVersion != o.StatusVersion {
		return fmt.Errorf("%w: order %s", ErrConflict, o.ID)
	}
	o.StatusVersion++
	cp := *o
	cp.Items = slices.Clone(o.Items)
	t.s.orders[o.ID] = cp
	return nil
}

func (t *memTx) CreateBatch(_ context.Context, b *Batch) error {
	if _, ok := t.s.batches[b.ID]; ok {
		return fmt.Errorf("%w: batch %s exists", ErrConflict, b.ID)
	}
	for _, other := range t.s.batches {
		if other.Number == b.Number {
			return fmt.Errorf("%w: batch number %d already used", ErrValidation, b.Number)
		}
	}
	t.s.batches[b.ID] = *b
	return nil
}

func (t *memTx) GetBatch(_ context.Context, id types.ID) (*Batch, error) {
	b, ok := t.s.batches[id]
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	return &b, nil
}

func (t *memTx) UpdateBatch(_ context.Context, b *Batch) error {
	cur, ok := t.s.batches[b.ID]
	if !ok {
		return fmt.Errorf("%w: batch %s", ErrNotFound, b.ID)
	}
	if cur.StatusVersion != b.StatusVersion {
		return fmt.Errorf("%w: batch %s", ErrConflict, b.ID)
	}
	b.StatusVersion++
	t.s.batches[b.ID] = *b
	return nil
}

func (t *memTx) CreateStop(_ context.Context, s *Stop) error {
	for _, other := range t.s.stops {
		if other.BatchID == s.BatchID && other.Sequence == s.Sequence {
			return fmt.Errorf("%w: sequence %d already taken", ErrValidation, s.Sequence)
		}
		if other.OrderID == s.OrderID {
			return fmt.Errorf("%w: order %s already has a stop", ErrConflict, s.OrderID)
		}
	}
	t.s.stops[s.ID] = *s
	return nil
}

func (t *memTx) GetStop(_ context.Context, id types.ID) (*Stop, error) {
	s, ok := t.s.stops[id]
	if !ok {
		return nil, fmt.Errorf("%w: stop %s", ErrNotFound, id)
	}
	return &s, nil
}

func (t *memTx) GetStopByOrder(_ context.Context, orderID types.ID) (*Stop, error) {
	for _, s := range t.s.stops {
		if s.OrderID == orderID {
			return &s, nil
		}
	}
	return nil, fmt.Errorf("%w: stop for order %s", ErrNotFound, orderID)
}

func (t *memTx) ListStops(_ context.Context, batchID types.ID) ([]Stop, error) {
	var out []Stop
	for _, s := range t.s.stops {
		if s.BatchID == batchID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (t *memTx) UpdateStop(_ context.Context, s *Stop) error {
	cur, ok := t.s.stops[s.ID]
	if !ok {
		return fmt.Errorf("%w: stop %s", ErrNotFound, s.ID)
	}
	if cur.Sequence != s.Sequence || cur.OrderID != s.OrderID || cur.BatchID != s.BatchID {
		return fmt.Errorf("%w: stop %s identity is immutable", ErrValidation, s.ID)
	}
	if cur.AddressVisibleAt != nil && (s.AddressVisibleAt == nil || !s.AddressVisibleAt.Equal(*cur.AddressVisibleAt)) {
		return fmt.Errorf("%w: stop %s address visibility already set", ErrConflict, s.ID)
	}
	t.s.stops[s.ID] = *s
	return nil
}

func (t *memTx) AppendScan(_ context.Context, e *ScanEvent) error {
	t.s.scans = append(t.s.scans, *e)
	return nil
}

func (t *memTx) FirstScan(_ context.Context, orderID types.ID, st ScanType) (*ScanEvent, error) {
	for _, e := range t.s.scans {
		if e.OrderID == orderID && e.Type == st {
			return &e, nil
		}
	}
	return nil, nil
}

func (t *memTx) ListScans(_ context.Context, batchID types.ID) ([]ScanEvent, error) {
	var out []ScanEvent
	for _, e := range t.s.scans {
		if e.BatchID == batchID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) HasFees(_ context.Context, orderID types.ID) (bool, error) {
	for _, f := range t.s.fees {
		if f.OrderID == orderID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertFees(ctx context.Context, fees []TransactionFee) error {
	if len(fees) == 0 {
		return nil
	}
	if ok, _ := t.HasFees(ctx, fees[0].OrderID); ok {
		return fmt.Errorf("%w: fees for order %s exist", ErrConflict, fees[0].OrderID)
	}
	t.s.fees = append(t.s.fees, fees...)
	return nil
}

func (t *memTx) ListFees(_ context.Context, orderID types.ID) ([]TransactionFee, error) {
	var out []TransactionFee
	for _, f := range t.s.fees {
		if f.OrderID == orderID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (t *memTx) InsertPayout(_ context.Context, p *Payout) error {
	if _, ok := t.s.payouts[p.ID]; ok {
		return fmt.Errorf("%w: payout %s exists", ErrConflict, p.ID)
	}
	t.s.payouts[p.ID] = *p
	t.s.payoutSeq = append(t.s.payoutSeq, p.ID)
	return nil
}

func (t *memTx) GetPayout(_ context.Context, id types.ID) (*Payout, error) {
	p, ok := t.s.payouts[id]
	if !ok {
		return nil, fmt.Errorf("%w: payout %s", ErrNotFound, id)
	}
	return &p, nil
}

func (t *memTx) UpdatePayout(_ context.Context, p *Payout, from PayoutStatus) error {
	cur, ok := t.s.payouts[p.ID]
	if !ok {
		return fmt.Errorf("%w: payout %s", ErrNotFound, p.ID)
	}
	if cur.Status != from {
		return fmt.Errorf("%w: payout %s", ErrConflict, p.ID)
	}
	if cur.Amount != p.Amount {
		return fmt.Errorf("%w: payout amount is immutable", ErrValidation)
	}
	t.s.payouts[p.ID] = *p
	return nil
}

func (t *memTx) FindDriverPayout(_ context.Context, batchID types.ID) (*Payout, error) {
	for _, p := range t.s.payouts {
		if p.RecipientType == RecipientDriver && p.BatchID != nil && *p.BatchID == batchID {
			return &p, nil
		}
	}
	return nil, nil
}

func (t *memTx) ListPayouts(_ context.Context, f PayoutFilter) ([]Payout, error) {
	var out []Payout
	for _, id := range t.s.payoutSeq {
		p := t.s.payouts[id]
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.OrderID != "" && (p.OrderID == nil || *p.OrderID != f.OrderID) {
			continue
		}
		if f.BatchID != "" && (p.BatchID == nil || *p.BatchID != f.BatchID) {
			continue
		}
		out = append(out, p)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

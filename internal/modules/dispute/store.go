// README: Dispute persistence contract and its in-memory implementation.
package dispute

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"farmdrop/internal/types"
)

type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id types.ID) (*Dispute, error)
	// Update writes d if its StatusVersion is still current and bumps it.
	Update(ctx context.Context, d *Dispute) error
	ListByOrder(ctx context.Context, orderID types.ID) ([]Dispute, error)
}

type MemoryStore struct {
	mu       sync.Mutex
	disputes map[types.ID]Dispute
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[types.ID]Dispute)}
}

func (m *MemoryStore) Create(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.disputes[d.ID]; ok {
		return fmt.Errorf("%w: dispute %s exists", ErrConflict, d.ID)
	}
	m.disputes[d.ID] = *d
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &d, nil
}

func (m *MemoryStore) Update(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.disputes[d.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, d.ID)
	}
	if cur.StatusVersion != d.StatusVersion {
		return fmt.Errorf("%w: dispute %s", ErrConflict, d.ID)
	}
	d.StatusVersion++
	m.disputes[d.ID] = *d
	return nil
}

func (m *MemoryStore) ListByOrder(_ context.Context, orderID types.ID) ([]Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Dispute
	for _, d := range m.disputes {
		if d.OrderID == orderID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

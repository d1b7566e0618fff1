package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nunzio993/cryptoBot/internal/core"
	"github.com/nunzio993/cryptoBot/internal/domain"
	"github.com/nunzio993/cryptoBot/pkg/apperrors"
)

// InMemoryRepository is a core.Repository backed by a mutex-guarded map,
// used by the lifecycle, durable and reconcile tests in place of SQLite so they
// run without a database file.
type InMemoryRepository struct {
	mu     sync.Mutex
	orders map[uuid.UUID]domain.Order
}

// NewInMemoryRepository returns an empty in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{orders: make(map[uuid.UUID]domain.Order)}
}

func (r *InMemoryRepository) Create(ctx context.Context, o domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[o.ID]; exists {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	r.orders[o.ID] = o
	return nil
}

func (r *InMemoryRepository) Load(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: order %s", apperrors.ErrNotFound, id)
	}
	return o, nil
}

func (r *InMemoryRepository) ListNonTerminal(ctx context.Context) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, o := range r.orders {
		if !o.Status.IsTerminal() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (r *InMemoryRepository) ListByFilter(ctx context.Context, filter core.OrderFilter) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, o := range r.orders {
		if filter.UserID != "" && o.UserID != filter.UserID {
			continue
		}
		if filter.ExchangeID != "" && o.ExchangeID != filter.ExchangeID {
			continue
		}
		if filter.Status != nil && o.Status != *filter.Status {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (r *InMemoryRepository) AtomicTransition(ctx context.Context, id uuid.UUID, expected domain.Status, mutate func(*domain.Order)) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.orders[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: order %s", apperrors.ErrNotFound, id)
	}
	if current.Status != expected {
		return domain.Order{}, apperrors.ErrConflict
	}

	updated := current
	mutate(&updated)
	updated.UpdatedAt = time.Now()
	updated.Version = current.Version + 1
	r.orders[id] = updated
	return updated, nil
}

func (r *InMemoryRepository) Patch(ctx context.Context, id uuid.UUID, patch domain.Patch) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.orders[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: order %s", apperrors.ErrNotFound, id)
	}
	if !current.IsEditable() {
		return domain.Order{}, fmt.Errorf("order %s is not editable in status %s", id, current.Status)
	}

	updated, err := patch.Apply(current)
	if err != nil {
		return domain.Order{}, err
	}
	updated.UpdatedAt = time.Now()
	updated.Version = current.Version + 1
	r.orders[id] = updated
	return updated, nil
}

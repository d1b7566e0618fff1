package repository

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/nunzio993/cryptoBot/internal/domain"
	"github.com/nunzio993/cryptoBot/pkg/apperrors"
)

func newTestOrder(t *testing.T) domain.Order {
	t.Helper()
	o, err := domain.NewPendingOrder(domain.Order{
		UserID:        "u1",
		ExchangeID:    "bybit",
		APIKeyID:      "k1",
		Symbol:        "BTCUSDC",
		Side:          domain.SideLong,
		Quantity:      decimal.RequireFromString("0.001"),
		EntryPrice:    decimal.RequireFromString("91000"),
		MaxEntry:      decimal.RequireFromString("92000"),
		EntryInterval: domain.Interval5m,
		StopInterval:  domain.Interval5m,
	}, time.Now())
	require.NoError(t, err)
	return o
}

func TestAtomicTransitionConflict(t *testing.T) {
	repo := NewInMemoryRepository()
	o := newTestOrder(t)
	require.NoError(t, repo.Create(context.Background(), o))

	_, err := repo.AtomicTransition(context.Background(), o.ID, domain.StatusExecuted, func(order *domain.Order) {
		order.Status = domain.StatusCancelled
	})
	require.ErrorIs(t, err, apperrors.ErrConflict)

	// Stored order must be untouched.
	stored, err := repo.Load(context.Background(), o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, stored.Status)
}

func TestAtomicTransitionSucceedsAndBumpsVersion(t *testing.T) {
	repo := NewInMemoryRepository()
	o := newTestOrder(t)
	require.NoError(t, repo.Create(context.Background(), o))

	updated, err := repo.AtomicTransition(context.Background(), o.ID, domain.StatusPending, func(order *domain.Order) {
		order.Status = domain.StatusInExecution
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusInExecution, updated.Status)
	require.Equal(t, o.Version+1, updated.Version)
}

func TestPatchRejectsNonEditableOrder(t *testing.T) {
	repo := NewInMemoryRepository()
	o := newTestOrder(t)
	o.Status = domain.StatusInExecution
	require.NoError(t, repo.Create(context.Background(), o))

	newTP := decimal.RequireFromString("96000")
	_, err := repo.Patch(context.Background(), o.ID, domain.Patch{TakeProfit: &newTP})
	require.Error(t, err)
}

func TestListNonTerminalExcludesTerminal(t *testing.T) {
	repo := NewInMemoryRepository()
	pending := newTestOrder(t)
	require.NoError(t, repo.Create(context.Background(), pending))

	cancelled := newTestOrder(t)
	cancelled.Status = domain.StatusCancelled
	require.NoError(t, repo.Create(context.Background(), cancelled))

	orders, err := repo.ListNonTerminal(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, pending.ID, orders[0].ID)
}

package service

import (
	"context"
	"log/slog"

	"github.com/mmynk/splitledger/internal/models"
	"github.com/mmynk/splitledger/internal/storage"
)

// BudgetService reads and writes an identity's numeric aggregates.
// Every value it stores is non-negative.
type BudgetService struct {
	store storage.Store
}

// NewBudgetService creates a new BudgetService.
func NewBudgetService(store storage.Store) *BudgetService {
	return &BudgetService{store: store}
}

// GetOverallBudget returns the overall budget of identityRef.
func (s *BudgetService) GetOverallBudget(ctx context.Context, identityRef string) (models.Amount, error) {
	identity, err := findIdentity(ctx, s.store, identityRef)
	if err != nil {
		return 0, err
	}
	return identity.OverallBudget, nil
}

// SetOverallBudget assigns value. A negative value fails validation and
// leaves the budget unchanged.
func (s *BudgetService) SetOverallBudget(ctx context.Context, identityRef string, value float64) error {
	slog.Info("SetOverallBudget request received", "identity", identityRef, "value", value)

	amount, err := models.NewAmount(value)
	if err != nil {
		return err
	}
	identity, err := findIdentity(ctx, s.store, identityRef)
	if err != nil {
		return err
	}

	if err := s.store.SetOverallBudget(ctx, identity.ID, amount); err != nil {
		slog.Error("SetOverallBudget failed", "identity_id", identity.ID, "error", err)
		return storageError(nil, "set overall budget", err)
	}

	slog.Info("Overall budget set", "identity_id", identity.ID, "value", amount)
	return nil
}

// UpdateOverallBudget adds delta to the overall budget and returns the new
// value. delta must be non-negative.
func (s *BudgetService) UpdateOverallBudget(ctx context.Context, identityRef string, delta float64) (models.Amount, error) {
	slog.Info("UpdateOverallBudget request received", "identity", identityRef, "delta", delta)

	amount, err := models.NewAmount(delta)
	if err != nil {
		return 0, err
	}
	identity, err := findIdentity(ctx, s.store, identityRef)
	if err != nil {
		return 0, err
	}

	budget, err := s.store.IncrementOverallBudget(ctx, identity.ID, amount)
	if err != nil {
		slog.Error("UpdateOverallBudget failed", "identity_id", identity.ID, "error", err)
		return 0, storageError(nil, "update overall budget", err)
	}

	slog.Info("Overall budget updated", "identity_id", identity.ID, "value", budget)
	return budget, nil
}

// GetTotalSpent returns the running spend total of identityRef.
func (s *BudgetService) GetTotalSpent(ctx context.Context, identityRef string) (models.Amount, error) {
	identity, err := findIdentity(ctx, s.store, identityRef)
	if err != nil {
		return 0, err
	}
	return identity.TotalSpent, nil
}

// RecordSpend adds amount to the spend total and returns the new total.
func (s *BudgetService) RecordSpend(ctx context.Context, identityRef string, amount float64) (models.Amount, error) {
	slog.Info("RecordSpend request received", "identity", identityRef, "amount", amount)

	spend, err := models.NewAmount(amount)
	if err != nil {
		return 0, err
	}
	identity, err := findIdentity(ctx, s.store, identityRef)
	if err != nil {
		return 0, err
	}

	total, err := s.store.IncrementTotalSpent(ctx, identity.ID, spend)
	if err != nil {
		slog.Error("RecordSpend failed", "identity_id", identity.ID, "error", err)
		return 0, storageError(nil, "record spend", err)
	}

	slog.Info("Spend recorded", "identity_id", identity.ID, "total", total)
	return total, nil
}

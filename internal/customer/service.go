package customer

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ae-utbm/comptoir/internal/money"
)

// Service exposes the ledger operations. Debit and Credit are transaction
// scoped: the selling and refilling engines call them between LockAmount
// and commit so the balance change and the history row land together.
type Service struct {
	repo Repository
}

// NewService constructs a Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Get fetches the customer of a user.
func (s *Service) Get(ctx context.Context, userID int64) (*Customer, error) {
	return s.repo.GetByUserID(ctx, userID)
}

// GetByAccountID resolves the public account code typed at the till.
func (s *Service) GetByAccountID(ctx context.Context, accountID string) (*Customer, error) {
	return s.repo.GetByAccountID(ctx, accountID)
}

// Open creates the account of a user.
func (s *Service) Open(ctx context.Context, userID int64) (*Customer, error) {
	return s.repo.Create(ctx, userID)
}

// Debit subtracts total from the customer's balance inside tx. It fails
// with ErrInsufficientFunds and leaves the row untouched when the balance
// does not cover the total, and returns the balance after the debit.
func (s *Service) Debit(ctx context.Context, tx pgx.Tx, userID int64, total money.Money) (money.Money, error) {
	if total.IsNegative() {
		return money.Zero, ErrNegativeAmount
	}
	amount, err := s.repo.LockAmount(ctx, tx, userID)
	if err != nil {
		return money.Zero, err
	}
	if amount.LessThan(total) {
		return money.Zero, fmt.Errorf("%w: balance %s, needed %s", ErrInsufficientFunds, amount, total)
	}
	remaining := amount.Sub(total)
	if err := s.repo.SetAmount(ctx, tx, userID, remaining); err != nil {
		return money.Zero, err
	}
	return remaining, nil
}

// Credit adds amount to the customer's balance inside tx and returns the
// balance after the credit. The amount must be strictly positive.
func (s *Service) Credit(ctx context.Context, tx pgx.Tx, userID int64, amount money.Money) (money.Money, error) {
	if !amount.IsPositive() {
		return money.Zero, ErrNegativeAmount
	}
	current, err := s.repo.LockAmount(ctx, tx, userID)
	if err != nil {
		return money.Zero, err
	}
	next := current.Add(amount)
	if err := s.repo.SetAmount(ctx, tx, userID, next); err != nil {
		return money.Zero, err
	}
	return next, nil
}

// AdjustRecorded shifts the ecocup counter inside tx.
func (s *Service) AdjustRecorded(ctx context.Context, tx pgx.Tx, userID int64, delta int) (int, error) {
	return s.repo.AdjustRecordedProducts(ctx, tx, userID, delta)
}

package counter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ae-utbm/comptoir/internal/customer"
	"github.com/ae-utbm/comptoir/internal/money"
	"github.com/ae-utbm/comptoir/internal/notification"
	"github.com/ae-utbm/comptoir/internal/platform/db"
	"github.com/ae-utbm/comptoir/internal/shared"
)

// DefaultBank labels top-ups where the operator did not pick a bank.
const DefaultBank = "OTHER"

// RefillInput describes one account top-up.
type RefillInput struct {
	CounterID     int64
	CustomerID    int64
	OperatorID    int64
	Amount        money.Money
	PaymentMethod PaymentMethod
	Bank          string
	// FromGateway marks a top-up created by the payment callback, the
	// only path allowed to use the CARD method.
	FromGateway bool
	Now         time.Time
}

// RefillService credits customer accounts and keeps the matching
// append-only history.
type RefillService struct {
	runner    db.Runner
	repo      Repository
	customers *customer.Service
	notifier  Notifier
	audit     *shared.AuditLogger
	logger    *slog.Logger
}

// NewRefillService constructs the service.
func NewRefillService(runner db.Runner, repo Repository, customers *customer.Service, notifier Notifier, audit *shared.AuditLogger, logger *slog.Logger) *RefillService {
	return &RefillService{
		runner:    runner,
		repo:      repo,
		customers: customers,
		notifier:  notifier,
		audit:     audit,
		logger:    logger,
	}
}

// Refill credits the customer and records the top-up in one transaction.
// Counter staff may take cash or checks; card payments only ever arrive
// through the online payment callback.
func (s *RefillService) Refill(ctx context.Context, in RefillInput) (*Refilling, error) {
	switch in.PaymentMethod {
	case MethodCash, MethodCheck:
	case MethodCard:
		if !in.FromGateway {
			return nil, fmt.Errorf("%w: card top-ups come from the payment gateway", ErrRefillMethod)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrRefillMethod, in.PaymentMethod)
	}
	if !in.Amount.IsPositive() {
		return nil, customer.ErrNegativeAmount
	}
	bank := in.Bank
	if bank == "" {
		bank = DefaultBank
	}

	var created *Refilling
	err := s.runner.RunTx(ctx, func(tx pgx.Tx) error {
		if _, err := s.customers.Credit(ctx, tx, in.CustomerID, in.Amount); err != nil {
			return err
		}
		rf, err := s.repo.InsertRefilling(ctx, tx, &Refilling{
			CounterID:     in.CounterID,
			CustomerID:    in.CustomerID,
			OperatorID:    in.OperatorID,
			Amount:        in.Amount,
			PaymentMethod: in.PaymentMethod,
			Bank:          bank,
			Date:          in.Now,
			IsValidated:   true,
		})
		if err != nil {
			return err
		}
		created = rf
		return nil
	})
	if err != nil {
		return nil, err
	}

	msg := fmt.Sprintf("Your account was credited with %s", in.Amount)
	if err := s.notifier.Notify(ctx, in.CustomerID, notification.KindRefilling, msg); err != nil {
		s.logger.Warn("refilling notification", slog.Any("error", err))
	}
	return created, nil
}

// DeleteRefilling reverses a top-up by debiting the credited amount back.
// When the customer already spent the money the reversal is refused rather
// than driving the balance negative.
func (s *RefillService) DeleteRefilling(ctx context.Context, actorID, refillingID int64) error {
	rf, err := s.repo.GetRefilling(ctx, refillingID)
	if err != nil {
		return err
	}

	err = s.runner.RunTx(ctx, func(tx pgx.Tx) error {
		if _, err := s.customers.Debit(ctx, tx, rf.CustomerID, rf.Amount); err != nil {
			if errors.Is(err, customer.ErrInsufficientFunds) {
				return fmt.Errorf("%w: refilling %d already spent", ErrBalanceRollback, refillingID)
			}
			return err
		}
		return s.repo.DeleteRefilling(ctx, tx, refillingID)
	})
	if err != nil {
		return err
	}

	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "refilling.delete",
			Entity:   "refilling",
			EntityID: fmt.Sprintf("%d", refillingID),
			Meta: map[string]any{
				"customer_id": rf.CustomerID,
				"debited":     rf.Amount.String(),
			},
		}); err != nil {
			s.logger.Warn("audit refilling deletion", slog.Any("error", err))
		}
	}
	return nil
}

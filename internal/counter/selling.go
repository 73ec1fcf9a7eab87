package counter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ae-utbm/comptoir/internal/auth"
	"github.com/ae-utbm/comptoir/internal/catalog"
	"github.com/ae-utbm/comptoir/internal/customer"
	"github.com/ae-utbm/comptoir/internal/money"
	"github.com/ae-utbm/comptoir/internal/notification"
	"github.com/ae-utbm/comptoir/internal/platform/db"
	"github.com/ae-utbm/comptoir/internal/shared"
	"github.com/ae-utbm/comptoir/internal/subscription"
)

// SubscriptionActivator is the port to the subscription service. Activate
// runs inside the sale's transaction so the membership and the payment
// commit or roll back together.
type SubscriptionActivator interface {
	IsSubscriptionProduct(productID int64) (string, bool)
	Activate(ctx context.Context, tx pgx.Tx, in subscription.ActivateInput) (*subscription.Subscription, error)
}

// Notifier is the port to the notification service.
type Notifier interface {
	Notify(ctx context.Context, userID int64, kind notification.Kind, message string) error
}

// EngineConfig carries the injected product ids and limits of the engine.
type EngineConfig struct {
	// EcocupConsProductID and EcocupDecoProductID are the deposit and
	// refund products of the returnable-cup scheme.
	EcocupConsProductID int64
	EcocupDecoProductID int64
	// EcocupLimit bounds how far refunds may outrun deposits.
	EcocupLimit int
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.EcocupLimit <= 0 {
		c.EcocupLimit = 3
	}
	return c
}

// SellingEngine commits baskets: it re-checks policies, debits the ledger
// and writes the sales history in one transaction, then emits side effects.
type SellingEngine struct {
	runner    db.Runner
	repo      Repository
	customers *customer.Service
	catalog   *catalog.Service
	subs      SubscriptionActivator
	notifier  Notifier
	audit     *shared.AuditLogger
	cfg       EngineConfig
	logger    *slog.Logger
}

// NewSellingEngine constructs the engine.
func NewSellingEngine(runner db.Runner, repo Repository, customers *customer.Service, cat *catalog.Service, subs SubscriptionActivator, notifier Notifier, audit *shared.AuditLogger, cfg EngineConfig, logger *slog.Logger) *SellingEngine {
	return &SellingEngine{
		runner:    runner,
		repo:      repo,
		customers: customers,
		catalog:   cat,
		subs:      subs,
		notifier:  notifier,
		audit:     audit,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// CommitInput describes one basket commit.
type CommitInput struct {
	Counter       *catalog.Counter
	Customer      *auth.User
	BarmanID      int64
	Basket        *Basket
	PaymentMethod PaymentMethod
	Now           time.Time
}

// Commit atomically turns a basket into sales. Preconditions are re-checked
// inside the call so a product archived or re-gated since the basket was
// composed still blocks the sale. On any failure nothing is written and the
// balance is unchanged.
func (e *SellingEngine) Commit(ctx context.Context, in CommitInput) (*Receipt, error) {
	if len(in.Basket.Lines) == 0 {
		return nil, ErrEmptyBasket
	}
	method := in.PaymentMethod
	if method == "" {
		method = MethodAccount
	}

	// TOCTOU defense: availability, archived, age and group gates are
	// re-evaluated against current catalog state.
	products := make(map[int64]*catalog.Product, len(in.Basket.Lines))
	for _, line := range in.Basket.Lines {
		p, err := e.catalog.CheckPurchasable(ctx, in.Counter.ID, line.ProductID, in.Customer, in.Now)
		if err != nil {
			return nil, err
		}
		products[line.ProductID] = p
	}

	total := in.Basket.Total()
	receipt := &Receipt{Total: total}

	err := e.runner.RunTx(ctx, func(tx pgx.Tx) error {
		receipt.Sellings = receipt.Sellings[:0]
		receipt.ActivatedSubscription = false

		// The row lock taken here serializes every balance writer for
		// this customer; the funds check happens under it. A basket of
		// returnable-cup refunds can total negative, which credits.
		var remaining money.Money
		var err error
		if total.IsNegative() {
			remaining, err = e.customers.Credit(ctx, tx, in.Customer.ID, total.Neg())
		} else {
			remaining, err = e.customers.Debit(ctx, tx, in.Customer.ID, total)
		}
		if err != nil {
			return err
		}
		receipt.RemainingBalance = remaining

		for _, line := range in.Basket.Lines {
			p := products[line.ProductID]
			// Tray bonus units go on a separate zero-price row so the
			// history still sums to the debited amount.
			charged := chargedQuantity(line)
			rows := []Selling{{Quantity: charged, UnitPrice: line.UnitPrice}}
			if free := line.Quantity - charged; free > 0 {
				rows = append(rows, Selling{Quantity: free, UnitPrice: money.Zero})
			}
			for _, row := range rows {
				if row.Quantity == 0 {
					continue
				}
				row.CounterID = in.Counter.ID
				row.ClubID = p.ClubID
				row.SellerID = in.BarmanID
				row.CustomerID = in.Customer.ID
				row.Label = p.Name
				row.ProductID = p.ID
				row.Date = in.Now
				row.PaymentMethod = method
				sold, err := e.repo.InsertSelling(ctx, tx, &row)
				if err != nil {
					return err
				}
				receipt.Sellings = append(receipt.Sellings, *sold)
			}

			if err := e.applyEcocup(ctx, tx, in.Customer.ID, p.ID, line.Quantity); err != nil {
				return err
			}
			// Activation shares the sale's transaction: a sold
			// subscription product either extends the membership or
			// rolls the debit back with everything else.
			if _, ok := e.subs.IsSubscriptionProduct(p.ID); ok {
				if _, err := e.subs.Activate(ctx, tx, subscription.ActivateInput{
					MemberID:      in.Customer.ID,
					ProductID:     p.ID,
					PaymentMethod: string(method),
					Location:      in.Counter.Name,
					Now:           in.Now,
				}); err != nil {
					return fmt.Errorf("activate subscription %d: %w", p.ID, err)
				}
				receipt.ActivatedSubscription = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.notifySale(ctx, in, receipt)
	return receipt, nil
}

// applyEcocup maintains the returnable-cup counter. Deposits increment it;
// refunds decrement it down to -limit, beyond which the sale fails and the
// transaction rolls back.
func (e *SellingEngine) applyEcocup(ctx context.Context, tx pgx.Tx, customerID, productID int64, quantity int) error {
	switch productID {
	case e.cfg.EcocupConsProductID:
		_, err := e.customers.AdjustRecorded(ctx, tx, customerID, quantity)
		return err
	case e.cfg.EcocupDecoProductID:
		value, err := e.customers.AdjustRecorded(ctx, tx, customerID, -quantity)
		if err != nil {
			return err
		}
		if value < -e.cfg.EcocupLimit {
			return fmt.Errorf("%w: would reach %d", ErrEcocupLimit, value)
		}
		return nil
	default:
		return nil
	}
}

func (e *SellingEngine) notifySale(ctx context.Context, in CommitInput, receipt *Receipt) {
	var parts []string
	for _, l := range in.Basket.Lines {
		parts = append(parts, fmt.Sprintf("%d x %s", l.Quantity, l.Name))
	}
	msg := fmt.Sprintf("You bought %s for %s", strings.Join(parts, ", "), receipt.Total)
	if err := e.notifier.Notify(ctx, in.Customer.ID, notification.KindSelling, msg); err != nil {
		e.logger.Warn("selling notification", slog.Any("error", err))
	}
	if receipt.ActivatedSubscription {
		if err := e.notifier.Notify(ctx, in.Customer.ID, notification.KindWelcome, "Welcome to the association!"); err != nil {
			e.logger.Warn("welcome notification", slog.Any("error", err))
		}
	}
}

// DeleteSelling reverses one sale: the customer is credited back and the
// history line removed, in one transaction. When the sold product was a
// subscription product the response flags the subscription for operator
// review; it is never cancelled automatically.
func (e *SellingEngine) DeleteSelling(ctx context.Context, actorID, sellingID int64) (subscriptionReview bool, err error) {
	sold, err := e.repo.GetSelling(ctx, sellingID)
	if err != nil {
		return false, err
	}

	err = e.runner.RunTx(ctx, func(tx pgx.Tx) error {
		refund := sold.Total()
		var err error
		if refund.IsNegative() {
			_, err = e.customers.Debit(ctx, tx, sold.CustomerID, refund.Neg())
		} else if refund.IsPositive() {
			_, err = e.customers.Credit(ctx, tx, sold.CustomerID, refund)
		}
		if err != nil {
			return err
		}
		return e.repo.DeleteSelling(ctx, tx, sellingID)
	})
	if err != nil {
		return false, err
	}

	if e.audit != nil {
		if err := e.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "selling.delete",
			Entity:   "selling",
			EntityID: fmt.Sprintf("%d", sellingID),
			Meta: map[string]any{
				"customer_id": sold.CustomerID,
				"refunded":    sold.Total().String(),
			},
		}); err != nil {
			e.logger.Warn("audit selling deletion", slog.Any("error", err))
		}
	}

	_, isSub := e.subs.IsSubscriptionProduct(sold.ProductID)
	return isSub, nil
}

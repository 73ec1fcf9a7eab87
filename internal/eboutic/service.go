package eboutic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ae-utbm/comptoir/internal/auth"
	"github.com/ae-utbm/comptoir/internal/catalog"
	"github.com/ae-utbm/comptoir/internal/counter"
	"github.com/ae-utbm/comptoir/internal/customer"
	"github.com/ae-utbm/comptoir/internal/notification"
	"github.com/ae-utbm/comptoir/internal/platform/db"
	"github.com/ae-utbm/comptoir/internal/shared"
	"github.com/ae-utbm/comptoir/internal/subscription"
)

const basketSessionKey = "eboutic:basket"

// StatusApproved is the gateway status that validates an invoice.
const StatusApproved = "APPROVED"

// Config carries the online store knobs.
type Config struct {
	// CounterID is the virtual EBOUTIC counter sales are recorded under.
	CounterID int64
	// RefillingTypeID marks the product type whose purchase credits the
	// prepaid account instead of recording a sale.
	RefillingTypeID     int64
	EcocupConsProductID int64
	EcocupDecoProductID int64
	EcocupLimit         int
	GatewayURL          string
	Site                string
	Rang                string
	Identifiant         string
}

// Service runs the online store: session baskets, checkout, and the
// payment callback that materializes approved invoices.
type Service struct {
	repo      Repository
	runner    db.Runner
	counters  counter.Repository
	customers *customer.Service
	catalog   *catalog.Service
	subs      counter.SubscriptionActivator
	notifier  counter.Notifier
	signer    *Signer
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs the online store service.
func NewService(repo Repository, runner db.Runner, counters counter.Repository, customers *customer.Service, cat *catalog.Service, subs counter.SubscriptionActivator, notifier counter.Notifier, signer *Signer, cfg Config, logger *slog.Logger) *Service {
	if cfg.EcocupLimit <= 0 {
		cfg.EcocupLimit = 3
	}
	return &Service{
		repo:      repo,
		runner:    runner,
		counters:  counters,
		customers: customers,
		catalog:   cat,
		subs:      subs,
		notifier:  notifier,
		signer:    signer,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// LoadBasket reads the session basket, empty when none exists.
func (s *Service) LoadBasket(sess *shared.Session) (*Basket, error) {
	raw := sess.Get(basketSessionKey)
	if raw == "" {
		return &Basket{}, nil
	}
	var b Basket
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Service) saveBasket(sess *shared.Session, b *Basket) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	sess.Set(basketSessionKey, string(data))
	return nil
}

// AddItem puts quantity units of the product in the basket at the current
// selling price, merging with an existing line of the same product.
func (s *Service) AddItem(ctx context.Context, sess *shared.Session, user *auth.User, productID int64, quantity int) (*Basket, error) {
	if quantity < 1 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrBadPayload)
	}
	p, err := s.catalog.CheckPurchasable(ctx, s.cfg.CounterID, productID, user, s.now())
	if err != nil {
		return nil, err
	}

	basket, err := s.LoadBasket(sess)
	if err != nil {
		return nil, err
	}
	merged := false
	for i := range basket.Items {
		if basket.Items[i].ProductID == p.ID {
			basket.Items[i].Quantity += quantity
			merged = true
			break
		}
	}
	if !merged {
		basket.Items = append(basket.Items, BasketItem{
			ProductID: p.ID,
			Name:      p.Name,
			TypeID:    p.TypeID,
			UnitPrice: p.SellingPrice,
			Quantity:  quantity,
		})
	}
	return basket, s.saveBasket(sess, basket)
}

// RemoveItem drops a product line from the basket.
func (s *Service) RemoveItem(sess *shared.Session, productID int64) (*Basket, error) {
	basket, err := s.LoadBasket(sess)
	if err != nil {
		return nil, err
	}
	for i := range basket.Items {
		if basket.Items[i].ProductID == productID {
			basket.Items = append(basket.Items[:i], basket.Items[i+1:]...)
			return basket, s.saveBasket(sess, basket)
		}
	}
	return nil, ErrNotFound
}

// ClearBasket empties the session basket.
func (s *Service) ClearBasket(sess *shared.Session) {
	sess.Delete(basketSessionKey)
}

// SaveBillingInfo upserts the user's billing info.
func (s *Service) SaveBillingInfo(ctx context.Context, info *BillingInfo) error {
	return s.repo.UpsertBillingInfo(ctx, info)
}

// BillingInfoFor fetches the user's billing info.
func (s *Service) BillingInfoFor(ctx context.Context, userID int64) (*BillingInfo, error) {
	return s.repo.GetBillingInfo(ctx, userID)
}

// PaymentForm is everything the browser needs to post to the gateway.
type PaymentForm struct {
	GatewayURL  string `json:"gateway_url"`
	Site        string `json:"site"`
	Rang        string `json:"rang"`
	Identifiant string `json:"identifiant"`
	Payload     string `json:"payload"`
	Signature   string `json:"signature"`
	Total       string `json:"total"`
}

// Checkout freezes the basket into an unvalidated invoice and returns the
// signed gateway form. The basket stays in the session until the callback
// confirms payment; re-checkout supersedes the previous invoice.
func (s *Service) Checkout(ctx context.Context, sess *shared.Session, user *auth.User) (*PaymentForm, error) {
	basket, err := s.LoadBasket(sess)
	if err != nil {
		return nil, err
	}
	if len(basket.Items) == 0 {
		return nil, ErrEmptyBasket
	}
	if _, err := s.repo.GetBillingInfo(ctx, user.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNoBillingInfo
		}
		return nil, err
	}

	now := s.now()
	inv := &Invoice{UserID: user.ID, Date: now}
	for _, it := range basket.Items {
		// Prices were frozen at add time; availability is re-checked here
		// so an archived product cannot reach the gateway.
		if _, err := s.catalog.CheckPurchasable(ctx, s.cfg.CounterID, it.ProductID, user, now); err != nil {
			return nil, err
		}
		inv.Items = append(inv.Items, InvoiceItem{
			ProductID: it.ProductID,
			Name:      it.Name,
			TypeID:    it.TypeID,
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
		})
	}

	created, err := s.repo.CreateInvoice(ctx, inv)
	if err != nil {
		return nil, err
	}

	payload := Canonical(created)
	return &PaymentForm{
		GatewayURL:  s.cfg.GatewayURL,
		Site:        s.cfg.Site,
		Rang:        s.cfg.Rang,
		Identifiant: s.cfg.Identifiant,
		Payload:     payload,
		Signature:   s.signer.Sign(payload),
		Total:       created.Total().String(),
	}, nil
}

// CallbackInput is the gateway's return call.
type CallbackInput struct {
	Payload          string `json:"payload" validate:"required"`
	Signature        string `json:"signature" validate:"required"`
	GatewayStatus    string `json:"gateway_status" validate:"required"`
	GatewaySignature string `json:"gateway_signature" validate:"required"`
}

// CallbackResult reports what the callback did.
type CallbackResult struct {
	InvoiceID int64 `json:"invoice_id"`
	Approved  bool  `json:"approved"`
	Replayed  bool  `json:"replayed"`
}

var errAlreadyDone = errors.New("eboutic: validated concurrently")

// HandleCallback verifies both signatures, then validates the invoice and
// materializes its items exactly once. Replays of an already-validated
// payload succeed without side effects.
func (s *Service) HandleCallback(ctx context.Context, in CallbackInput) (*CallbackResult, error) {
	if err := s.signer.Verify(in.Payload, in.Signature); err != nil {
		return nil, err
	}
	// The gateway signs the payload together with its status so an
	// APPROVED signature cannot be replayed onto another invoice.
	if err := s.signer.VerifyGateway([]byte(in.Payload+":"+in.GatewayStatus), in.GatewaySignature); err != nil {
		return nil, err
	}

	invoiceID, err := parsePayload(in.Payload)
	if err != nil {
		return nil, err
	}
	inv, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if Canonical(inv) != in.Payload {
		return nil, ErrBadPayload
	}

	result := &CallbackResult{InvoiceID: inv.ID}
	if inv.Validated {
		result.Approved = true
		result.Replayed = true
		return result, nil
	}

	if in.GatewayStatus != StatusApproved {
		s.logger.Info("payment rejected by gateway",
			slog.Int64("invoice_id", inv.ID),
			slog.String("status", in.GatewayStatus))
		if err := s.notifier.Notify(ctx, inv.UserID, notification.KindPaymentFailed, "Your online payment was not accepted"); err != nil {
			s.logger.Warn("payment failure notification", slog.Any("error", err))
		}
		return result, nil
	}

	err = s.runner.RunTx(ctx, func(tx pgx.Tx) error {
		changed, err := s.repo.MarkValidated(ctx, tx, inv.ID)
		if err != nil {
			return err
		}
		if !changed {
			return errAlreadyDone
		}
		for _, it := range inv.Items {
			if err := s.materialize(ctx, tx, inv, it); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, errAlreadyDone) {
		result.Approved = true
		result.Replayed = true
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	result.Approved = true

	s.notifySale(ctx, inv)
	return result, nil
}

// materialize converts one invoice item: refilling products credit the
// prepaid account, everything else becomes a card sale. The card already
// paid for the goods, so regular sales never touch the balance.
func (s *Service) materialize(ctx context.Context, tx pgx.Tx, inv *Invoice, it InvoiceItem) error {
	if it.TypeID == s.cfg.RefillingTypeID {
		amount := it.UnitPrice.MulInt(it.Quantity)
		if _, err := s.customers.Credit(ctx, tx, inv.UserID, amount); err != nil {
			return err
		}
		_, err := s.counters.InsertRefilling(ctx, tx, &counter.Refilling{
			CounterID:     s.cfg.CounterID,
			CustomerID:    inv.UserID,
			OperatorID:    inv.UserID,
			Amount:        amount,
			PaymentMethod: counter.MethodCard,
			Bank:          counter.DefaultBank,
			Date:          inv.Date,
			IsValidated:   true,
		})
		return err
	}

	clubID := int64(0)
	if p, err := s.catalog.GetProduct(ctx, it.ProductID); err == nil {
		clubID = p.ClubID
	}
	if _, err := s.counters.InsertSelling(ctx, tx, &counter.Selling{
		CounterID:     s.cfg.CounterID,
		ClubID:        clubID,
		SellerID:      inv.UserID,
		CustomerID:    inv.UserID,
		Label:         it.Name,
		ProductID:     it.ProductID,
		UnitPrice:     it.UnitPrice,
		Quantity:      it.Quantity,
		Date:          inv.Date,
		PaymentMethod: counter.MethodCard,
	}); err != nil {
		return err
	}

	switch it.ProductID {
	case s.cfg.EcocupConsProductID:
		if _, err := s.customers.AdjustRecorded(ctx, tx, inv.UserID, it.Quantity); err != nil {
			return err
		}
	case s.cfg.EcocupDecoProductID:
		value, err := s.customers.AdjustRecorded(ctx, tx, inv.UserID, -it.Quantity)
		if err != nil {
			return err
		}
		if value < -s.cfg.EcocupLimit {
			return fmt.Errorf("%w: would reach %d", counter.ErrEcocupLimit, value)
		}
	}

	// Activation shares the invoice transaction: a failed activation
	// rolls the whole materialization back and the callback reports an
	// error, so the gateway retries instead of leaving a paid but
	// unextended membership.
	if _, ok := s.subs.IsSubscriptionProduct(it.ProductID); ok {
		if _, err := s.subs.Activate(ctx, tx, subscription.ActivateInput{
			MemberID:      inv.UserID,
			ProductID:     it.ProductID,
			PaymentMethod: string(counter.MethodEboutic),
			Location:      "EBOUTIC",
			Now:           inv.Date,
		}); err != nil {
			return fmt.Errorf("activate subscription %d: %w", it.ProductID, err)
		}
	}
	return nil
}

func (s *Service) notifySale(ctx context.Context, inv *Invoice) {
	var parts []string
	for _, it := range inv.Items {
		parts = append(parts, fmt.Sprintf("%d x %s", it.Quantity, it.Name))
	}
	msg := fmt.Sprintf("You bought %s for %s", strings.Join(parts, ", "), inv.Total())
	if err := s.notifier.Notify(ctx, inv.UserID, notification.KindSelling, msg); err != nil {
		s.logger.Warn("selling notification", slog.Any("error", err))
	}
}

// Package counter implements the till: barman permanencies, the typed
// command session, and the selling and refilling engines that move money
// on customer accounts.
package counter

import (
	"errors"
	"time"

	"github.com/ae-utbm/comptoir/internal/catalog"
	"github.com/ae-utbm/comptoir/internal/money"
)

// PaymentMethod enumerates how money entered or left an account.
type PaymentMethod string

const (
	MethodCash    PaymentMethod = "CASH"
	MethodCard    PaymentMethod = "CARD"
	MethodCheck   PaymentMethod = "CHECK"
	MethodAccount PaymentMethod = "ACCOUNT"
	MethodEboutic PaymentMethod = "EBOUTIC"
)

// Permanency is the interval a barman spends on duty at a counter.
// EndAt nil means currently active.
type Permanency struct {
	ID           int64      `json:"id"`
	CounterID    int64      `json:"counter_id"`
	UserID       int64      `json:"user_id"`
	StartAt      time.Time  `json:"start_at"`
	EndAt        *time.Time `json:"end_at,omitempty"`
	LastActivity time.Time  `json:"last_activity"`
}

// Refilling is a credit operation on a customer account.
type Refilling struct {
	ID            int64         `json:"id"`
	CounterID     int64         `json:"counter_id"`
	CustomerID    int64         `json:"customer_id"`
	OperatorID    int64         `json:"operator_id"`
	Amount        money.Money   `json:"amount"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	Bank          string        `json:"bank"`
	Date          time.Time     `json:"date"`
	IsValidated   bool          `json:"is_validated"`
}

// Selling is one debit line in the append-only sales history.
type Selling struct {
	ID            int64         `json:"id"`
	CounterID     int64         `json:"counter_id"`
	ClubID        int64         `json:"club_id"`
	SellerID      int64         `json:"seller_id"`
	CustomerID    int64         `json:"customer_id"`
	Label         string        `json:"label"`
	ProductID     int64         `json:"product_id"`
	UnitPrice     money.Money   `json:"unit_price"`
	Quantity      int           `json:"quantity"`
	Date          time.Time     `json:"date"`
	PaymentMethod PaymentMethod `json:"payment_method"`
}

// Total returns unit price times quantity.
func (s *Selling) Total() money.Money {
	return s.UnitPrice.MulInt(s.Quantity)
}

// BasketLine is one line of an in-memory till basket. The unit price is
// frozen when the line is created.
type BasketLine struct {
	ID        int         `json:"id"`
	ProductID int64       `json:"product_id"`
	Code      string      `json:"code"`
	Name      string      `json:"name"`
	Quantity  int         `json:"quantity"`
	UnitPrice money.Money `json:"unit_price"`
	Tray      bool        `json:"tray"`
}

// Basket is the volatile state of one till session.
type Basket struct {
	CounterID  int64        `json:"counter_id"`
	CustomerID int64        `json:"customer_id"`
	BarmanID   int64        `json:"barman_id"`
	Lines      []BasketLine `json:"lines"`
	NextLineID int          `json:"next_line_id"`
}

// Total sums the basket lines, with the tray bonus (one free unit per full
// pack of six) already deducted.
func (b *Basket) Total() money.Money {
	total := money.Zero
	for _, l := range b.Lines {
		total = total.Add(l.UnitPrice.MulInt(chargedQuantity(l)))
	}
	return total
}

// chargedQuantity applies the tray bonus: every full pack of six units of a
// tray product includes one free unit.
func chargedQuantity(l BasketLine) int {
	if !l.Tray {
		return l.Quantity
	}
	return l.Quantity - l.Quantity/catalog.TrayUnits
}

// Sentinel errors of the till.
var (
	ErrNotFound         = errors.New("counter: not found")
	ErrNotASeller       = errors.New("counter: user is not a seller of this counter")
	ErrNotBoardMember   = errors.New("counter: user is not on the board of the owning club")
	ErrNotABarCounter   = errors.New("counter: barman login is only for bar and office counters")
	ErrInvalidToken     = errors.New("counter: invalid counter token")
	ErrNotActiveBarman  = errors.New("counter: caller has no open permanency")
	ErrUnknownCommand   = errors.New("counter: unknown command")
	ErrUnknownLine      = errors.New("counter: unknown basket line")
	ErrEmptyBasket      = errors.New("counter: empty basket")
	ErrEcocupLimit      = errors.New("counter: ecocup refund limit exceeded")
	ErrRefillMethod     = errors.New("counter: refilling method not allowed here")
	ErrBalanceRollback  = errors.New("counter: deletion would drive balance negative")
	ErrDuplicateRequest = errors.New("counter: request already processed")
)

// Receipt summarizes a committed basket.
type Receipt struct {
	Sellings              []Selling   `json:"sellings"`
	Total                 money.Money `json:"total"`
	RemainingBalance      money.Money `json:"remaining_balance"`
	ActivatedSubscription bool        `json:"activated_subscription"`
}

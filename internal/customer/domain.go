// Package customer holds the prepaid account attached to every member and
// the atomic debit/credit primitives the selling and refilling engines use.
package customer

import (
	"errors"
	"time"

	"github.com/ae-utbm/comptoir/internal/money"
)

// Customer is the prepaid account of one member. AccountID is the short
// public code (digits plus a letter) barmen type at the till.
type Customer struct {
	UserID           int64       `json:"user_id"`
	AccountID        string      `json:"account_id"`
	Amount           money.Money `json:"amount"`
	RecordedProducts int         `json:"recorded_products"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Sentinel errors of the ledger.
var (
	ErrNotFound          = errors.New("customer: not found")
	ErrInsufficientFunds = errors.New("customer: insufficient funds")
	ErrNegativeAmount    = errors.New("customer: negative operation amount")
)

// CanBuy reports whether the balance covers the given total.
func (c *Customer) CanBuy(total money.Money) bool {
	return !c.Amount.LessThan(total)
}

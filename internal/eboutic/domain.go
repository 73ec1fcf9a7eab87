package eboutic

import (
	"errors"
	"time"

	"github.com/ae-utbm/comptoir/internal/money"
)

// BasketItem is one line of the online basket. The unit price is frozen at
// the selling price when the item is added; there is no barman discount
// online.
type BasketItem struct {
	ProductID int64       `json:"product_id"`
	Name      string      `json:"name"`
	TypeID    int64       `json:"type_id"`
	UnitPrice money.Money `json:"unit_price"`
	Quantity  int         `json:"quantity"`
}

// Basket is the session-bound online basket.
type Basket struct {
	Items []BasketItem `json:"items"`
}

// Total sums the basket.
func (b *Basket) Total() money.Money {
	total := money.Zero
	for _, it := range b.Items {
		total = total.Add(it.UnitPrice.MulInt(it.Quantity))
	}
	return total
}

// Invoice is the persistent record of a checkout, validated by the payment
// callback.
type Invoice struct {
	ID        int64         `json:"id"`
	UserID    int64         `json:"user_id"`
	Date      time.Time     `json:"date"`
	Validated bool          `json:"validated"`
	Items     []InvoiceItem `json:"items"`
}

// Total sums the invoice items.
func (inv *Invoice) Total() money.Money {
	total := money.Zero
	for _, it := range inv.Items {
		total = total.Add(it.UnitPrice.MulInt(it.Quantity))
	}
	return total
}

// InvoiceItem is one frozen line of an invoice.
type InvoiceItem struct {
	ID        int64       `json:"id"`
	InvoiceID int64       `json:"invoice_id"`
	ProductID int64       `json:"product_id"`
	Name      string      `json:"name"`
	TypeID    int64       `json:"type_id"`
	UnitPrice money.Money `json:"unit_price"`
	Quantity  int         `json:"quantity"`
}

// BillingInfo must exist before checkout; the gateway requires it.
type BillingInfo struct {
	UserID    int64  `json:"user_id"`
	FirstName string `json:"first_name" validate:"required,max=64"`
	LastName  string `json:"last_name" validate:"required,max=64"`
	Address1  string `json:"address_1" validate:"required,max=128"`
	Address2  string `json:"address_2" validate:"max=128"`
	ZipCode   string `json:"zip_code" validate:"required,max=16"`
	City      string `json:"city" validate:"required,max=64"`
	Country   string `json:"country" validate:"required,iso3166_1_alpha2"`
}

// Sentinel errors of the online store.
var (
	ErrNotFound         = errors.New("eboutic: not found")
	ErrEmptyBasket      = errors.New("eboutic: empty basket")
	ErrNoBillingInfo    = errors.New("eboutic: billing info required before checkout")
	ErrBadSignature     = errors.New("eboutic: bad signature")
	ErrBadPayload       = errors.New("eboutic: malformed payment payload")
	ErrAlreadyValidated = errors.New("eboutic: invoice already validated")
)

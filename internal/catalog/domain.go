// Package catalog holds products, product types, clubs and counters, plus
// the availability and pricing rules the tills and the online shop share.
package catalog

import (
	"time"

	"github.com/ae-utbm/comptoir/internal/money"
)

// CounterType distinguishes the three kinds of tills.
type CounterType string

const (
	CounterBar     CounterType = "BAR"
	CounterOffice  CounterType = "OFFICE"
	CounterEboutic CounterType = "EBOUTIC"
)

// ProductType groups products for display ordering. One distinguished type,
// configured by id, marks refilling products: selling one credits the buyer
// instead of debiting them.
type ProductType struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Ordering    int       `json:"ordering"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Product is a sellable item.
type Product struct {
	ID             int64       `json:"id"`
	Name           string      `json:"name"`
	Code           string      `json:"code"`
	TypeID         int64       `json:"type_id"`
	TypeOrdering   int         `json:"-"`
	SellingPrice   money.Money `json:"selling_price"`
	PurchasePrice  money.Money `json:"purchase_price"`
	SpecialPrice   money.Money `json:"special_price"`
	Archived       bool        `json:"archived"`
	LimitAge       int         `json:"limit_age"`
	Tray           bool        `json:"tray"`
	Icon           *string     `json:"icon,omitempty"`
	ClubID         int64       `json:"club_id"`
	BuyingGroupIDs []int64     `json:"buying_group_ids"`
	Eticket        *string     `json:"eticket,omitempty"`
	IsSubscription bool        `json:"is_subscription"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// TrayUnits is the pack size granting the quantity bonus on tray products:
// every full pack of six earns one free unit.
const TrayUnits = 6

// Club owns counters and products and receives the proceeds of their sales.
type Club struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	UnixName  string    `json:"unix_name"`
	CreatedAt time.Time `json:"created_at"`
}

// Counter is a till: a physical bar, a club office or the online shop.
type Counter struct {
	ID         int64       `json:"id"`
	Name       string      `json:"name"`
	Type       CounterType `json:"type"`
	ClubID     int64       `json:"club_id"`
	SellerIDs  []int64     `json:"seller_ids"`
	ProductIDs []int64     `json:"product_ids"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// HasSeller reports whether the user may tend this counter.
func (c *Counter) HasSeller(userID int64) bool {
	for _, id := range c.SellerIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// CreateProductRequest is the admin payload for creating a product.
type CreateProductRequest struct {
	Name           string  `json:"name" validate:"required,max=64"`
	Code           string  `json:"code" validate:"required,max=16,alphanum"`
	TypeID         int64   `json:"type_id" validate:"required,gt=0"`
	SellingPrice   string  `json:"selling_price" validate:"required"`
	PurchasePrice  string  `json:"purchase_price" validate:"required"`
	SpecialPrice   string  `json:"special_price" validate:"required"`
	LimitAge       int     `json:"limit_age" validate:"oneof=0 18"`
	Tray           bool    `json:"tray"`
	Icon           *string `json:"icon,omitempty"`
	ClubID         int64   `json:"club_id" validate:"required,gt=0"`
	BuyingGroupIDs []int64 `json:"buying_group_ids" validate:"required,min=1"`
	Eticket        *string `json:"eticket,omitempty"`
	IsSubscription bool    `json:"is_subscription"`
}

// CreateProductTypeRequest is the admin payload for creating a product type.
type CreateProductTypeRequest struct {
	Name        string `json:"name" validate:"required,max=64"`
	Description string `json:"description" validate:"max=256"`
	Ordering    int    `json:"ordering" validate:"gte=0"`
}

// CreateCounterRequest is the admin payload for creating a counter.
type CreateCounterRequest struct {
	Name       string      `json:"name" validate:"required,max=64"`
	Type       CounterType `json:"type" validate:"required,oneof=BAR OFFICE EBOUTIC"`
	ClubID     int64       `json:"club_id" validate:"required,gt=0"`
	ProductIDs []int64     `json:"product_ids"`
	SellerIDs  []int64     `json:"seller_ids"`
}

// UpdateCounterRequest is the admin payload for updating a counter. The
// type is immutable; sales already recorded under it keep their meaning.
type UpdateCounterRequest struct {
	Name       *string  `json:"name,omitempty" validate:"omitempty,max=64"`
	ProductIDs *[]int64 `json:"product_ids,omitempty"`
	SellerIDs  *[]int64 `json:"seller_ids,omitempty"`
}

// UpdateProductRequest is the admin payload for updating a product.
type UpdateProductRequest struct {
	Name           *string  `json:"name,omitempty" validate:"omitempty,max=64"`
	SellingPrice   *string  `json:"selling_price,omitempty"`
	PurchasePrice  *string  `json:"purchase_price,omitempty"`
	SpecialPrice   *string  `json:"special_price,omitempty"`
	LimitAge       *int     `json:"limit_age,omitempty" validate:"omitempty,oneof=0 18"`
	Tray           *bool    `json:"tray,omitempty"`
	Archived       *bool    `json:"archived,omitempty"`
	BuyingGroupIDs *[]int64 `json:"buying_group_ids,omitempty" validate:"omitempty,min=1"`
}

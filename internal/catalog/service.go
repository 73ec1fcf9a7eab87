package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ae-utbm/comptoir/internal/auth"
	"github.com/ae-utbm/comptoir/internal/money"
)

// Sentinel errors for catalog rules.
var (
	ErrNotFound       = errors.New("catalog: not found")
	ErrUnknownCode    = errors.New("catalog: unknown product code")
	ErrArchived       = errors.New("catalog: product archived")
	ErrAgeGate        = errors.New("catalog: customer under age limit")
	ErrGroupGate      = errors.New("catalog: customer not in a buying group")
	ErrNotOnCounter   = errors.New("catalog: product not sold on this counter")
	ErrPriceInversion = errors.New("catalog: special price above selling price")
)

// AdultAge is the threshold age-gated products check against.
const AdultAge = 18

// Service implements availability and pricing queries.
type Service struct {
	repo Repository
}

// NewService constructs a Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// AvailableProducts returns the products the user may buy on the counter,
// ordered by (type ordering, product name). Archived products, products
// outside the user's buying groups and age-gated products for minors are
// filtered out.
func (s *Service) AvailableProducts(ctx context.Context, counterID int64, user *auth.User, now time.Time) ([]Product, error) {
	products, err := s.repo.CounterProducts(ctx, counterID)
	if err != nil {
		return nil, err
	}

	out := make([]Product, 0, len(products))
	for _, p := range products {
		if !s.passesGates(&p, user, now) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// CheckPurchasable re-validates one product against one user at commit time.
// The selling engine calls this inside its transaction as the TOCTOU guard.
func (s *Service) CheckPurchasable(ctx context.Context, counterID int64, productID int64, user *auth.User, now time.Time) (*Product, error) {
	p, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if p.Archived {
		return nil, fmt.Errorf("%w: %s", ErrArchived, p.Code)
	}
	onCounter, err := s.repo.ProductOnCounter(ctx, counterID, productID)
	if err != nil {
		return nil, err
	}
	if !onCounter {
		return nil, fmt.Errorf("%w: %s", ErrNotOnCounter, p.Code)
	}
	if p.LimitAge > 0 && user.Age(now) < AdultAge {
		return nil, fmt.Errorf("%w: %s", ErrAgeGate, p.Code)
	}
	if !inAnyGroup(user, p.BuyingGroupIDs) {
		return nil, fmt.Errorf("%w: %s", ErrGroupGate, p.Code)
	}
	return p, nil
}

// FindByCode resolves a typed product code among the counter's available
// products. Matching is case-insensitive over non-archived products.
func (s *Service) FindByCode(ctx context.Context, counterID int64, code string, user *auth.User, now time.Time) (*Product, error) {
	p, err := s.repo.GetProductByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCode, code)
		}
		return nil, err
	}
	return s.CheckPurchasable(ctx, counterID, p.ID, user, now)
}

// ResolvePrice picks the unit price for a line: the barman price when the
// buyer has an open permanency at this BAR counter, the selling price
// otherwise. Office and eboutic counters never discount.
func (s *Service) ResolvePrice(product *Product, counter *Counter, buyerID int64, activeBarmen map[int64]bool) money.Money {
	if counter.Type == CounterBar && activeBarmen[buyerID] {
		return product.SpecialPrice
	}
	return product.SellingPrice
}

// GetCounter fetches a counter.
func (s *Service) GetCounter(ctx context.Context, id int64) (*Counter, error) {
	return s.repo.GetCounter(ctx, id)
}

// GetProduct fetches a product.
func (s *Service) GetProduct(ctx context.Context, id int64) (*Product, error) {
	return s.repo.GetProduct(ctx, id)
}

// Clamp of the invariant special_price ≤ selling_price, checked when
// creating or updating products.
func validatePrices(selling, special money.Money) error {
	if selling.IsNegative() {
		return fmt.Errorf("catalog: negative selling price")
	}
	if special.Cmp(selling) > 0 {
		return ErrPriceInversion
	}
	return nil
}

// CreateProduct persists a new product after price validation.
func (s *Service) CreateProduct(ctx context.Context, req CreateProductRequest) (*Product, error) {
	selling, err := money.Parse(req.SellingPrice)
	if err != nil {
		return nil, err
	}
	purchase, err := money.Parse(req.PurchasePrice)
	if err != nil {
		return nil, err
	}
	special, err := money.Parse(req.SpecialPrice)
	if err != nil {
		return nil, err
	}
	if err := validatePrices(selling, special); err != nil {
		return nil, err
	}
	return s.repo.CreateProduct(ctx, req, selling, purchase, special)
}

// UpdateProduct applies a partial update after price validation.
func (s *Service) UpdateProduct(ctx context.Context, id int64, req UpdateProductRequest) (*Product, error) {
	current, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	selling := current.SellingPrice
	special := current.SpecialPrice
	if req.SellingPrice != nil {
		if selling, err = money.Parse(*req.SellingPrice); err != nil {
			return nil, err
		}
	}
	if req.SpecialPrice != nil {
		if special, err = money.Parse(*req.SpecialPrice); err != nil {
			return nil, err
		}
	}
	if err := validatePrices(selling, special); err != nil {
		return nil, err
	}
	return s.repo.UpdateProduct(ctx, id, req)
}

// CreateProductType persists a new display group.
func (s *Service) CreateProductType(ctx context.Context, req CreateProductTypeRequest) (*ProductType, error) {
	return s.repo.CreateProductType(ctx, req)
}

// CreateCounter persists a new counter.
func (s *Service) CreateCounter(ctx context.Context, req CreateCounterRequest) (*Counter, error) {
	return s.repo.CreateCounter(ctx, req)
}

// UpdateCounter applies a partial counter update.
func (s *Service) UpdateCounter(ctx context.Context, id int64, req UpdateCounterRequest) (*Counter, error) {
	return s.repo.UpdateCounter(ctx, id, req)
}

func (s *Service) passesGates(p *Product, user *auth.User, now time.Time) bool {
	if p.Archived {
		return false
	}
	if p.LimitAge > 0 && user.Age(now) < AdultAge {
		return false
	}
	return inAnyGroup(user, p.BuyingGroupIDs)
}

func inAnyGroup(user *auth.User, groupIDs []int64) bool {
	for _, g := range groupIDs {
		if user.InGroup(g) {
			return true
		}
	}
	return false
}

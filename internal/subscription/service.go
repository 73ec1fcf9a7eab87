package subscription

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// Config carries the injected knobs of the subscription rules.
type Config struct {
	// RenewalWindow is how long before the end of an ongoing subscription
	// a renewal chains onto it instead of restarting at a reference date.
	RenewalWindow time.Duration
	// ProductTypes maps subscription-bearing product ids to type names.
	ProductTypes map[int64]string
}

// DefaultRenewalWindow is ten weeks, per the association's rules.
const DefaultRenewalWindow = 10 * 7 * 24 * time.Hour

// Service computes and persists subscriptions.
type Service struct {
	repo Repository
	cfg  Config
}

// NewService constructs a Service.
func NewService(repo Repository, cfg Config) *Service {
	if cfg.RenewalWindow == 0 {
		cfg.RenewalWindow = DefaultRenewalWindow
	}
	return &Service{repo: repo, cfg: cfg}
}

// IsSubscriptionProduct reports whether the product id activates a
// subscription, and with which type.
func (s *Service) IsSubscriptionProduct(productID int64) (string, bool) {
	name, ok := s.cfg.ProductTypes[productID]
	return name, ok
}

// ComputeStart returns the start date of a new subscription bought today:
// the most recent semester reference date (15 Feb / 15 Aug) not after
// today. When the member still has an ongoing subscription and today falls
// inside the renewal window, the new one chains at the old end instead.
func (s *Service) ComputeStart(today time.Time, current *Subscription) time.Time {
	if current != nil && current.End.After(today) && !today.Before(current.End.Add(-s.cfg.RenewalWindow)) {
		return current.End
	}
	return lastReferenceDate(today)
}

// ComputeEnd adds the duration to the start. Semester counts move in
// six-month steps so reference-date starts land on the opposite reference
// date; the exotic durations use their fixed month or year spans.
func ComputeEnd(start time.Time, d Duration) time.Time {
	switch {
	case d.Semesters > 0:
		return start.AddDate(0, 6*d.Semesters, 0)
	case d.Months > 0:
		return start.AddDate(0, d.Months, 0)
	case d.Years > 0:
		return start.AddDate(d.Years, 0, 0)
	default:
		return start
	}
}

func lastReferenceDate(today time.Time) time.Time {
	year := today.Year()
	autumn := time.Date(year, autumnMonth, refDay, 0, 0, 0, 0, today.Location())
	spring := time.Date(year, springMonth, refDay, 0, 0, 0, 0, today.Location())
	switch {
	case !today.Before(autumn):
		return autumn
	case !today.Before(spring):
		return spring
	default:
		return time.Date(year-1, autumnMonth, refDay, 0, 0, 0, 0, today.Location())
	}
}

// ActivateInput describes one activation request.
type ActivateInput struct {
	MemberID      int64
	ProductID     int64
	PaymentMethod string
	Location      string
	Now           time.Time
}

// Activate inserts the subscription a product purchase grants, inside the
// caller's transaction so it commits or rolls back with the payment. It is
// idempotent per (member, product, day): a second activation the same day
// returns the already-created record.
func (s *Service) Activate(ctx context.Context, tx pgx.Tx, in ActivateInput) (*Subscription, error) {
	typeName, ok := s.IsSubscriptionProduct(in.ProductID)
	if !ok {
		return nil, ErrUnknownType
	}
	duration, err := DurationOf(typeName)
	if err != nil {
		return nil, err
	}

	if existing, err := s.repo.FindCreatedOn(ctx, tx, in.MemberID, typeName, in.Now); err == nil {
		return existing, nil
	} else if err != ErrNotFound {
		return nil, err
	}

	current, err := s.repo.Latest(ctx, in.MemberID)
	if err != nil && err != ErrNotFound {
		return nil, err
	}

	start := s.ComputeStart(in.Now, current)
	sub := &Subscription{
		MemberID:      in.MemberID,
		Type:          typeName,
		Start:         start,
		End:           ComputeEnd(start, duration),
		PaymentMethod: in.PaymentMethod,
		Location:      in.Location,
		CreatedAt:     in.Now,
	}
	return s.repo.Create(ctx, tx, sub)
}

// HasActiveSubscription reports whether the member is covered at the given
// instant. Implements the auth.SubscriptionChecker port.
func (s *Service) HasActiveSubscription(ctx context.Context, userID int64, at time.Time) (bool, error) {
	latest, err := s.repo.Latest(ctx, userID)
	if err != nil {
		if err == ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return latest.Active(at), nil
}

// Latest returns the member's most recent subscription.
func (s *Service) Latest(ctx context.Context, userID int64) (*Subscription, error) {
	return s.repo.Latest(ctx, userID)
}

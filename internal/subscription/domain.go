// Package subscription computes membership periods and activates them when
// a subscription-bearing product is sold.
package subscription

import (
	"errors"
	"time"
)

// Subscription is a time-bounded membership record.
type Subscription struct {
	ID            int64     `json:"id"`
	MemberID      int64     `json:"member_id"`
	Type          string    `json:"subscription_type"`
	Start         time.Time `json:"subscription_start"`
	End           time.Time `json:"subscription_end"`
	PaymentMethod string    `json:"payment_method"`
	Location      string    `json:"location"`
	CreatedAt     time.Time `json:"created_at"`
}

// Duration describes how long a subscription type lasts. Most types count
// in semesters; the exotic ones carry a fixed month or year span instead.
type Duration struct {
	Semesters int
	Months    int
	Years     int
}

// The rule table of the known subscription types.
var durations = map[string]Duration{
	"un-semestre":         {Semesters: 1},
	"deux-semestres":      {Semesters: 2},
	"cursus-tronc-commun": {Semesters: 4},
	"cursus-branche":      {Semesters: 6},
	"deux-mois-essai":     {Months: 2},
	"membre-honoraire":    {Years: 100},
}

// Sentinel errors.
var (
	ErrNotFound    = errors.New("subscription: not found")
	ErrUnknownType = errors.New("subscription: unknown subscription type")
)

// DurationOf resolves the rule table entry for a type name.
func DurationOf(typeName string) (Duration, error) {
	d, ok := durations[typeName]
	if !ok {
		return Duration{}, ErrUnknownType
	}
	return d, nil
}

// Reference dates: semesters start on 15 Feb and 15 Aug.
const (
	springMonth = time.February
	autumnMonth = time.August
	refDay      = 15
)

// Active reports whether the subscription covers the given instant.
func (s *Subscription) Active(at time.Time) bool {
	return !at.Before(s.Start) && at.Before(s.End)
}

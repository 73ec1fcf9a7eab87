// Package notification records the per-member notifications the selling
// and payment flows emit.
package notification

import (
	"errors"
	"time"
)

// Kind classifies a notification.
type Kind string

const (
	KindSelling       Kind = "SELLING"
	KindRefilling     Kind = "REFILLING"
	KindWelcome       Kind = "WELCOME"
	KindPaymentFailed Kind = "PAYMENT_FAILED"
)

// Notification is one message shown to a member.
type Notification struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	Viewed    bool      `json:"viewed"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrNotFound indicates a missing notification.
var ErrNotFound = errors.New("notification: not found")

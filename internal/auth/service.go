package auth

import (
	"context"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ae-utbm/comptoir/internal/shared"
)

// SubscriptionChecker reports whether a member currently holds an active
// subscription. Wired to the subscription service at startup.
type SubscriptionChecker interface {
	HasActiveSubscription(ctx context.Context, userID int64, at time.Time) (bool, error)
}

// Service wraps authentication and capability rules.
type Service struct {
	repo          Repository
	subscriptions SubscriptionChecker
}

// NewService constructs a new Service.
func NewService(repo Repository, subscriptions SubscriptionChecker) *Service {
	return &Service{repo: repo, subscriptions: subscriptions}
}

// Authenticate validates username/password credentials. Every failure mode
// collapses into ErrInvalidCredentials so callers cannot probe accounts.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*User, error) {
	user, err := s.repo.FindByUsername(ctx, username)
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// GetUser fetches a user by id.
func (s *Service) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.repo.FindByID(ctx, id)
}

// Caller builds the request principal for a logged-in user.
func (s *Service) Caller(ctx context.Context, userID int64) (shared.Caller, error) {
	perms, err := s.repo.UserPermissions(ctx, userID)
	if err != nil {
		return shared.Caller{}, err
	}
	return shared.Caller{UserID: userID, Perms: perms}, nil
}

// IsSubscribed reports whether the user holds an active subscription now.
func (s *Service) IsSubscribed(ctx context.Context, userID int64) (bool, error) {
	if s.subscriptions == nil {
		return false, nil
	}
	return s.subscriptions.HasActiveSubscription(ctx, userID, time.Now())
}

// IsBoardMemberOf reports whether the user sits on the board of the club.
func (s *Service) IsBoardMemberOf(ctx context.Context, userID, clubID int64) (bool, error) {
	ids, err := s.repo.BoardClubIDs(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == clubID {
			return true, nil
		}
	}
	return false, nil
}

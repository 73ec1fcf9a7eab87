package counter

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ae-utbm/comptoir/internal/auth"
	"github.com/ae-utbm/comptoir/internal/catalog"
	"github.com/ae-utbm/comptoir/internal/shared"
)

// DefaultInactivityTimeout is how long a barman may stay idle before the
// sweep logs them out.
const DefaultInactivityTimeout = 30 * time.Minute

// Authenticator validates barman credentials and club board membership.
// Satisfied by auth.Service.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*auth.User, error)
	IsBoardMemberOf(ctx context.Context, userID, clubID int64) (bool, error)
}

// Tracker maintains the counter -> active barmen map: permanency rows in
// postgres, tokens and activity clocks in redis.
type Tracker struct {
	repo    Repository
	cache   *redis.Client
	auth    Authenticator
	catalog *catalog.Service
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewTracker constructs a Tracker. A zero timeout falls back to the default.
func NewTracker(repo Repository, cache *redis.Client, authn Authenticator, cat *catalog.Service, timeout time.Duration, logger *slog.Logger) *Tracker {
	if timeout <= 0 {
		timeout = DefaultInactivityTimeout
	}
	return &Tracker{
		repo:    repo,
		cache:   cache,
		auth:    authn,
		catalog: cat,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

// LoginBarman authenticates the user, opens a Permanency and rotates the
// counter token. The returned token authenticates subsequent till requests.
func (t *Tracker) LoginBarman(ctx context.Context, counterID int64, username, password string) (string, error) {
	user, err := t.auth.Authenticate(ctx, username, password)
	if err != nil {
		return "", shared.ErrInvalidCredentials
	}

	c, err := t.catalog.GetCounter(ctx, counterID)
	if err != nil {
		return "", err
	}
	switch c.Type {
	case catalog.CounterEboutic:
		return "", ErrNotABarCounter
	case catalog.CounterOffice:
		// Office tills belong to the club board, not to a seller list.
		onBoard, err := t.auth.IsBoardMemberOf(ctx, user.ID, c.ClubID)
		if err != nil {
			return "", err
		}
		if !onBoard {
			return "", ErrNotBoardMember
		}
	default:
		if !c.HasSeller(user.ID) {
			return "", ErrNotASeller
		}
	}

	now := t.now()
	if err := t.repo.OpenPermanency(ctx, counterID, user.ID, now); err != nil {
		return "", err
	}

	token, err := generateToken()
	if err != nil {
		return "", err
	}
	// Token rotation serializes concurrent logins: last writer wins and
	// everyone re-reads the new token from their next response.
	if err := t.cache.Set(ctx, shared.CounterTokenKey(counterID), token, 0).Err(); err != nil {
		return "", err
	}
	if err := t.touch(ctx, counterID, user.ID, now); err != nil {
		return "", err
	}
	return token, nil
}

// LogoutBarman closes the caller's open Permanency.
func (t *Tracker) LogoutBarman(ctx context.Context, counterID, userID int64) error {
	now := t.now()
	if err := t.repo.ClosePermanency(ctx, counterID, userID, now); err != nil {
		return err
	}
	if err := t.cache.Del(ctx, shared.BarmanActivityKey(counterID, userID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		t.logger.Warn("drop activity clock", slog.Any("error", err))
	}
	return nil
}

// Heartbeat refreshes the caller's activity clock. Every authenticated till
// request counts as activity.
func (t *Tracker) Heartbeat(ctx context.Context, counterID, userID int64) error {
	return t.touch(ctx, counterID, userID, t.now())
}

// SweepTimeouts closes every open Permanency whose activity clock is older
// than the timeout, backdating the end to the last recorded activity.
// It is idempotent and safe to run concurrently.
func (t *Tracker) SweepTimeouts(ctx context.Context) error {
	open, err := t.repo.OpenPermanencies(ctx)
	if err != nil {
		return err
	}
	cutoff := t.now().Add(-t.timeout)
	for _, p := range open {
		last, err := t.lastActivity(ctx, p)
		if err != nil {
			return err
		}
		if last.After(cutoff) {
			continue
		}
		if err := t.repo.ClosePermanencyAt(ctx, p.ID, last); err != nil {
			return err
		}
		if err := t.cache.Del(ctx, shared.BarmanActivityKey(p.CounterID, p.UserID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
			t.logger.Warn("drop activity clock", slog.Any("error", err))
		}
		t.logger.Info("barman timed out",
			slog.Int64("counter_id", p.CounterID),
			slog.Int64("user_id", p.UserID),
			slog.Time("last_activity", last))
	}
	return nil
}

// ActiveBarmen returns the users with an open Permanency at the counter,
// after sweeping timeouts.
func (t *Tracker) ActiveBarmen(ctx context.Context, counterID int64) (map[int64]bool, error) {
	if err := t.SweepTimeouts(ctx); err != nil {
		return nil, err
	}
	ids, err := t.repo.ActiveBarmenIDs(ctx, counterID)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// Authorize checks a till request: the presented token must equal the
// counter's current token and the caller must be an active barman. On
// success the caller's activity clock is refreshed.
func (t *Tracker) Authorize(ctx context.Context, counterID, userID int64, token string) error {
	current, err := t.cache.Get(ctx, shared.CounterTokenKey(counterID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrInvalidToken
		}
		return err
	}
	if token == "" || token != current {
		return ErrInvalidToken
	}
	active, err := t.ActiveBarmen(ctx, counterID)
	if err != nil {
		return err
	}
	if !active[userID] {
		return ErrNotActiveBarman
	}
	return t.touch(ctx, counterID, userID, t.now())
}

// Timeout exposes the configured inactivity timeout.
func (t *Tracker) Timeout() time.Duration {
	return t.timeout
}

func (t *Tracker) touch(ctx context.Context, counterID, userID int64, at time.Time) error {
	return t.cache.Set(ctx, shared.BarmanActivityKey(counterID, userID), at.Format(time.RFC3339Nano), 0).Err()
}

// lastActivity falls back to the permanency start when the clock is gone,
// which closes permanencies orphaned by a cache flush.
func (t *Tracker) lastActivity(ctx context.Context, p Permanency) (time.Time, error) {
	raw, err := t.cache.Get(ctx, shared.BarmanActivityKey(p.CounterID, p.UserID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return p.StartAt, nil
		}
		return time.Time{}, err
	}
	last, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("counter: corrupt activity clock: %w", err)
	}
	return last, nil
}

func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
